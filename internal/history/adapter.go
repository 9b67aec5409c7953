// Package history persists generated records so they can be listed and regenerated later.
package history

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-prontuario/internal/domain/record"
	"github.com/drfirst/go-prontuario/internal/notify"
	"github.com/drfirst/go-prontuario/pkg/circuitbreaker"
)

// Breaker names
const (
	WriteBreaker = "history-write"
	ReadBreaker  = "history-read"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// ErrUnauthenticated is returned when no user identity accompanies a history call
var ErrUnauthenticated = errors.New("history: no authenticated user")

// Store is the backing table. record.Repository implements it.
type Store interface {
	Insert(ctx context.Context, row *record.Row) error
	Get(ctx context.Context, userID, id string) (*record.Row, error)
	List(ctx context.Context, userID string, limit int) ([]*record.Summary, error)
}

// Adapter writes bundles through a circuit breaker and never lets a write failure escape
type Adapter struct {
	store    Store
	write    *circuitbreaker.Breaker
	read     *circuitbreaker.Breaker
	notifier notify.Notifier
	logger   *zap.Logger
	observe  func(result string)
}

// Option configures an Adapter
type Option func(*Adapter)

// WithResultObserver is called with saved, failed or skipped after every Persist
func WithResultObserver(fn func(result string)) Option {
	return func(a *Adapter) { a.observe = fn }
}

// NewAdapter creates an adapter. breakers may be shared with other components.
func NewAdapter(store Store, breakers *circuitbreaker.Manager, notifier notify.Notifier, logger *zap.Logger, opts ...Option) (*Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Nop
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager(logger, nil)
	}
	write, err := breakers.Get(WriteBreaker)
	if err != nil {
		return nil, fmt.Errorf("history write breaker: %w", err)
	}
	read, err := breakers.Get(ReadBreaker)
	if err != nil {
		return nil, fmt.Errorf("history read breaker: %w", err)
	}

	a := &Adapter{
		store:    store,
		write:    write,
		read:     read,
		notifier: notifier,
		logger:   logger.Named("history"),
		observe:  func(string) {},
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Save inserts the bundle and returns the stored row. Errors are returned, not notified.
func (a *Adapter) Save(ctx context.Context, userID string, b *record.Bundle) (*record.Row, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	if b == nil {
		return nil, errors.New("history: nil bundle")
	}
	row, err := record.NewRow(userID, b)
	if err != nil {
		return nil, err
	}
	if err := a.write.Do(ctx, func(ctx context.Context) error {
		return a.store.Insert(ctx, row)
	}); err != nil {
		return nil, err
	}
	return row, nil
}

// Persist reports whether the bundle was stored. Every failure is logged and notified here.
func (a *Adapter) Persist(ctx context.Context, userID string, b *record.Bundle) bool {
	row, err := a.Save(ctx, userID, b)
	switch {
	case errors.Is(err, ErrUnauthenticated):
		a.logger.Warn("history write skipped: unauthenticated")
		a.notifier.Notify(ctx, notify.Notification{
			Title:       "Usuário não autenticado",
			Description: "O documento foi gerado, mas o histórico não foi salvo.",
			Severity:    notify.Warning,
		})
		a.observe("skipped")
		return false
	case err != nil:
		desc := ""
		if b != nil {
			desc = b.Describe()
		}
		a.logger.Error("history write failed",
			zap.String("stage", "persist"),
			zap.String("user_id", userID),
			zap.String("input", desc),
			zap.Error(err))
		a.notifier.Notify(ctx, notify.Notification{
			Title:       "Erro ao salvar histórico",
			Description: "O documento foi gerado, mas não foi possível salvar o histórico.",
			Severity:    notify.Warning,
		})
		a.observe("failed")
		return false
	}

	a.logger.Info("history saved", zap.String("record_id", row.ID), zap.String("user_id", userID))
	a.observe("saved")
	return true
}

// List returns the newest records of a user. limit is clamped to [1, MaxListLimit].
func (a *Adapter) List(ctx context.Context, userID string, limit int) ([]*record.Summary, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	return circuitbreaker.Call(ctx, a.read, func(ctx context.Context) ([]*record.Summary, error) {
		return a.store.List(ctx, userID, limit)
	})
}

// Load decodes a stored record back into a bundle
func (a *Adapter) Load(ctx context.Context, userID, id string) (*record.Bundle, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	row, err := circuitbreaker.Call(ctx, a.read, func(ctx context.Context) (*record.Row, error) {
		row, err := a.store.Get(ctx, userID, id)
		if errors.Is(err, record.ErrNotFound) {
			// a missing row says nothing about backend health
			return nil, nil
		}
		return row, err
	})
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", id, err)
	}
	if row == nil {
		return nil, fmt.Errorf("load record %s: %w", id, record.ErrNotFound)
	}
	return row.Bundle()
}
