package idempotency

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateKey(t *testing.T) {
	at := time.Date(2024, 3, 7, 14, 5, 12, 0, time.UTC)

	a := GenerateKey("rec-1", "user-1", "PDF", at)
	b := GenerateKey("rec-1", "user-1", "pdf", at.Add(30*time.Second))
	if a != b {
		t.Error("keys within the same minute and format should match")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d", len(a))
	}

	for name, other := range map[string]string{
		"format": GenerateKey("rec-1", "user-1", "docx", at),
		"record": GenerateKey("rec-2", "user-1", "pdf", at),
		"minute": GenerateKey("rec-1", "user-1", "pdf", at.Add(time.Minute)),
	} {
		if other == a {
			t.Errorf("changing %s should change the key", name)
		}
	}
}

func TestDecide(t *testing.T) {
	now := time.Now()
	recovery := 5 * time.Minute

	tests := []struct {
		name    string
		entry   *Entry
		want    action
		wantErr error
	}{
		{"new", nil, actionRun, nil},
		{"finished", &Entry{Status: StatusFinished}, actionReturnCached, nil},
		{"recoverable", &Entry{Status: StatusRecoverable}, actionRun, nil},
		{"in progress", &Entry{Status: StatusStarted, UpdatedAt: now.Add(-time.Minute)}, 0, ErrMessageInProgress},
		{"stale", &Entry{Status: StatusStarted, UpdatedAt: now.Add(-time.Hour)}, actionRecoverAndRun, nil},
		{"failed", &Entry{Status: StatusFailed, IdempotencyKey: "k"}, 0, ErrPreviouslyFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decide(tt.entry, now, recovery)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("decide = %v, %v; want %v", got, err, tt.want)
			}
		})
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("record not found")
	err := Permanent(base)

	var perm *PermanentError
	if !errors.As(err, &perm) || !errors.Is(err, base) {
		t.Errorf("Permanent lost its cause: %v", err)
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
