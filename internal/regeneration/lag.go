package regeneration

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LagSource reports per-topic lag of a consumer group. *redpanda.Admin implements it.
type LagSource interface {
	GroupLag(ctx context.Context, groupID string) (map[string]int64, error)
}

// WatchLag polls the group's lag every interval and hands each topic's total to set.
// It returns when ctx is done.
func WatchLag(ctx context.Context, src LagSource, groupID string, interval time.Duration, set func(topic string, lag int64), logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		reportLag(ctx, src, groupID, set, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func reportLag(ctx context.Context, src LagSource, groupID string, set func(string, int64), logger *zap.Logger) {
	lag, err := src.GroupLag(ctx, groupID)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("consumer lag unavailable", zap.String("group", groupID), zap.Error(err))
		}
		return
	}
	for topic, n := range lag {
		set(topic, n)
	}
}
