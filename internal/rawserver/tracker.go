package rawserver

import (
	"context"
	"sync/atomic"
	"time"

	"printgate/internal/metrics"
)

// Tracker counts raw connections whose workers have not finished yet.
type Tracker struct {
	active atomic.Int64
}

func (t *Tracker) Begin() {
	t.active.Add(1)
	metrics.ActiveRequests.WithLabelValues("raw").Inc()
}

func (t *Tracker) End() {
	if t.active.Add(-1) < 0 {
		panic("rawserver: tracker went negative")
	}
	metrics.ActiveRequests.WithLabelValues("raw").Dec()
}

func (t *Tracker) Active() int64 {
	return t.active.Load()
}

// Wait polls until no connection is active or ctx is done.
func (t *Tracker) Wait(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for t.Active() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
