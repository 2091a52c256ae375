package worker

import (
	"context"
	"log/slog"
	"time"

	"parley.app/dialog/common/logger"
)

// DueSource moves delayed tasks that are due onto the trigger stream.
type DueSource interface {
	Pump(ctx context.Context, now time.Time, limit int64) (int, error)
}

// SchedulePump polls the delayed-trigger set so grouping windows and follow-ups fire close to
// their due time.
type SchedulePump struct {
	source   DueSource
	interval time.Duration
	limit    int64
	Now      func() time.Time

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewSchedulePump(source DueSource, interval time.Duration, limit int64) *SchedulePump {
	if interval <= 0 {
		interval = time.Second
	}
	return &SchedulePump{
		source:    source,
		interval:  interval,
		limit:     limit,
		Now:       func() time.Time { return time.Now().UTC() },
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (p *SchedulePump) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "dialog.worker.schedule_pump"})
	defer close(p.stoppedCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.PumpOnce(ctx)
		}
	}
}

func (p *SchedulePump) Stop() {
	close(p.stopCh)
	<-p.stoppedCh
}

// PumpOnce drains due tasks until a call publishes fewer than the limit.
func (p *SchedulePump) PumpOnce(ctx context.Context) int {
	total := 0
	for {
		n, err := p.source.Pump(ctx, p.Now(), p.limit)
		total += n
		if err != nil {
			slog.ErrorContext(ctx, "schedule pump error", "error", err)
			return total
		}
		if p.limit <= 0 || int64(n) < p.limit {
			break
		}
	}
	if total > 0 {
		slog.DebugContext(ctx, "scheduled triggers published", "count", total)
	}
	return total
}
