package jobs

import (
	"context"
	"time"

	"hallucheck-backend/internal/shared/telemetry"
)

// RunSweeper calls SweepStale every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration, w StaleWindows) error {
	if interval <= 0 || w.Claimed <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.SweepStale(ctx, w)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				telemetry.Error("job.sweep_failed", map[string]any{"error": err.Error()})
				continue
			}
			if n > 0 {
				telemetry.Warn("job.sweep", map[string]any{
					"swept":              n,
					"stale_after":        w.Claimed.String(),
					"stale_queued_after": w.normalized().Queued.String(),
				})
			}
		}
	}
}
