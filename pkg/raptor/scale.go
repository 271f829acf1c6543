package raptor

import (
	"context"
	"time"

	"github.com/radical-cybertools/rp-agent/pkg/log"
)

// SpawnFunc starts one new Worker identified by id and returns it
// already Start()-ed, or an error if it could not be brought up.
type SpawnFunc func(ctx context.Context, id string) (*Worker, error)

// ScaleWorkers grows the pool to targetCount additional workers, named
// idFor(0)..idFor(targetCount-1), in batches of parallelism with a
// pause of delay between batches. Mirrors the teacher's
// Deployer.rollingUpdate batch loop, here growing a worker pool instead
// of rolling container replacement. A spawn failure is logged and
// skipped rather than aborting the remaining batches.
func ScaleWorkers(ctx context.Context, targetCount, parallelism int, delay time.Duration, idFor func(i int) string, spawn SpawnFunc) []*Worker {
	if parallelism <= 0 {
		parallelism = 1
	}
	logger := log.WithComponent("raptor-scale")
	spawned := make([]*Worker, 0, targetCount)

	for i := 0; i < targetCount; i += parallelism {
		end := i + parallelism
		if end > targetCount {
			end = targetCount
		}

		logger.Info().Int("batch_start", i).Int("batch_end", end).Int("target", targetCount).Msg("scaling raptor worker pool")

		for j := i; j < end; j++ {
			id := idFor(j)
			w, err := spawn(ctx, id)
			if err != nil {
				logger.Warn().Err(err).Str("worker_id", id).Msg("failed to spawn raptor worker")
				continue
			}
			spawned = append(spawned, w)
		}

		if delay > 0 && end < targetCount {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return spawned
			}
		}
	}

	return spawned
}
