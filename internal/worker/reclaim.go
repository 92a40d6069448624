package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/wpsentinel-worker/internal/queue"
)

// Reclaim requeues jobs left in running for longer than staleAfter, normally
// by a worker that died mid-scan. It returns queue.ErrUnsupported when the
// backend cannot do this.
func Reclaim(ctx context.Context, b queue.Backend, staleAfter time.Duration, log logrus.FieldLogger) ([]string, error) {
	rc, ok := b.(queue.Reclaimer)
	if !ok {
		return nil, queue.ErrUnsupported
	}
	ids, err := rc.RequeueStaleRunning(ctx, staleAfter)
	if err != nil {
		return nil, fmt.Errorf("requeue stale jobs: %w", err)
	}
	for _, id := range ids {
		log.WithField("job_id", id).Warn("re-queued stale running job")
	}
	return ids, nil
}
