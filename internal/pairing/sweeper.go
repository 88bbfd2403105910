package pairing

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/1ureka/syncspace/internal/util"
)

// StartSweeper schedules store.ExpireOlderThan(expiry) every interval until
// ctx is cancelled. The returned channel is closed once the scheduler has
// stopped and any in-flight sweep has finished.
func StartSweeper(ctx context.Context, store *Store, interval, expiry time.Duration) (<-chan struct{}, error) {
	c := cron.New()

	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if n := store.ExpireOlderThan(expiry); n > 0 {
			util.LogDebug("expired %d pairing code(s), %d live", n, store.Len())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule pairing sweep: %w", err)
	}

	c.Start()

	stopped := make(chan struct{})
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		close(stopped)
	}()

	return stopped, nil
}
