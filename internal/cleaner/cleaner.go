// Package cleaner runs the background reclamation loop over the job
// store. It only ever talks to the store through its public sweep
// operation, so the store's locking discipline stays authoritative.
package cleaner

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Sweeper is the slice of the job store the cleaner needs.
type Sweeper interface {
	SweepExpired() (int, error)
	DiskUsagePercent() float64
}

// Cleaner sweeps expired slots on a fixed interval.
type Cleaner struct {
	store    Sweeper
	interval time.Duration
}

func New(store Sweeper, interval time.Duration) *Cleaner {
	return &Cleaner{store: store, interval: interval}
}

// Run blocks until ctx is cancelled, sweeping once per interval. A
// failed sweep is logged and the loop continues; the loop stopping is
// the failure mode to avoid, since nothing else reclaims disk. The tick
// in progress when ctx is cancelled always completes.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	log.Infof("Cleanup scheduler started (interval: %s)", c.interval)

	for {
		select {
		case <-ctx.Done():
			log.Info("Cleanup scheduler stopped")
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cleaner) sweep() {
	reclaimed, err := c.store.SweepExpired()
	if err != nil {
		log.WithError(err).Warn("Sweep finished with errors, continuing")
	}
	if reclaimed > 0 {
		log.Infof("Reclaimed %d expired job slots (disk usage: %.1f%%)", reclaimed, c.store.DiskUsagePercent())
	} else {
		log.Debugf("Sweep reclaimed nothing (disk usage: %.1f%%)", c.store.DiskUsagePercent())
	}
}
