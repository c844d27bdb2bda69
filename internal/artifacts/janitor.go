package artifacts

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor periodically sweeps <root>/<task_id> directories whose mtime is
// past a retention window. It is the only process that deletes a task's
// directory outside of external cleanup (per spec.md §3's "destroyed only
// by external cleanup" — the janitor is that external cleanup, run
// in-process on a cron schedule instead of a separate operator action).
type Janitor struct {
	root      string
	retention time.Duration
	logger    *slog.Logger

	cron *cron.Cron
}

// NewJanitor builds a Janitor rooted at root. retention <= 0 disables
// sweeping (Start becomes a no-op).
func NewJanitor(root string, retention time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{root: root, retention: retention, logger: logger}
}

// Start schedules the sweep on spec (standard 5-field cron syntax, e.g.
// "0 * * * *" for hourly) and begins running it in the background. Stop
// must be called to release the underlying cron scheduler.
func (j *Janitor) Start(spec string) error {
	if j.retention <= 0 {
		return nil
	}
	j.cron = cron.New()
	if _, err := j.cron.AddFunc(spec, j.sweepOnce); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

// PruneExpired removes every task directory under root whose most recent
// modification time is older than retention, returning the count removed.
// It satisfies Repository so it can also be driven by CleanupService in
// deployments that prefer a plain ticker over a cron expression.
func (j *Janitor) PruneExpired(_ context.Context) (int64, error) {
	return j.sweep()
}

func (j *Janitor) sweepOnce() {
	n, err := j.sweep()
	if err != nil {
		j.logger.Error("artifact janitor sweep failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("artifact janitor pruned expired task directories", "count", n)
	}
}

func (j *Janitor) sweep() (int64, error) {
	entries, err := os.ReadDir(j.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-j.retention)
	var pruned int64
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			j.logger.Warn("artifact janitor: failed to remove expired task dir", "path", path, "error", err)
			continue
		}
		pruned++
	}
	return pruned, nil
}
