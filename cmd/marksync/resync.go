package main

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/marksync/internal/marksync"
)

type resyncer interface {
	ResyncAll(ctx context.Context) (marksync.ReplaceSet, error)
}

// runResyncLoop re-runs the full bootstrap on a jittered interval until ctx
// is done, so drift left by failed host writes heals on its own.
func runResyncLoop(ctx context.Context, r resyncer, cfg ResyncConfig, logger logrus.FieldLogger) {
	if cfg.Interval <= 0 {
		return
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(cfg.Interval, cfg.Jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			resyncOnce(ctx, r, cfg.Timeout, logger)
			timer.Reset(jitteredIntervalWithSample(cfg.Interval, cfg.Jitter, rng.Float64()))
		}
	}
}

func resyncOnce(ctx context.Context, r resyncer, timeout time.Duration, logger logrus.FieldLogger) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	set, err := r.ResyncAll(ctx)
	if err != nil {
		logger.WithError(err).Warn("periodic resync failed")
		return
	}
	logger.WithField("items", len(set.Items)).Debug("periodic resync completed")
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by up to ±jitterRatio. sample is
// in [0, 1]; 0.5 yields base.
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
