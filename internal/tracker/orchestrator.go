package tracker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"arrival-tracker/internal/prediction"
	"arrival-tracker/internal/transit"
)

const (
	scanOK            = "ok"
	scanClosed        = "closed"
	scanSkipped       = "skipped"
	scanSettingsError = "settings_error"
	scanError         = "error"
)

// Scan runs one collection pass. It returns ErrScanInProgress without doing
// anything when another scan has not finished yet.
//
// A closed operating window, a disabled scheduler or unreadable settings
// cancel every timer and make no prediction calls. Otherwise active targets
// are grouped by stop, each stop is queried once and every target is
// re-armed from the fresh prediction.
func (t *Tracker) Scan(ctx context.Context) error {
	if !t.scanning.CompareAndSwap(false, true) {
		t.metrics.ScanFinished(scanSkipped, 0)
		t.log.Debug().Msg("scan skipped, previous scan still running")
		return ErrScanInProgress
	}
	defer t.scanning.Store(false)
	start := time.Now()

	settings, err := t.readSettings(ctx)
	if err != nil {
		n := t.timers.CancelAll()
		t.metrics.ScanFinished(scanSettingsError, time.Since(start))
		t.log.Error().Err(err).Int("cancelled", n).Msg("settings unavailable, treating window as closed")
		return nil
	}
	t.reschedule(settings.Interval())

	now := t.clock.Now().In(t.cfg.Location)
	if !settings.Enabled || !IsOpen(now, settings.StartHour, settings.EndHour) {
		n := t.timers.CancelAll()
		t.metrics.ScanFinished(scanClosed, time.Since(start))
		t.log.Info().Bool("enabled", settings.Enabled).Int("start_hour", settings.StartHour).
			Int("end_hour", settings.EndHour).Int("cancelled", n).Msg("outside operating window")
		return nil
	}
	epoch := t.timers.Epoch()

	targets, err := t.registry.ListActiveTargets(ctx)
	if err != nil {
		t.metrics.ScanFinished(scanError, time.Since(start))
		return fmt.Errorf("list active targets: %w", err)
	}
	t.pruneInactive(ctx, targets)

	groups := groupByStop(targets)
	g := &errgroup.Group{}
	if t.cfg.MaxConcurrentQueries > 0 {
		g.SetLimit(t.cfg.MaxConcurrentQueries)
	}
	for _, grp := range groups {
		grp := grp
		g.Go(func() error {
			t.scanStop(ctx, grp, epoch)
			return nil
		})
	}
	_ = g.Wait()

	t.metrics.ScanFinished(scanOK, time.Since(start))
	t.log.Info().Int("targets", len(targets)).Int("stops", len(groups)).
		Int("live_timers", t.timers.Live()).Dur("took", time.Since(start)).Msg("scan finished")
	return nil
}

func (t *Tracker) readSettings(ctx context.Context) (transit.SchedulerSettings, error) {
	s, err := t.settings.ReadSettings(ctx)
	if err != nil {
		return transit.SchedulerSettings{}, err
	}
	if t.cfg.ValidateSettings != nil {
		if err := t.cfg.ValidateSettings(s); err != nil {
			return transit.SchedulerSettings{}, fmt.Errorf("invalid settings: %w", err)
		}
	}
	return s, nil
}

// scanStop queries one stop and processes every target waiting on it. A
// failed query leaves targets that still have a live timer alone and puts
// the rest on the fallback retry.
func (t *Tracker) scanStop(ctx context.Context, grp stopGroup, epoch uint64) {
	preds, err := t.client.Query(ctx, grp.stop)
	t.metrics.PredictionQueried(err)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.log.Warn().Err(err).Str("stop", grp.stop.ID).Str("sub_code", grp.stop.SubCode).
			Int("targets", len(grp.targets)).Msg("prediction query failed")
		for _, target := range grp.targets {
			if st, ok := t.timers.State(target.ID); ok && st.Live() {
				continue
			}
			t.fallback(target, epoch)
		}
		return
	}
	for _, target := range grp.targets {
		var pred *transit.Prediction
		if p, ok := prediction.Match(target, preds); ok {
			pred = &p
		}
		t.processSafely(ctx, target, pred, epoch, false)
	}
}

// pruneInactive drops timers and pending arrivals of targets missing from
// the active list. Pending rows are pruned by key since a closed window or
// a restart leaves them without a timer.
func (t *Tracker) pruneInactive(ctx context.Context, active []transit.TrackingTarget) {
	keep := make(map[string]struct{}, len(active))
	keys := make([]transit.PendingKey, 0, len(active))
	for _, target := range active {
		keep[target.ID] = struct{}{}
		keys = append(keys, target.PendingKey())
	}
	for _, id := range t.timers.IDs() {
		if _, ok := keep[id]; !ok {
			t.untrack(ctx, id)
		}
	}
	n, err := t.pending.DeletePendingExcept(ctx, keys)
	if err != nil {
		t.log.Warn().Err(err).Msg("prune pending arrivals failed")
		return
	}
	if n > 0 {
		t.log.Info().Int("removed", n).Msg("dropped pending arrivals of untracked targets")
	}
}

type stopGroup struct {
	stop    transit.StopRef
	targets []transit.TrackingTarget
}

// groupByStop partitions active targets by stop, keeping first-seen order.
func groupByStop(targets []transit.TrackingTarget) []stopGroup {
	idx := make(map[transit.StopRef]int)
	var groups []stopGroup
	for _, target := range targets {
		if !target.Active {
			continue
		}
		key := target.Stop()
		i, ok := idx[key]
		if !ok {
			i = len(groups)
			idx[key] = i
			groups = append(groups, stopGroup{stop: key})
		}
		groups[i].targets = append(groups[i].targets, target)
	}
	return groups
}
