// Package tracker follows predicted arrival times of tracked vehicles and
// records an arrival event once per real arrival.
//
// A Tracker runs two kinds of work. A periodic scan reads the scheduler
// settings, checks the operating window and queries every active target's
// stop. Each target then gets its own re-check timer whose delay shrinks as
// the vehicle approaches, so a single bus is followed closely without
// polling every stop at the highest rate.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"arrival-tracker/internal/logging"
	"arrival-tracker/internal/metrics"
	"arrival-tracker/internal/prediction"
	"arrival-tracker/internal/transit"
)

type TargetRegistry interface {
	ListActiveTargets(ctx context.Context) ([]transit.TrackingTarget, error)
}

type SettingsStore interface {
	ReadSettings(ctx context.Context) (transit.SchedulerSettings, error)
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

var ErrScanInProgress = errors.New("scan already in progress")

type Config struct {
	Location        *time.Location
	DefaultInterval time.Duration
	FallbackRetry   time.Duration
	PendingStale    time.Duration
	// MaxConcurrentQueries bounds parallel stop queries in a scan; 0 means unbounded.
	MaxConcurrentQueries int
	// ValidateSettings rejects a settings row; a rejected row closes the gate.
	ValidateSettings func(transit.SchedulerSettings) error
}

type Deps struct {
	Registry  TargetRegistry
	Settings  SettingsStore
	Client    prediction.Client
	Log       ArrivalLog
	Pending   PendingStore
	Publisher ArrivalPublisher
	Metrics   *metrics.Collector
	Clock     Clock
	Logger    zerolog.Logger
}

type Tracker struct {
	cfg      Config
	registry TargetRegistry
	settings SettingsStore
	client   prediction.Client
	pending  PendingStore
	detector *Detector
	timers   *Timers
	metrics  *metrics.Collector
	clock    Clock
	log      zerolog.Logger

	locks    sync.Map // target id -> *sync.Mutex, kept for the tracker's lifetime
	scanning atomic.Bool

	mu       sync.Mutex
	state    State
	runCtx   context.Context
	cancel   context.CancelFunc
	cron     *cron.Cron
	entryID  cron.EntryID
	interval time.Duration
	wg       sync.WaitGroup
}

func New(cfg Config, d Deps) *Tracker {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = 15 * time.Minute
	}
	if cfg.FallbackRetry <= 0 {
		cfg.FallbackRetry = 5 * time.Minute
	}
	if cfg.PendingStale <= 0 {
		cfg.PendingStale = 15 * time.Minute
	}
	if d.Clock == nil {
		d.Clock = realClock{}
	}
	log := d.Logger.With().Str("component", "tracker").Logger()
	return &Tracker{
		cfg:      cfg,
		registry: d.Registry,
		settings: d.Settings,
		client:   d.Client,
		pending:  d.Pending,
		detector: NewDetector(d.Log, d.Pending, d.Publisher, d.Metrics, log),
		timers:   NewTimers(d.Metrics.TimersChanged),
		metrics:  d.Metrics,
		clock:    d.Clock,
		log:      log,
		state:    StateStopped,
	}
}

// Start launches the timer loop and the scan schedule and runs one scan
// immediately. Calling Start on a running tracker does nothing.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateRunning {
		return
	}
	t.runCtx, t.cancel = context.WithCancel(ctx)
	cl := logging.CronLogger{L: t.log}
	t.cron = cron.New(
		cron.WithLocation(t.cfg.Location),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if err := t.scheduleLocked(t.cfg.DefaultInterval); err != nil {
		t.log.Error().Err(err).Msg("schedule scans")
	}
	t.cron.Start()

	runCtx := t.runCtx
	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.loop(runCtx)
	}()
	go func() {
		defer t.wg.Done()
		t.scanJob(runCtx)
	}()
	t.state = StateRunning
	t.log.Info().Dur("interval", t.interval).Msg("tracker started")
}

// Stop cancels the scan schedule and every live timer and waits for
// in-flight work to finish. Calling Stop on a stopped tracker does nothing.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.state == StateStopped {
		t.mu.Unlock()
		return
	}
	t.state = StateStopped
	cancel := t.cancel
	c := t.cron
	t.cron = nil
	t.entryID = 0
	t.interval = 0
	t.mu.Unlock()

	cancel()
	if c != nil {
		<-c.Stop().Done()
	}
	t.wg.Wait()
	n := t.timers.CancelAll()
	t.log.Info().Int("cancelled", n).Msg("tracker stopped")
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Trigger runs one scan now on the running tracker's context. Stop waits
// for a triggered scan like any other in-flight work.
func (t *Tracker) Trigger() error {
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return errors.New("tracker is not running")
	}
	ctx := t.runCtx
	t.wg.Add(1)
	t.mu.Unlock()
	defer t.wg.Done()
	return t.Scan(ctx)
}

func (t *Tracker) scanJob(ctx context.Context) {
	if err := t.Scan(ctx); err != nil && !errors.Is(err, ErrScanInProgress) {
		t.log.Error().Err(err).Msg("scan failed")
	}
}

// scheduleLocked (re)registers the scan cadence when it changed.
func (t *Tracker) scheduleLocked(d time.Duration) error {
	if t.cron == nil || d == t.interval {
		return nil
	}
	if t.entryID != 0 {
		t.cron.Remove(t.entryID)
		t.entryID = 0
	}
	runCtx := t.runCtx
	id, err := t.cron.AddFunc(fmt.Sprintf("@every %s", d), func() { t.scanJob(runCtx) })
	if err != nil {
		return err
	}
	t.entryID = id
	t.interval = d
	t.metrics.IntervalChanged(d)
	return nil
}

func (t *Tracker) reschedule(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateRunning {
		return
	}
	if err := t.scheduleLocked(d); err != nil {
		t.log.Error().Err(err).Dur("interval", d).Msg("reschedule scans")
	}
}

// loop fires due re-check tasks. Each task runs in its own goroutine so a
// slow stop never delays another target.
func (t *Tracker) loop(ctx context.Context) {
	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		if at, ok := t.timers.NextDeadline(); ok {
			d := at.Sub(t.clock.Now())
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-t.timers.Wake():
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
			t.fireDue(ctx, func(run func()) {
				t.wg.Add(1)
				go func() {
					defer t.wg.Done()
					run()
				}()
			})
		}
	}
}

// fireDue pops every due task and hands a refresh for each to spawn.
func (t *Tracker) fireDue(ctx context.Context, spawn func(func())) int {
	epoch := t.timers.Epoch()
	ids := t.timers.PopDue(t.clock.Now())
	for _, id := range ids {
		id := id
		spawn(func() { t.refresh(ctx, id, epoch) })
	}
	return len(ids)
}

// refresh re-queries the target's own stop and follows up on the result.
func (t *Tracker) refresh(ctx context.Context, id string, epoch uint64) {
	st, ok := t.timers.State(id)
	if !ok {
		return
	}
	target := st.Target
	log := t.log.With().Str("target", id).Str("stop", target.StopID).Logger()

	preds, err := t.client.Query(ctx, target.Stop())
	t.metrics.PredictionQueried(err)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("prediction refresh failed")
		t.fallback(target, epoch)
		return
	}
	var pred *transit.Prediction
	if p, ok := prediction.Match(target, preds); ok {
		pred = &p
	}
	t.processSafely(ctx, target, pred, epoch, true)
}

// processSafely runs process and turns an error or panic into the fixed
// fallback re-arm.
func (t *Tracker) processSafely(ctx context.Context, target transit.TrackingTarget, pred *transit.Prediction, epoch uint64, fromTimer bool) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				t.log.Error().Str("target", target.ID).Str("stack", string(debug.Stack())).Msg("panic processing target")
			}
		}()
		return t.process(ctx, target, pred, epoch, fromTimer)
	}()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.log.Warn().Err(err).Str("target", target.ID).Str("stop", target.StopID).Msg("target processing failed")
		t.fallback(target, epoch)
	}
}

// process feeds one observation of target to the detector and arms the
// next re-check. pred is nil when the target's vehicle was not predicted.
func (t *Tracker) process(ctx context.Context, target transit.TrackingTarget, pred *transit.Prediction, epoch uint64, fromTimer bool) error {
	unlock := t.lockTarget(target.ID)
	defer unlock()

	st, hasState := t.timers.State(target.ID)
	if fromTimer && !hasState {
		// removed or cancelled while the query was in flight
		return nil
	}
	now := t.clock.Now()

	var prev *int
	var carried string
	if hasState {
		prev, carried = st.LastSeconds, st.LastPhysicalID
	} else {
		p, ok, err := t.pending.GetPending(ctx, target.PendingKey())
		if err != nil {
			return fmt.Errorf("load pending arrival: %w", err)
		}
		if ok {
			if now.Sub(p.UpdatedAt) <= t.cfg.PendingStale {
				secs := p.PredictedSeconds
				prev, carried = &secs, p.VehiclePhysicalID
			} else if err := t.pending.DeletePending(ctx, p.Key); err != nil {
				t.log.Warn().Err(err).Str("target", target.ID).Msg("drop stale pending arrival")
			}
		}
	}

	var cur *int
	physical := carried
	if pred != nil {
		secs := pred.PredictedSeconds
		cur = &secs
		if pred.VehiclePhysicalID != "" {
			physical = pred.VehiclePhysicalID
		}
	}

	outcome, err := t.detector.Evaluate(ctx, target, prev, cur, physical, carried, now)
	if err != nil {
		return err
	}
	t.log.Debug().Str("target", target.ID).Interface("prev", prev).Interface("cur", cur).
		Stringer("outcome", outcome).Msg("observation")

	t.arm(target, cur, physical, now, epoch)
	return nil
}

// arm stores the target's new state and schedules its next re-check. A
// nil prediction leaves the target without a live task until the next scan.
func (t *Tracker) arm(target transit.TrackingTarget, seconds *int, physicalID string, now time.Time, epoch uint64) {
	st := TimerState{Target: target, LastSeconds: seconds, LastPhysicalID: physicalID, Phase: PhaseWaiting}
	var delay time.Duration
	if seconds != nil {
		st.Phase, delay = Classify(*seconds)
	}
	t.timers.Arm(st, now, delay, epoch)
}

// fallback re-arms target after FallbackRetry keeping its last observation.
func (t *Tracker) fallback(target transit.TrackingTarget, epoch uint64) {
	t.metrics.TargetFailed()
	unlock := t.lockTarget(target.ID)
	defer unlock()
	st, ok := t.timers.State(target.ID)
	if !ok {
		st = TimerState{Target: target, Phase: PhaseWaiting}
	}
	st.Target = target
	t.timers.Arm(st, t.clock.Now(), t.cfg.FallbackRetry, epoch)
}

// untrack stops following a target that left the active list.
func (t *Tracker) untrack(ctx context.Context, id string) {
	unlock := t.lockTarget(id)
	st, ok := t.timers.Remove(id)
	unlock()
	if !ok {
		return
	}
	if err := t.pending.DeletePending(ctx, st.Target.PendingKey()); err != nil {
		t.log.Warn().Err(err).Str("target", id).Msg("clear pending arrival failed")
	}
	t.log.Info().Str("target", id).Msg("target no longer tracked")
}

func (t *Tracker) lockTarget(id string) func() {
	v, _ := t.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
