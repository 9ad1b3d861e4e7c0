package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"arrival-tracker/internal/metrics"
	"arrival-tracker/internal/transit"
)

var errBackend = errors.New("backend unavailable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// memStore keeps targets, settings, the arrival log and pending arrivals
// in memory, mirroring the Postgres store.
type memStore struct {
	mu       sync.Mutex
	targets  []transit.TrackingTarget
	settings transit.SchedulerSettings
	entries  []transit.ArrivalLogEntry
	pending  map[transit.PendingKey]transit.PendingArrival

	settingsErr error
	insertErr   error
	existsErr   error
	upsertErr   error
}

func newMemStore() *memStore {
	return &memStore{
		settings: transit.SchedulerSettings{Enabled: true, IntervalMinutes: 15, StartHour: 0, EndHour: 24},
		pending:  make(map[transit.PendingKey]transit.PendingArrival),
	}
}

func (s *memStore) ListActiveTargets(context.Context) ([]transit.TrackingTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transit.TrackingTarget, 0, len(s.targets))
	for _, t := range s.targets {
		if t.Active {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memStore) setTargets(ts ...transit.TrackingTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = ts
}

func (s *memStore) ReadSettings(context.Context) (transit.SchedulerSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, s.settingsErr
}

func (s *memStore) setSettings(st transit.SchedulerSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = st
}

func (s *memStore) InsertArrival(_ context.Context, e transit.ArrivalLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *memStore) ArrivalExistsSince(_ context.Context, owner, vehicleID, stopID string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existsErr != nil {
		return false, s.existsErr
	}
	for _, e := range s.entries {
		if e.Owner == owner && e.VehicleID == vehicleID && e.StopID == stopID && !e.ArrivedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) Entries() []transit.ArrivalLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transit.ArrivalLogEntry(nil), s.entries...)
}

func (s *memStore) UpsertPending(_ context.Context, p transit.PendingArrival) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	if old, ok := s.pending[p.Key]; ok && p.VehiclePhysicalID == "" {
		p.VehiclePhysicalID = old.VehiclePhysicalID
	}
	s.pending[p.Key] = p
	return nil
}

func (s *memStore) GetPending(_ context.Context, key transit.PendingKey) (transit.PendingArrival, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[key]
	return p, ok, nil
}

func (s *memStore) DeletePending(_ context.Context, key transit.PendingKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
	return nil
}

func (s *memStore) DeletePendingExcept(_ context.Context, keep []transit.PendingKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := make(map[transit.PendingKey]struct{}, len(keep))
	for _, k := range keep {
		live[k] = struct{}{}
	}
	n := 0
	for k := range s.pending {
		if _, ok := live[k]; !ok {
			delete(s.pending, k)
			n++
		}
	}
	return n, nil
}

func (s *memStore) Pending(key transit.PendingKey) (transit.PendingArrival, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[key]
	return p, ok
}

type fakeClient struct {
	mu    sync.Mutex
	preds map[string][]transit.Prediction
	err   error
	calls int

	// when set, Query signals entered and blocks until gate is closed
	gate    chan struct{}
	entered chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{preds: make(map[string][]transit.Prediction)}
}

func (c *fakeClient) Query(_ context.Context, stop transit.StopRef) ([]transit.Prediction, error) {
	c.mu.Lock()
	c.calls++
	gate, entered := c.gate, c.entered
	c.mu.Unlock()
	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return append([]transit.Prediction(nil), c.preds[stop.ID]...), nil
}

// hold makes every following Query block until release is called.
func (c *fakeClient) hold() (entered <-chan struct{}, release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = make(chan struct{})
	c.entered = make(chan struct{}, 1)
	gate := c.gate
	return c.entered, func() { close(gate) }
}

func (c *fakeClient) set(stopID string, preds ...transit.Prediction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preds[stopID] = preds
}

func (c *fakeClient) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *fakeClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakePublisher struct {
	mu     sync.Mutex
	events []transit.ArrivalLogEntry
}

func (p *fakePublisher) PublishArrival(e transit.ArrivalLogEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

type harness struct {
	store   *memStore
	client  *fakeClient
	clock   *fakeClock
	pub     *fakePublisher
	metrics *metrics.Collector
	tr      *Tracker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   newMemStore(),
		client:  newFakeClient(),
		clock:   &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)},
		pub:     &fakePublisher{},
		metrics: metrics.NewCollector(),
	}
	h.tr = New(Config{
		Location:      time.UTC,
		FallbackRetry: 5 * time.Minute,
		PendingStale:  15 * time.Minute,
	}, Deps{
		Registry:  h.store,
		Settings:  h.store,
		Client:    h.client,
		Log:       h.store,
		Pending:   h.store,
		Publisher: h.pub,
		Metrics:   h.metrics,
		Clock:     h.clock,
		Logger:    zerolog.Nop(),
	})
	t.Cleanup(h.tr.Stop)
	return h
}

func secs(n int) *int { return &n }

var bus49 = transit.TrackingTarget{
	ID:           "t-49",
	Owner:        "alice",
	VehicleID:    "100100049",
	VehicleLabel: "49",
	StopID:       "S1",
	StopLabel:    "Main St",
	Active:       true,
}
