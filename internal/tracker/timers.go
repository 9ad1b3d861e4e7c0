package tracker

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"arrival-tracker/internal/transit"
)

// TimerState is the in-memory follow state of one target.
type TimerState struct {
	Target         transit.TrackingTarget
	Phase          Phase
	NextCheck      time.Time // zero when no task is live
	LastSeconds    *int
	LastPhysicalID string

	task *task
}

// Live reports whether a re-check task is scheduled.
func (s TimerState) Live() bool { return s.task != nil }

type task struct {
	targetID string
	at       time.Time
	seq      uint64
	index    int
}

// taskQueue is a min-heap ordered by fire time, then by arming order.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }
func (q taskQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}
func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *taskQueue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}
func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// Timers owns every TimerState and the single queue of pending re-checks.
// A target has at most one task in the queue; arming it again replaces the
// previous task.
type Timers struct {
	mu     sync.Mutex
	states map[string]*TimerState
	queue  taskQueue
	seq    uint64
	epoch  uint64

	wake     chan struct{}
	onChange func(live int, byPhase map[string]int)
}

func NewTimers(onChange func(live int, byPhase map[string]int)) *Timers {
	return &Timers{
		states:   make(map[string]*TimerState),
		wake:     make(chan struct{}, 1),
		onChange: onChange,
	}
}

// Epoch changes every time CancelAll runs. Work started under an older
// epoch must not arm new tasks.
func (m *Timers) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Arm stores st and schedules its re-check after delay, replacing any task
// the target already had. A zero delay stores the state without a task.
// It returns false, leaving everything untouched, when epoch is stale.
func (m *Timers) Arm(st TimerState, now time.Time, delay time.Duration, epoch uint64) bool {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return false
	}
	id := st.Target.ID
	if old, ok := m.states[id]; ok {
		m.cancelLocked(old)
	}
	st.task = nil
	st.NextCheck = time.Time{}
	if delay > 0 {
		m.seq++
		st.task = &task{targetID: id, at: now.Add(delay), seq: m.seq}
		st.NextCheck = st.task.at
		heap.Push(&m.queue, st.task)
	}
	m.states[id] = &st
	m.notifyLocked()
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// State returns a copy of the target's state.
func (m *Timers) State(id string) (TimerState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return TimerState{}, false
	}
	return *st, true
}

// Remove cancels the target's task and forgets its state.
func (m *Timers) Remove(id string) (TimerState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return TimerState{}, false
	}
	m.cancelLocked(st)
	delete(m.states, id)
	m.notifyLocked()
	return *st, true
}

// CancelAll drops every task and state and starts a new epoch.
func (m *Timers) CancelAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.queue)
	m.queue = nil
	m.states = make(map[string]*TimerState)
	m.epoch++
	m.notifyLocked()
	return n
}

// IDs returns the ids of every tracked target.
func (m *Timers) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	return ids
}

// Live returns the number of scheduled tasks.
func (m *Timers) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// NextDeadline returns the earliest scheduled fire time.
func (m *Timers) NextDeadline() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return time.Time{}, false
	}
	return m.queue[0].at, true
}

// PopDue removes every task due at or before now and returns the target ids
// in fire order. Their states stay, without a live task.
func (m *Timers) PopDue(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for len(m.queue) > 0 && !m.queue[0].at.After(now) {
		t := heap.Pop(&m.queue).(*task)
		if st, ok := m.states[t.targetID]; ok && st.task == t {
			st.task = nil
			st.NextCheck = time.Time{}
		}
		ids = append(ids, t.targetID)
	}
	if len(ids) > 0 {
		m.notifyLocked()
	}
	return ids
}

// Wake is signalled whenever a task is armed.
func (m *Timers) Wake() <-chan struct{} { return m.wake }

// Snapshot returns every state ordered by target id.
func (m *Timers) Snapshot() []TimerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TimerState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target.ID < out[j].Target.ID })
	return out
}

func (m *Timers) cancelLocked(st *TimerState) {
	if st.task != nil && st.task.index >= 0 {
		heap.Remove(&m.queue, st.task.index)
	}
	st.task = nil
	st.NextCheck = time.Time{}
}

func (m *Timers) notifyLocked() {
	if m.onChange == nil {
		return
	}
	byPhase := make(map[string]int, 3)
	for _, st := range m.states {
		byPhase[string(st.Phase)]++
	}
	m.onChange(len(m.queue), byPhase)
}
