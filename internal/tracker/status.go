package tracker

import "time"

type TargetStatus struct {
	TargetID          string     `json:"targetId"`
	Owner             string     `json:"owner"`
	VehicleID         string     `json:"vehicleId"`
	StopID            string     `json:"stopId"`
	Phase             Phase      `json:"phase"`
	NextCheck         *time.Time `json:"nextCheck,omitempty"`
	LastSeconds       *int       `json:"lastSeconds,omitempty"`
	VehiclePhysicalID string     `json:"vehiclePhysicalId,omitempty"`
}

type Status struct {
	State           State          `json:"state"`
	Scanning        bool           `json:"scanning"`
	IntervalSeconds float64        `json:"intervalSeconds"`
	ActiveTimers    int            `json:"activeTimers"`
	Targets         []TargetStatus `json:"targets"`
}

// Status returns a point-in-time view of the tracker and its timers.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	s := Status{State: t.state, IntervalSeconds: t.interval.Seconds()}
	t.mu.Unlock()
	s.Scanning = t.scanning.Load()
	s.ActiveTimers = t.timers.Live()

	snap := t.timers.Snapshot()
	s.Targets = make([]TargetStatus, 0, len(snap))
	for _, st := range snap {
		ts := TargetStatus{
			TargetID:          st.Target.ID,
			Owner:             st.Target.Owner,
			VehicleID:         st.Target.VehicleID,
			StopID:            st.Target.StopID,
			Phase:             st.Phase,
			LastSeconds:       st.LastSeconds,
			VehiclePhysicalID: st.LastPhysicalID,
		}
		if !st.NextCheck.IsZero() {
			next := st.NextCheck
			ts.NextCheck = &next
		}
		s.Targets = append(s.Targets, ts)
	}
	return s
}
