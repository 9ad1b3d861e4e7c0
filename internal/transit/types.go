package transit

import "time"

// TrackingTarget is a (vehicle, stop) pair a user wants arrival events for.
type TrackingTarget struct {
	ID           string
	Owner        string
	VehicleID    string
	VehicleLabel string
	StopID       string
	StopLabel    string
	StopSubCode  string // secondary stop code some prediction backends need
	Active       bool
}

// Stop returns the prediction lookup key for the target's stop.
func (t TrackingTarget) Stop() StopRef {
	return StopRef{ID: t.StopID, SubCode: t.StopSubCode}
}

// PendingKey returns the key under which the target's pending arrival is stored.
func (t TrackingTarget) PendingKey() PendingKey {
	return PendingKey{Owner: t.Owner, VehicleID: t.VehicleID, StopID: t.StopID}
}

// StopRef identifies one prediction query. Targets sharing a StopRef are
// served by a single call.
type StopRef struct {
	ID      string
	SubCode string
}

type Prediction struct {
	VehicleID         string
	VehicleLabel      string
	PredictedSeconds  int
	VehiclePhysicalID string // plate or fleet number, empty if unknown
}

type PendingKey struct {
	Owner     string
	VehicleID string
	StopID    string
}

type PendingArrival struct {
	Key               PendingKey
	PredictedSeconds  int
	VehiclePhysicalID string
	UpdatedAt         time.Time
}

type ArrivalLogEntry struct {
	ID                string
	Owner             string
	VehicleID         string
	VehicleLabel      string
	StopID            string
	StopLabel         string
	ArrivedAt         time.Time
	DayOfWeek         time.Weekday
	VehiclePhysicalID string
}

// SchedulerSettings is the operator-controlled configuration read at the
// start of every scan.
type SchedulerSettings struct {
	Enabled         bool `validate:"-"`
	IntervalMinutes int  `validate:"gt=0,lte=1440"`
	StartHour       int  `validate:"gte=0,lte=23"`
	EndHour         int  `validate:"gte=0,lte=24"` // 24 means until midnight
}

func (s SchedulerSettings) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}
