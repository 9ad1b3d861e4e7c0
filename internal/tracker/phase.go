package tracker

import "time"

type Phase string

const (
	PhaseWaiting     Phase = "waiting"
	PhaseApproaching Phase = "approaching"
	PhaseImminent    Phase = "imminent"
)

const (
	// ImminentSeconds is the prediction at or below which a vehicle is
	// about to arrive.
	ImminentSeconds    = 180
	ApproachingSeconds = 600

	MinRecheck = 60 * time.Second
	// DedupWindow suppresses a second arrival for the same owner, vehicle
	// and stop.
	DedupWindow = 180 * time.Second
)

// Classify maps a predicted seconds-to-arrival to its phase and the delay
// before the next check. The re-check aims to land ImminentSeconds before
// the predicted arrival, never sooner than MinRecheck.
func Classify(seconds int) (Phase, time.Duration) {
	if seconds <= ImminentSeconds {
		return PhaseImminent, MinRecheck
	}
	delay := time.Duration(seconds-ImminentSeconds) * time.Second
	if delay < MinRecheck {
		delay = MinRecheck
	}
	if seconds <= ApproachingSeconds {
		return PhaseApproaching, delay
	}
	return PhaseWaiting, delay
}
