package prediction

import (
	"strings"
	"unicode"

	"arrival-tracker/internal/transit"
)

// Match finds the prediction for the target's vehicle. Rules are tried in
// order: id equality, label equality, label equality ignoring whitespace.
// When a rule matches several predictions the soonest one wins.
func Match(t transit.TrackingTarget, preds []transit.Prediction) (transit.Prediction, bool) {
	rules := []func(p transit.Prediction) bool{
		func(p transit.Prediction) bool {
			return t.VehicleID != "" && p.VehicleID == t.VehicleID
		},
		func(p transit.Prediction) bool {
			return t.VehicleLabel != "" && p.VehicleLabel == t.VehicleLabel
		},
		func(p transit.Prediction) bool {
			want := stripSpace(t.VehicleLabel)
			return want != "" && stripSpace(p.VehicleLabel) == want
		},
	}
	for _, rule := range rules {
		best, found := transit.Prediction{}, false
		for _, p := range preds {
			if !rule(p) {
				continue
			}
			if !found || p.PredictedSeconds < best.PredictedSeconds {
				best, found = p, true
			}
		}
		if found {
			return best, true
		}
	}
	return transit.Prediction{}, false
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
