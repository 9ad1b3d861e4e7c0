// Package prediction queries real-time arrival prediction services and
// matches their readings to tracking targets.
package prediction

import (
	"context"
	"errors"

	"arrival-tracker/internal/transit"
)

var ErrUnexpectedStatus = errors.New("unexpected status from prediction service")

// Client returns every vehicle currently predicted at a stop.
type Client interface {
	Query(ctx context.Context, stop transit.StopRef) ([]transit.Prediction, error)
}
