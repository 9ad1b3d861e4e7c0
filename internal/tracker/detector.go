package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"arrival-tracker/internal/metrics"
	"arrival-tracker/internal/transit"
)

type ArrivalLog interface {
	InsertArrival(ctx context.Context, e transit.ArrivalLogEntry) error
	ArrivalExistsSince(ctx context.Context, owner, vehicleID, stopID string, since time.Time) (bool, error)
}

type PendingStore interface {
	UpsertPending(ctx context.Context, p transit.PendingArrival) error
	GetPending(ctx context.Context, key transit.PendingKey) (transit.PendingArrival, bool, error)
	DeletePending(ctx context.Context, key transit.PendingKey) error
	// DeletePendingExcept drops every pending arrival whose key is not in
	// keep and reports how many rows went away.
	DeletePendingExcept(ctx context.Context, keep []transit.PendingKey) (int, error)
}

// ArrivalPublisher receives every arrival written to the log.
type ArrivalPublisher interface {
	PublishArrival(e transit.ArrivalLogEntry) error
}

type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomePending
	OutcomeLogged
	OutcomeDuplicate
	OutcomeLost // confirmed, but the log write failed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeLogged:
		return "logged"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeLost:
		return "lost"
	default:
		return "none"
	}
}

// Detector turns two consecutive observations of a target into arrival
// log entries.
type Detector struct {
	log       ArrivalLog
	pending   PendingStore
	publisher ArrivalPublisher
	metrics   *metrics.Collector
	logger    zerolog.Logger
}

func NewDetector(log ArrivalLog, pending PendingStore, pub ArrivalPublisher, m *metrics.Collector, logger zerolog.Logger) *Detector {
	return &Detector{log: log, pending: pending, publisher: pub, metrics: m, logger: logger}
}

// Evaluate applies the transition from prev to cur, both in predicted
// seconds with nil meaning no prediction. physicalID belongs to cur;
// carriedID is the last physical id seen for the target and is used when
// no pending arrival records one.
//
// A prediction at or below ImminentSeconds refreshes the pending arrival.
// An imminent previous reading followed by no reading or one above the
// threshold confirms the arrival.
func (d *Detector) Evaluate(ctx context.Context, t transit.TrackingTarget, prev, cur *int, physicalID, carriedID string, now time.Time) (Outcome, error) {
	if cur != nil && *cur <= ImminentSeconds {
		p := transit.PendingArrival{
			Key:               t.PendingKey(),
			PredictedSeconds:  *cur,
			VehiclePhysicalID: physicalID,
			UpdatedAt:         now,
		}
		if err := d.pending.UpsertPending(ctx, p); err != nil {
			return OutcomeNone, fmt.Errorf("record pending arrival: %w", err)
		}
		return OutcomePending, nil
	}
	if prev != nil && *prev <= ImminentSeconds {
		return d.Confirm(ctx, t, carriedID, now)
	}
	return OutcomeNone, nil
}

// Confirm records an arrival for t at now unless one was logged within
// DedupWindow. The pending arrival is cleared either way. A failed dedup
// check is returned with the pending arrival left in place so a later
// observation can retry; a failed write is logged and the event dropped.
func (d *Detector) Confirm(ctx context.Context, t transit.TrackingTarget, carriedID string, now time.Time) (Outcome, error) {
	key := t.PendingKey()
	physicalID := carriedID
	if p, ok, err := d.pending.GetPending(ctx, key); err != nil {
		d.logger.Warn().Err(err).Str("target", t.ID).Msg("pending arrival lookup failed, using carried vehicle id")
	} else if ok && p.VehiclePhysicalID != "" {
		physicalID = p.VehiclePhysicalID
	}

	dup, err := d.log.ArrivalExistsSince(ctx, t.Owner, t.VehicleID, t.StopID, now.Add(-DedupWindow))
	if err != nil {
		return OutcomeNone, fmt.Errorf("dedup check: %w", err)
	}

	outcome := OutcomeDuplicate
	if dup {
		d.metrics.ArrivalDuplicate()
		d.logger.Info().Str("target", t.ID).Str("stop", t.StopID).Str("vehicle", t.VehicleID).Msg("duplicate arrival suppressed")
	} else {
		entry := transit.ArrivalLogEntry{
			ID:                uuid.NewString(),
			Owner:             t.Owner,
			VehicleID:         t.VehicleID,
			VehicleLabel:      t.VehicleLabel,
			StopID:            t.StopID,
			StopLabel:         t.StopLabel,
			ArrivedAt:         now,
			DayOfWeek:         now.Weekday(),
			VehiclePhysicalID: physicalID,
		}
		if err := d.log.InsertArrival(ctx, entry); err != nil {
			outcome = OutcomeLost
			d.metrics.ArrivalLogFailed()
			d.logger.Error().Err(err).Str("target", t.ID).Str("stop", t.StopID).Str("vehicle", t.VehicleID).Msg("arrival log write failed, event lost")
		} else {
			outcome = OutcomeLogged
			d.metrics.ArrivalLogged()
			d.logger.Info().Str("target", t.ID).Str("stop", t.StopID).Str("vehicle", t.VehicleID).
				Str("physical_id", physicalID).Msg("arrival logged")
			if d.publisher != nil {
				if err := d.publisher.PublishArrival(entry); err != nil {
					d.logger.Warn().Err(err).Str("target", t.ID).Msg("arrival event publish failed")
				}
			}
		}
	}

	if err := d.pending.DeletePending(ctx, key); err != nil {
		d.logger.Warn().Err(err).Str("target", t.ID).Msg("clear pending arrival failed")
	}
	return outcome, nil
}
