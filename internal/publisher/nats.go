package publisher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"arrival-tracker/internal/transit"
)

type NATSPublisher struct {
	nc      *nats.Conn
	prefix  string
	log     zerolog.Logger
	metrics PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, log zerolog.Logger, m PublisherMetrics) (*NATSPublisher, error) {
	log = log.With().Str("component", "nats").Logger()
	nc, err := nats.Connect(url,
		nats.Name("arrival-tracker"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info().Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info().Msg("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, prefix: prefix, log: log, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// ArrivalEvent is the message published for every logged arrival.
type ArrivalEvent struct {
	ID                string    `json:"id"`
	Owner             string    `json:"owner"`
	VehicleID         string    `json:"vehicleId"`
	VehicleLabel      string    `json:"vehicleLabel"`
	StopID            string    `json:"stopId"`
	StopLabel         string    `json:"stopLabel"`
	ArrivedAt         time.Time `json:"arrivedAt"`
	DayOfWeek         string    `json:"dayOfWeek"`
	VehiclePhysicalID string    `json:"vehiclePhysicalId,omitempty"`
}

func NewArrivalEvent(e transit.ArrivalLogEntry) ArrivalEvent {
	return ArrivalEvent{
		ID:                e.ID,
		Owner:             e.Owner,
		VehicleID:         e.VehicleID,
		VehicleLabel:      e.VehicleLabel,
		StopID:            e.StopID,
		StopLabel:         e.StopLabel,
		ArrivedAt:         e.ArrivedAt,
		DayOfWeek:         e.DayOfWeek.String(),
		VehiclePhysicalID: e.VehiclePhysicalID,
	}
}

// Subject returns <prefix>.<owner>.<stop> with each token sanitised.
func Subject(prefix string, e transit.ArrivalLogEntry) string {
	return fmt.Sprintf("%s.%s.%s", prefix, subjectToken(e.Owner), subjectToken(e.StopID))
}

func (p *NATSPublisher) PublishArrival(e transit.ArrivalLogEntry) error {
	subject := Subject(p.prefix, e)
	b, err := json.Marshal(NewArrivalEvent(e))
	if err != nil {
		return err
	}
	p.log.Debug().Str("subject", subject).Msg("nats publish")
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
