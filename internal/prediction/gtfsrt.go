package prediction

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/proto"

	"arrival-tracker/internal/transit"
)

// GTFSRTClient derives stop predictions from a GTFS-Realtime TripUpdates
// feed. The decoded feed is shared by all stops for cacheTTL so one scan
// fetches it once.
type GTFSRTClient struct {
	httpClient *http.Client
	feedURL    string
	cacheTTL   time.Duration
	now        func() time.Time
	tracer     trace.Tracer

	mu        sync.Mutex
	feed      *gtfs.FeedMessage
	fetchedAt time.Time
}

func NewGTFSRTClient(feedURL string, cacheTTL time.Duration) *GTFSRTClient {
	return &GTFSRTClient{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		},
		feedURL:  feedURL,
		cacheTTL: cacheTTL,
		now:      time.Now,
		tracer:   otel.Tracer("prediction-gtfsrt"),
	}
}

// Query returns one prediction per trip that still has a future stop time
// update for the stop. The sub-code is not used by GTFS-RT feeds.
func (c *GTFSRTClient) Query(ctx context.Context, stop transit.StopRef) ([]transit.Prediction, error) {
	ctx, span := c.tracer.Start(ctx, "prediction.gtfsrt_query",
		trace.WithAttributes(attribute.String("stop_id", stop.ID)),
	)
	defer span.End()

	feed, err := c.loadFeed(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	preds := predictionsForStop(feed, stop.ID, c.now())
	span.SetAttributes(attribute.Int("predictions", len(preds)))
	return preds, nil
}

func (c *GTFSRTClient) loadFeed(ctx context.Context) (*gtfs.FeedMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.feed != nil && c.now().Sub(c.fetchedAt) < c.cacheTTL {
		return c.feed, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", c.feedURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d from %s", ErrUnexpectedStatus, resp.StatusCode, c.feedURL)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read feed: %w", err)
	}
	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(data, feed); err != nil {
		return nil, fmt.Errorf("failed to decode feed: %w", err)
	}
	c.feed = feed
	c.fetchedAt = c.now()
	return feed, nil
}

func predictionsForStop(feed *gtfs.FeedMessage, stopID string, now time.Time) []transit.Prediction {
	var out []transit.Prediction
	for _, entity := range feed.GetEntity() {
		tu := entity.GetTripUpdate()
		if tu == nil {
			continue
		}
		for _, stu := range tu.GetStopTimeUpdate() {
			if stu.GetStopId() != stopID {
				continue
			}
			if stu.GetScheduleRelationship() == gtfs.TripUpdate_StopTimeUpdate_SKIPPED {
				break
			}
			at := stu.GetArrival().GetTime()
			if at == 0 {
				at = stu.GetDeparture().GetTime()
			}
			if at == 0 {
				break
			}
			secs := at - now.Unix()
			if secs < 0 {
				break
			}
			routeID := tu.GetTrip().GetRouteId()
			physical := tu.GetVehicle().GetId()
			if physical == "" {
				physical = tu.GetVehicle().GetLabel()
			}
			out = append(out, transit.Prediction{
				VehicleID:         routeID,
				VehicleLabel:      routeID,
				PredictedSeconds:  int(secs),
				VehiclePhysicalID: physical,
			})
			break
		}
	}
	return out
}
