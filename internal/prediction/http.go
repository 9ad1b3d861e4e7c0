package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/clbanning/mxj/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"arrival-tracker/internal/transit"
)

const (
	FormatJSON = "json"
	FormatXML  = "xml"
)

// HTTPClient queries a stop-arrivals endpoint. The URL template may contain
// {stop} and {sub} placeholders which are replaced by the escaped stop id
// and sub-code.
type HTTPClient struct {
	httpClient  *http.Client
	urlTemplate string
	apiKey      string
	format      string
	tracer      trace.Tracer
}

func NewHTTPClient(urlTemplate, apiKey, format string) *HTTPClient {
	if format == "" {
		format = FormatJSON
	}
	return &HTTPClient{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		},
		urlTemplate: urlTemplate,
		apiKey:      apiKey,
		format:      format,
		tracer:      otel.Tracer("prediction-http"),
	}
}

type wirePrediction struct {
	VehicleID         string `json:"vehicleId"`
	VehicleLabel      string `json:"vehicleLabel"`
	PredictedSeconds  int    `json:"predictedSeconds"`
	VehiclePhysicalID string `json:"vehiclePhysicalId"`
}

func (c *HTTPClient) Query(ctx context.Context, stop transit.StopRef) ([]transit.Prediction, error) {
	ctx, span := c.tracer.Start(ctx, "prediction.query",
		trace.WithAttributes(
			attribute.String("stop_id", stop.ID),
			attribute.String("stop_sub_code", stop.SubCode),
		),
	)
	defer span.End()

	u, err := c.buildURL(stop)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.format == FormatXML {
		req.Header.Set("Accept", "application/xml")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(body)))
		span.RecordError(err)
		return nil, err
	}

	var preds []transit.Prediction
	if c.format == FormatXML {
		preds, err = decodeXML(body)
	} else {
		preds, err = decodeJSON(body)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("predictions", len(preds)))
	return preds, nil
}

func (c *HTTPClient) buildURL(stop transit.StopRef) (string, error) {
	raw := strings.NewReplacer(
		"{stop}", url.QueryEscape(stop.ID),
		"{sub}", url.QueryEscape(stop.SubCode),
	).Replace(c.urlTemplate)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid prediction url: %w", err)
	}
	if c.apiKey != "" {
		q := u.Query()
		q.Set("serviceKey", c.apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// decodeJSON accepts either a bare array or an object with a "predictions" array.
func decodeJSON(body []byte) ([]transit.Prediction, error) {
	body = bytes.TrimSpace(body)
	var wire []wirePrediction
	if len(body) > 0 && body[0] == '{' {
		var env struct {
			Predictions []wirePrediction `json:"predictions"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
		wire = env.Predictions
	} else if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	out := make([]transit.Prediction, 0, len(wire))
	for _, w := range wire {
		out = append(out, transit.Prediction{
			VehicleID:         w.VehicleID,
			VehicleLabel:      w.VehicleLabel,
			PredictedSeconds:  clampSeconds(w.PredictedSeconds),
			VehiclePhysicalID: w.VehiclePhysicalID,
		})
	}
	return out, nil
}

// decodeXML collects every <prediction> element in the document.
func decodeXML(body []byte) ([]transit.Prediction, error) {
	mv, err := mxj.NewMapXml(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}
	vals, err := mv.ValuesForKey("prediction")
	if err != nil {
		return nil, fmt.Errorf("failed to extract predictions: %w", err)
	}
	out := make([]transit.Prediction, 0, len(vals))
	for _, v := range vals {
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(xmlString(m, "predictedSeconds")))
		if err != nil {
			continue
		}
		out = append(out, transit.Prediction{
			VehicleID:         xmlString(m, "vehicleId"),
			VehicleLabel:      xmlString(m, "vehicleLabel"),
			PredictedSeconds:  clampSeconds(secs),
			VehiclePhysicalID: xmlString(m, "vehiclePhysicalId"),
		})
	}
	return out, nil
}

func xmlString(m map[string]interface{}, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func clampSeconds(s int) int {
	if s < 0 {
		return 0
	}
	return s
}
