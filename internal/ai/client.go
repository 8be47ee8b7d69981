// Package ai is the stateless HTTP client for the external anomaly
// detection service. Its reply is advisory only: any timeout or non-2xx
// response yields an empty result and the pipeline proceeds without the
// ML signal.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/meltline/meltline/internal/models"
)

// requestTimeout bounds a predict call; no retries in the hot path.
const requestTimeout = 20 * time.Second

// PredictRequest is the payload POSTed to {base}/predict.
type PredictRequest struct {
	SensorID      string                          `json:"sensor_id"`
	MachineID     string                          `json:"machine_id"`
	Timestamp     time.Time                       `json:"timestamp"`
	Value         float64                         `json:"value"`
	Context       PredictContext                  `json:"context"`
	ProfileID     string                          `json:"profile_id,omitempty"`
	MaterialID    string                          `json:"material_id,omitempty"`
	BaselineStats map[string]models.BaselineStats `json:"baseline_stats,omitempty"`
}

// PredictContext carries the current readings.
type PredictContext struct {
	Readings map[string]float64 `json:"readings"`
}

// Prediction is the tagged view of the service reply. Raw preserves the
// verbatim map for forensics; unknown fields are retained but ignored.
type Prediction struct {
	Status               string                 `json:"status"`
	Score                float64                `json:"score"`
	Confidence           float64                `json:"confidence"`
	AnomalyType          string                 `json:"anomaly_type,omitempty"`
	ModelVersion         string                 `json:"model_version,omitempty"`
	RUL                  *float64               `json:"rul,omitempty"`
	ResponseTimeMS       *float64               `json:"response_time_ms,omitempty"`
	ContributingFeatures map[string]float64     `json:"contributing_features,omitempty"`
	Raw                  map[string]interface{} `json:"-"`
}

// Empty reports whether the prediction carries no signal.
func (p *Prediction) Empty() bool {
	return p == nil || (p.Status == "" && len(p.Raw) == 0)
}

// Client talks to one inference service. A circuit breaker sheds calls
// while the service is down so the 20 s timeout is not paid every tick.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient builds a client for baseURL. An empty baseURL yields a client
// whose calls always return an empty prediction.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "ai-inference",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Info().Str("breaker", name).
					Str("from", from.String()).Str("to", to.String()).
					Msg("AI service breaker state changed")
			},
		}),
	}
}

// Configured reports whether a base URL was provided.
func (c *Client) Configured() bool { return c.baseURL != "" }

// Predict posts one tick's readings. Errors are swallowed into an empty
// prediction; the caller never blocks on the ML signal beyond the timeout.
func (c *Client) Predict(ctx context.Context, req PredictRequest) Prediction {
	if !c.Configured() || len(req.Context.Readings) == 0 {
		return Prediction{}
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.predict(ctx, req)
	})
	if err != nil {
		log.Debug().Err(err).Str("machine", req.MachineID).Msg("AI predict unavailable, continuing without ML signal")
		return Prediction{}
	}
	return result.(Prediction)
}

func (c *Client) predict(ctx context.Context, req PredictRequest) (Prediction, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Prediction{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return Prediction{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Prediction{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Prediction{}, fmt.Errorf("ai service returned %d", resp.StatusCode)
	}

	var raw map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Prediction{}, err
	}
	return parsePrediction(raw), nil
}

// Health probes {base}/health.
func (c *Client) Health(ctx context.Context) error {
	if !c.Configured() {
		return fmt.Errorf("ai service not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ai service health returned %d", resp.StatusCode)
	}
	return nil
}

// parsePrediction maps the schema-loose reply onto the tagged record.
func parsePrediction(raw map[string]interface{}) Prediction {
	p := Prediction{Raw: raw}
	p.Status, _ = raw["status"].(string)
	p.Score = asFloat(raw["score"])
	p.Confidence = asFloat(raw["confidence"])
	p.AnomalyType, _ = raw["anomaly_type"].(string)
	p.ModelVersion, _ = raw["model_version"].(string)
	if v, ok := raw["rul"]; ok {
		f := asFloat(v)
		p.RUL = &f
	}
	if v, ok := raw["response_time_ms"]; ok {
		f := asFloat(v)
		p.ResponseTimeMS = &f
	}
	if features, ok := raw["contributing_features"].(map[string]interface{}); ok {
		p.ContributingFeatures = make(map[string]float64, len(features))
		for k, v := range features {
			p.ContributingFeatures[k] = asFloat(v)
		}
	}
	return p
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}
