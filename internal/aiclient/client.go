// Package aiclient wraps the external anomaly-scoring endpoint. A scoring
// failure of any kind degrades the packet to unscored rather than blocking
// the enrichment pipeline or retrying.
package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

// FailureType classifies why a scoring call did not produce a score.
type FailureType string

const (
	FailureNone          FailureType = ""
	FailureNotReady      FailureType = "not_ready"
	FailureTimeout       FailureType = "timeout"
	FailureConnection    FailureType = "connection"
	FailureServerError   FailureType = "server_error"
	FailureMalformedBody FailureType = "malformed_body"
)

// Client calls the external scoring endpoint with a fixed timeout and no
// retries: a slow or failing scorer degrades this packet to unscored, it
// never stalls the pipeline.
type Client struct {
	endpoint   string
	httpClient *http.Client
	healthy    atomic.Bool
}

// New creates a Client. An empty endpoint makes Ready() report false.
// A freshly created Client is assumed healthy until its first Score call
// proves otherwise, so /api/status doesn't report a false outage before
// any traffic has been scored.
func New(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
	c.healthy.Store(true)
	return c
}

// Ready reports whether the client has a usable endpoint configured.
func (c *Client) Ready() bool {
	if c.endpoint == "" {
		return false
	}
	_, err := url.ParseRequestURI(c.endpoint)
	return err == nil
}

// Healthy reports whether the most recent scoring call succeeded. Combined
// with Ready(), this is what /api/status.ai_ready reflects: an endpoint can
// be configured (Ready) yet currently unreachable (not Healthy).
func (c *Client) Healthy() bool {
	return c.healthy.Load()
}

// scoreRequest is the feature vector sent to the scoring endpoint.
type scoreRequest struct {
	SrcIP    string  `json:"src_ip"`
	DstIP    string  `json:"dst_ip"`
	Method   string  `json:"method"`
	Protocol string  `json:"protocol"`
	DstPort  int     `json:"dst_port"`
	Bytes    int64   `json:"bytes"`
	Entropy  float64 `json:"entropy"`
	Country  string  `json:"country,omitempty"`
}

// ScoreResult is the outcome of one scoring call. CalibratedThreshold is only
// meaningful when HasCalibratedThreshold is true: the scoring endpoint is not
// required to report one on every call.
type ScoreResult struct {
	Score                  float64
	Scored                 bool
	CalibratedThreshold    float64
	HasCalibratedThreshold bool
}

// Score submits one packet's feature vector and returns its anomaly score
// plus, when the endpoint reports one, its recalibrated not-warmed-up
// threshold. On any failure — not ready, timeout, connection error, 5xx, or a
// response body none of the known shapes can parse — Scored is false; the
// failure type is returned for logging, never as an error the caller must
// propagate.
func (c *Client) Score(ctx context.Context, srcIP, dstIP, method, protocol string, dstPort int, bytesN int64, entropy float64, country string) (result ScoreResult, failure FailureType) {
	if !c.Ready() {
		return ScoreResult{}, FailureNotReady
	}

	body, err := json.Marshal(scoreRequest{
		SrcIP: srcIP, DstIP: dstIP, Method: method, Protocol: protocol, DstPort: dstPort, Bytes: bytesN, Entropy: entropy, Country: country,
	})
	if err != nil {
		return ScoreResult{}, FailureMalformedBody
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return ScoreResult{}, FailureConnection
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		ft := classifyFailure(err)
		slog.Warn("ai scoring call failed", "failure", ft, "error", err)
		c.healthy.Store(false)
		return ScoreResult{}, ft
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		slog.Warn("ai scoring endpoint returned server error", "status", resp.StatusCode)
		c.healthy.Store(false)
		return ScoreResult{}, FailureServerError
	}
	if resp.StatusCode >= 400 {
		slog.Warn("ai scoring endpoint rejected request", "status", resp.StatusCode)
		c.healthy.Store(false)
		return ScoreResult{}, FailureServerError
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.healthy.Store(false)
		return ScoreResult{}, FailureMalformedBody
	}

	score, ok := extractScore(respBody)
	if !ok {
		slog.Warn("ai scoring response had no recognizable score field")
		c.healthy.Store(false)
		return ScoreResult{}, FailureMalformedBody
	}

	result.Score = score
	result.Scored = true
	if threshold, ok := extractCalibratedThreshold(respBody); ok {
		result.CalibratedThreshold = threshold
		result.HasCalibratedThreshold = true
	}

	c.healthy.Store(true)
	return result, FailureNone
}

// classifyFailure maps a client-side error into a FailureType, generalizing
// the timeout/connection-refused/connection-reset split.
func classifyFailure(err error) FailureType {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureConnection
}

// extractScore defensively parses any of the response shapes a scoring
// endpoint might use.
func extractScore(body []byte) (float64, bool) {
	var flat struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal(body, &flat); err == nil && hasField(body, "score") {
		return flat.Score, true
	}

	var anomaly struct {
		AnomalyScore float64 `json:"anomaly_score"`
	}
	if err := json.Unmarshal(body, &anomaly); err == nil && hasField(body, "anomaly_score") {
		return anomaly.AnomalyScore, true
	}

	var nested struct {
		Result struct {
			Score float64 `json:"score"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &nested); err == nil && hasField(body, "result") {
		return nested.Result.Score, true
	}

	return 0, false
}

// extractCalibratedThreshold looks for an optional calibrated_threshold
// field, flat or nested under "result", mirroring extractScore's shapes.
func extractCalibratedThreshold(body []byte) (float64, bool) {
	var flat struct {
		CalibratedThreshold float64 `json:"calibrated_threshold"`
	}
	if err := json.Unmarshal(body, &flat); err == nil && hasField(body, "calibrated_threshold") {
		return flat.CalibratedThreshold, true
	}

	if hasField(body, "result") {
		if inner, ok := nestedField(body, "result", "calibrated_threshold"); ok {
			return inner, true
		}
	}

	return 0, false
}

// nestedField checks for field's presence inside an object field of body,
// distinguishing an explicit 0 from an absent key.
func nestedField(body []byte, object, field string) (float64, bool) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(body, &generic); err != nil {
		return 0, false
	}
	raw, ok := generic[object]
	if !ok {
		return 0, false
	}
	var innerGeneric map[string]json.RawMessage
	if err := json.Unmarshal(raw, &innerGeneric); err != nil {
		return 0, false
	}
	fieldRaw, ok := innerGeneric[field]
	if !ok {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(fieldRaw, &v); err != nil {
		return 0, false
	}
	return v, true
}

// hasField is a cheap existence check so a zero-value score ("score": 0)
// isn't mistaken for a missing field.
func hasField(body []byte, field string) bool {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(body, &generic); err != nil {
		return false
	}
	_, ok := generic[field]
	return ok
}
