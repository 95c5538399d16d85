package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tracel/internal/aggregator"
	"tracel/internal/aiclient"
	"tracel/internal/broadcaster"
	"tracel/internal/config"
	"tracel/internal/identity"
	"tracel/internal/registry"
	"tracel/internal/storage"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()

	tlog, err := storage.NewThreatLog(t.TempDir()+"/threat.log", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewThreatLog: %v", err)
	}
	t.Cleanup(func() { tlog.Close() })

	ring := storage.NewMemoryRing(500)

	reg := registry.New(registry.NewMemoryStore(), 30*time.Second, config.BaselineConfig{
		Window: 200, WarmupMin: 30, K: 3.0,
	}, nil, nil)

	return New(&Handler{
		Identity:    identity.New(context.Background(), identity.Config{AnonCookieName: "tracel_anon_id"}),
		Registry:    reg,
		Broadcaster: broadcaster.New(config.BroadcastConfig{BackpressureLimit: 64}),
		Aggregator:  aggregator.New(nil, ring, tlog),
		AI:          aiclient.New("", time.Second),
		Ring:        ring,
		ThreatLog:   tlog,
		CORSOrigins: []string{"https://dashboard.example"},
	})
}

func TestSessionMintsAnonCookie(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/session")
	if err != nil {
		t.Fatalf("GET /api/session: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var cookieSet bool
	for _, c := range resp.Cookies() {
		if c.Name == "tracel_anon_id" {
			cookieSet = true
		}
	}
	if !cookieSet {
		t.Fatal("expected tracel_anon_id cookie to be set")
	}

	var body struct {
		OK        bool   `json:"ok"`
		OwnerKind string `json:"owner_kind"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.OK || body.OwnerKind != "anon" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestStatusReportsAIReadyFalseWithoutEndpoint(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		OK      bool `json:"ok"`
		AIReady bool `json:"ai_ready"`
		Session struct {
			StartedAt time.Time `json:"started_at"`
		} `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.OK || body.AIReady {
		t.Fatalf("expected ai_ready=false with no AI endpoint configured, got %+v", body)
	}
	if body.Session.StartedAt.IsZero() {
		t.Fatal("expected a non-zero session started_at")
	}
}

func TestPacketsNegativeLimitRejected(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/packets?limit=-1")
	if err != nil {
		t.Fatalf("GET /api/packets: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for negative limit", resp.StatusCode)
	}
}

func TestPacketsLimitClampedAt1000(t *testing.T) {
	h := newTestHandler(t)

	for i := 0; i < 5; i++ {
		h.Ring.Add(storage.Packet{ID: "p", OwnerID: "anon:clamp-owner", Classification: storage.ClassificationSafe})
	}

	srv := httptest.NewServer(h)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/packets?limit=5000", nil)
	req.Header.Set("X-Tracel-Anon-Id", "clamp-owner")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/packets: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Packets []storage.Packet `json:"packets"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if len(body.Packets) != 5 {
		t.Fatalf("expected all 5 packets returned (well under the 1000 clamp), got %d", len(body.Packets))
	}
}

func TestPacketsScopedToCallerOwner(t *testing.T) {
	h := newTestHandler(t)
	h.Ring.Add(storage.Packet{ID: "a", OwnerID: "anon:owner-a", Classification: storage.ClassificationSafe})
	h.Ring.Add(storage.Packet{ID: "b", OwnerID: "anon:owner-b", Classification: storage.ClassificationSafe})

	srv := httptest.NewServer(h)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/packets", nil)
	req.Header.Set("X-Tracel-Anon-Id", "owner-a")
	resp, _ := http.DefaultClient.Do(req)
	defer resp.Body.Close()

	var body struct {
		Packets []storage.Packet `json:"packets"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if len(body.Packets) != 1 || body.Packets[0].ID != "a" {
		t.Fatalf("expected only owner-a's packet, got %+v", body.Packets)
	}
}

func TestIncidentsTimelineZeroFillsFullWindow(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := srv.URL + "/api/incidents/timeline?from=2025-01-01T00:00:00Z&to=2025-01-02T00:00:00Z&bucket=hour"
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("X-Tracel-Anon-Id", "timeline-owner")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/incidents/timeline: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Timeline []storage.IncidentBucket `json:"timeline"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Timeline) != 24 {
		t.Fatalf("expected exactly 24 hourly buckets for a 1-day window, got %d", len(body.Timeline))
	}
	if !body.Timeline[0].Bucket.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("first bucket = %v, want 2025-01-01T00:00:00Z", body.Timeline[0].Bucket)
	}
	if !body.Timeline[23].Bucket.Equal(time.Date(2025, 1, 1, 23, 0, 0, 0, time.UTC)) {
		t.Errorf("last bucket = %v, want 2025-01-01T23:00:00Z", body.Timeline[23].Bucket)
	}
}

func TestIncidentsTimelineFromAccountIsEmpty(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/incidents/timeline?from=account&bucket=day")
	if err != nil {
		t.Fatalf("GET /api/incidents/timeline: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		OK       bool                      `json:"ok"`
		Timeline []storage.IncidentBucket `json:"timeline"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.OK || len(body.Timeline) != 0 {
		t.Fatalf("expected an empty timeline with no error, got %+v", body)
	}
}

func TestContactSubmitThenAdminListRequiresAuth(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	submitResp, err := http.Post(srv.URL+"/api/contact", "application/json",
		strings.NewReader(`{"name":"Ada","email":"ada@example.com","message":"hello"}`))
	if err != nil {
		t.Fatalf("POST /api/contact: %v", err)
	}
	defer submitResp.Body.Close()
	if submitResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", submitResp.StatusCode)
	}

	listResp, err := http.Get(srv.URL + "/api/contact")
	if err != nil {
		t.Fatalf("GET /api/contact: %v", err)
	}
	defer listResp.Body.Close()
	if listResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without a bearer token", listResp.StatusCode)
	}
}

func TestContactSubmitRejectsMissingFields(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/contact", "application/json", strings.NewReader(`{"name":"Ada"}`))
	if err != nil {
		t.Fatalf("POST /api/contact: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing required fields", resp.StatusCode)
	}
}

func TestAdminResetRequiresAuthAndConfirmBody(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/admin/reset-mongo", "application/json", strings.NewReader(`{"confirm":"RESET"}`))
	if err != nil {
		t.Fatalf("POST /api/admin/reset-mongo: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without a bearer token", resp.StatusCode)
	}
}

func TestCORSPreflightReflectsAllowedOrigin(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/status", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /api/status: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://dashboard.example" {
		t.Errorf("Access-Control-Allow-Origin = %q, want the allowed origin reflected back", got)
	}
	if resp.Header.Get("Access-Control-Max-Age") != "600" {
		t.Errorf("expected a 10-minute (600s) preflight cache")
	}
}

func TestCORSDisallowedOriginNotReflected(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/status", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no Access-Control-Allow-Origin for a disallowed origin, got %q", got)
	}
}
