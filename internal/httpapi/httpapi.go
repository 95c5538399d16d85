// Package httpapi is Tracel's HTTP surface: session/status, packet history
// and aggregates, the contact form, admin reset, liveness, and the
// WebSocket upgrade that hands a connection off to the broadcaster.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tracel/internal/aggregator"
	"tracel/internal/aiclient"
	"tracel/internal/broadcaster"
	"tracel/internal/identity"
	"tracel/internal/redaction"
	"tracel/internal/registry"
	"tracel/internal/storage"
)

// maxPacketsLimit is the hard cap on /api/packets?limit=, per §8's boundary
// behavior ("limit clamped to 1000").
const maxPacketsLimit = 1000

// Handler serves Tracel's HTTP and WebSocket surface.
type Handler struct {
	Identity    *identity.Resolver
	Registry    *registry.Registry
	Broadcaster *broadcaster.Broadcaster
	Aggregator  *aggregator.Aggregator
	AI          *aiclient.Client

	Primary   *storage.PrimaryStore // nil if no primary store is configured
	Ring      *storage.MemoryRing
	ThreatLog *storage.ThreatLog

	CORSOrigins []string
	Redactor    redaction.Redactor

	mux *http.ServeMux

	// contactFallback backs /api/contact when Primary is nil: submissions
	// still need somewhere to land even without a durable store.
	contactMu       sync.Mutex
	contactFallback []storage.ContactSubmission
}

// New builds a Handler and wires its routing table.
func New(h *Handler) *Handler {
	h.mux = http.NewServeMux()

	h.mux.HandleFunc("/api/session", h.handleSession)
	h.mux.HandleFunc("/api/status", h.handleStatus)
	h.mux.HandleFunc("/api/packets", h.handlePackets)
	h.mux.HandleFunc("/api/packets/count", h.handlePacketsCount)
	h.mux.HandleFunc("/api/threats/count", h.handleThreatsCount)
	h.mux.HandleFunc("/api/threat-intel", h.handleThreatIntel)
	h.mux.HandleFunc("/api/incidents/timeline", h.handleIncidentsTimeline)
	h.mux.HandleFunc("/api/contact", h.handleContact)
	h.mux.HandleFunc("/api/admin/reset-mongo", h.handleAdminReset)
	h.mux.HandleFunc("/health", h.handleHealth)
	h.mux.HandleFunc("/ws", h.handleWS)

	if h.Redactor == nil {
		h.Redactor = &redaction.NoopRedactor{}
	}

	return h
}

// ServeHTTP implements http.Handler, applying CORS headers and the
// OPTIONS preflight shortcut ahead of the routing table.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.applyCORS(w, r)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.mux.ServeHTTP(w, r)
}

func (h *Handler) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin != "" && h.originAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Vary", "Origin")
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tracel-Anon-Id, X-API-Key")
	w.Header().Set("Access-Control-Max-Age", "600")
}

func (h *Handler) originAllowed(origin string) bool {
	for _, allowed := range h.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// errorResponse is the shape of every non-2xx JSON body.
type errorResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("httpapi: failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{OK: false, Error: kind, Message: message})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "BadRequest", "method not allowed")
}

// resolveOwner resolves the caller's Owner, falling back to minting an
// anonymous cookie rather than failing, since most endpoints here accept
// "any" caller and only need a stable OwnerId to scope queries by.
func (h *Handler) resolveOwner(w http.ResponseWriter, r *http.Request) identity.Owner {
	if owner, err := h.Identity.Resolve(r); err == nil {
		return owner
	}
	id := h.Identity.EnsureAnonCookie(w, r)
	return identity.Owner{ID: id, Anon: true}
}

func ownerScopeID(owner identity.Owner) string {
	if owner.Anon {
		return "anon:" + owner.ID
	}
	return "user:" + owner.ID
}

// requireAdmin resolves the caller and, if not an admin, writes the
// appropriate error response and returns ok=false.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) (identity.Owner, bool) {
	owner, err := h.Identity.Resolve(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "AuthRequired", "a valid bearer token is required")
		return identity.Owner{}, false
	}
	if !owner.IsAdmin {
		writeError(w, http.StatusForbidden, "Forbidden", "admin privileges required")
		return identity.Owner{}, false
	}
	return owner, true
}

// GET /api/session
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	owner := h.resolveOwner(w, r)
	kind := "user"
	if owner.Anon {
		kind = "anon"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "owner_kind": kind})
}

// GET /api/status
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"ai_ready": h.AI.Ready() && h.AI.Healthy(),
		"session": map[string]interface{}{
			"started_at": registry.ProcessStartedAt(),
		},
	})
}

// GET /api/packets?limit=&since=&anomaly=&ip=
func (h *Handler) handlePackets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	owner := h.resolveOwner(w, r)
	query := r.URL.Query()

	limit := 100
	if limitStr := query.Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "BadRequest", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	if limit > maxPacketsLimit {
		limit = maxPacketsLimit
	}

	var since *time.Time
	if sinceStr := query.Get("since"); sinceStr != "" {
		t, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BadRequest", "since must be an RFC3339 timestamp")
			return
		}
		since = &t
	}

	wantAnomaly, filterAnomaly := parseBoolParam(query.Get("anomaly"))
	ipFilter := query.Get("ip")

	packets, err := h.listPackets(ownerScopeID(owner), limit, since)
	if err != nil {
		slog.Warn("httpapi: primary store unavailable, serving from memory ring", "error", err)
		packets = h.Ring.List(ownerScopeID(owner), limit)
	}

	filtered := packets[:0:0]
	for _, p := range packets {
		if filterAnomaly && p.IsThreat() != wantAnomaly {
			continue
		}
		if ipFilter != "" && p.SrcIP != ipFilter {
			continue
		}
		if since != nil && p.Timestamp.Before(*since) {
			continue
		}
		filtered = append(filtered, p)
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "packets": filtered})
}

func parseBoolParam(v string) (value bool, present bool) {
	switch v {
	case "true":
		return true, true
	case "false":
		return false, true
	default:
		return false, false
	}
}

// listPackets prefers PrimaryStore (full history) and falls back to the
// MemoryRing's error return convention (nil error, possibly short history)
// handled by the caller.
func (h *Handler) listPackets(ownerID string, limit int, since *time.Time) ([]storage.Packet, error) {
	if h.Primary == nil {
		return h.Ring.List(ownerID, limit), nil
	}
	return h.Primary.ListPackets(storage.ListPacketsOptions{
		OwnerID: ownerID,
		Limit:   limit,
		Since:   since,
	})
}

// GET /api/packets/count
func (h *Handler) handlePacketsCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	owner := h.resolveOwner(w, r)

	var total int64
	if h.Primary != nil {
		n, err := h.Primary.CountPackets(storage.ListPacketsOptions{OwnerID: ownerScopeID(owner)})
		if err != nil {
			slog.Warn("httpapi: primary count failed, falling back to memory ring", "error", err)
			total = int64(h.Ring.Count(ownerScopeID(owner)))
		} else {
			total = n
		}
	} else {
		total = int64(h.Ring.Count(ownerScopeID(owner)))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "totalPackets": total})
}

// GET /api/threats/count?sinceHours=
func (h *Handler) handleThreatsCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	owner := h.resolveOwner(w, r)

	since, ok := h.parseSinceHours(w, r)
	if !ok {
		return
	}

	ringThreats := func() int64 {
		var n int64
		for _, p := range h.Ring.AllThreats(ownerScopeID(owner)) {
			if since == nil || !p.Timestamp.Before(*since) {
				n++
			}
		}
		return n
	}

	var total int64
	if h.Primary != nil {
		n, err := h.Primary.CountPackets(storage.ListPacketsOptions{
			OwnerID:        ownerScopeID(owner),
			Classification: storage.ClassificationThreat,
			Since:          since,
		})
		if err != nil {
			slog.Warn("httpapi: primary threat count failed, falling back to memory ring", "error", err)
			total = ringThreats()
		} else {
			total = n
		}
	} else {
		total = ringThreats()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "totalThreats": total})
}

// parseSinceHours parses ?sinceHours=, writing a BadRequest response and
// returning ok=false on a malformed value. Absent means all-time; 0 means
// the empty-aggregate boundary case from §8.
func (h *Handler) parseSinceHours(w http.ResponseWriter, r *http.Request) (*time.Time, bool) {
	v := r.URL.Query().Get("sinceHours")
	if v == "" {
		return nil, true
	}
	hours, err := strconv.Atoi(v)
	if err != nil || hours < 0 {
		writeError(w, http.StatusBadRequest, "BadRequest", "sinceHours must be a non-negative integer")
		return nil, false
	}
	t := time.Now().Add(-time.Duration(hours) * time.Hour)
	return &t, true
}

// GET /api/threat-intel?sinceHours=&limit=
func (h *Handler) handleThreatIntel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	owner := h.resolveOwner(w, r)
	ownerID := ownerScopeID(owner)

	since, ok := h.parseSinceHours(w, r)
	if !ok {
		return
	}

	limit := aggregator.DefaultTopHostileIPLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "BadRequest", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	intel, err := h.Aggregator.ThreatIntelSummary(ownerID, since, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "NotReady", "threat intel currently unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":                         true,
		"total_threats":              intel.TotalThreats,
		"top_hostile_ips":            orEmptySlice(intel.TopHostileIPs),
		"vector_distribution":        orEmptyMap(intel.VectorCounts),
		"geo_all_countries":          orEmptyGeoCounts(intel.GeoCounts),
		"ai_confidence_distribution": intel.ConfidenceBuckets,
	})
}

func orEmptySlice(s []storage.TopHostileIP) []storage.TopHostileIP {
	if s == nil {
		return []storage.TopHostileIP{}
	}
	return s
}

func orEmptyMap(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}

func orEmptyGeoCounts(s []storage.GeoCount) []storage.GeoCount {
	if s == nil {
		return []storage.GeoCount{}
	}
	return s
}

// GET /api/incidents/timeline?from=&to=&bucket=
func (h *Handler) handleIncidentsTimeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	owner := h.resolveOwner(w, r)
	ownerID := ownerScopeID(owner)

	query := r.URL.Query()
	granularity := query.Get("bucket")
	if granularity == "" {
		granularity = "hour"
	}

	fromStr := query.Get("from")
	var from time.Time
	if fromStr == "" || fromStr == "account" {
		// "from=account" (or an absent from) means the earliest packet this
		// owner has in any tier; an owner with no packets yet gets an empty
		// timeline instead.
		earliest, ok := h.earliestPacketTime(ownerID)
		if !ok {
			writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "timeline": []storage.IncidentBucket{}})
			return
		}
		from = earliest
	} else {
		t, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BadRequest", "from must be an RFC3339 timestamp or \"account\"")
			return
		}
		from = t
	}

	to := time.Now().UTC()
	if toStr := query.Get("to"); toStr != "" {
		t, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BadRequest", "to must be an RFC3339 timestamp")
			return
		}
		to = t
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "BadRequest", "to must be after from")
		return
	}
	if granularity == "auto" {
		granularity = aggregator.AutoGranularity(from)
	}

	buckets, err := h.Aggregator.IncidentTimeline(ownerID, from, granularity)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "NotReady", "incident timeline currently unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "timeline": zeroFillTimeline(buckets, from, to, granularity)})
}

// earliestPacketTime resolves the owner's oldest packet timestamp across
// any storage tier, for "from=account" resolution. It prefers PrimaryStore
// (full history) and falls back to the MemoryRing.
func (h *Handler) earliestPacketTime(ownerID string) (time.Time, bool) {
	if h.Primary != nil {
		t, err := h.Primary.GetEarliestPacketTime(ownerID)
		if err != nil {
			slog.Warn("httpapi: primary earliest-packet lookup failed, falling back to memory ring", "error", err)
		} else if t != nil {
			return *t, true
		}
	}
	return h.Ring.EarliestTimestamp(ownerID)
}

// zeroFillTimeline satisfies Invariant 7 ("for every bucket key in [from,
// to) at the chosen granularity, the response contains exactly one entry"):
// aggregator.IncidentTimeline only emits buckets that actually had threats
// and never enforces an upper bound, so both are done here.
func zeroFillTimeline(buckets []storage.IncidentBucket, from, to time.Time, granularity string) []storage.IncidentBucket {
	counts := make(map[time.Time]int64, len(buckets))
	for _, b := range buckets {
		if b.Bucket.Before(to) {
			counts[b.Bucket] = b.ThreatCount
		}
	}

	out := make([]storage.IncidentBucket, 0, len(counts))
	for key := truncateBucket(from, granularity); key.Before(to); key = advanceBucket(key, granularity) {
		out = append(out, storage.IncidentBucket{Bucket: key, ThreatCount: counts[key]})
	}
	return out
}

func truncateBucket(t time.Time, granularity string) time.Time {
	t = t.UTC()
	switch granularity {
	case "day":
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case "month":
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default: // "hour"
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	}
}

func advanceBucket(t time.Time, granularity string) time.Time {
	switch granularity {
	case "day":
		return t.AddDate(0, 0, 1)
	case "month":
		return t.AddDate(0, 1, 0)
	default: // "hour"
		return t.Add(time.Hour)
	}
}

// contactSubmission is the shape POSTed to /api/contact.
type contactSubmission struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Org     string `json:"org,omitempty"`
	Message string `json:"message"`
}

// POST /api/contact (any), GET /api/contact?limit= (admin)
func (h *Handler) handleContact(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.submitContact(w, r)
	case http.MethodGet:
		h.listContact(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (h *Handler) submitContact(w http.ResponseWriter, r *http.Request) {
	var body contactSubmission
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "malformed contact submission body")
		return
	}
	if strings.TrimSpace(body.Name) == "" || strings.TrimSpace(body.Email) == "" || strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "BadRequest", "name, email, and message are required")
		return
	}

	owner := h.resolveOwner(w, r)
	submission := storage.ContactSubmission{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Name:      body.Name,
		Email:     body.Email,
		Org:       body.Org,
		Message:   body.Message,
		OwnerID:   ownerScopeID(owner),
	}

	if h.Primary != nil {
		if err := h.Primary.SaveContactSubmission(submission); err != nil {
			slog.Warn("httpapi: contact submission primary write failed, held in memory only", "error", err)
			h.appendContactFallback(submission)
		}
	} else {
		h.appendContactFallback(submission)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (h *Handler) appendContactFallback(s storage.ContactSubmission) {
	h.contactMu.Lock()
	defer h.contactMu.Unlock()
	h.contactFallback = append(h.contactFallback, s)
}

func (h *Handler) listContact(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "BadRequest", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var submissions []storage.ContactSubmission
	if h.Primary != nil {
		list, err := h.Primary.ListContactSubmissions(limit)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "NotReady", "contact submissions currently unavailable")
			return
		}
		submissions = list
	} else {
		submissions = h.recentContactFallback(limit)
	}

	// Admin listings are logged for audit purposes; redact before they hit
	// the log line, never the response body itself or the stored record.
	slog.Info("contact submissions listed", "admin", true, "count", len(submissions),
		"preview", h.Redactor.Redact(previewContacts(submissions)))

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "submissions": submissions})
}

func (h *Handler) recentContactFallback(limit int) []storage.ContactSubmission {
	h.contactMu.Lock()
	defer h.contactMu.Unlock()
	out := make([]storage.ContactSubmission, len(h.contactFallback))
	for i, s := range h.contactFallback {
		out[len(h.contactFallback)-1-i] = s
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

func previewContacts(submissions []storage.ContactSubmission) string {
	var b strings.Builder
	for _, s := range submissions {
		b.WriteString(s.Email)
		b.WriteByte(' ')
	}
	return b.String()
}

type adminResetBody struct {
	Confirm string `json:"confirm"`
}

// POST /api/admin/reset-mongo
func (h *Handler) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}

	var body adminResetBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Confirm != "RESET" {
		writeError(w, http.StatusBadRequest, "BadRequest", `body must be {"confirm":"RESET"}`)
		return
	}

	if h.Primary != nil {
		if err := h.Primary.Reset(); err != nil {
			writeError(w, http.StatusInternalServerError, "Internal", "failed to reset primary store")
			return
		}
	}

	slog.Warn("admin reset: all stored packets deleted")
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// GET /health?load=1
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	if r.URL.Query().Get("load") == "1" {
		if !h.AI.Ready() || !h.AI.Healthy() {
			writeError(w, http.StatusServiceUnavailable, "NotReady", "ai scoring endpoint unreachable")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// GET /ws — upgrades to a WebSocket subscriber for the caller's owner.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	owner, err := h.Identity.Resolve(r)
	if err != nil {
		id := h.Identity.EnsureAnonCookie(w, r)
		owner = identity.Owner{ID: id, Anon: true}
	}

	ownerID := ownerScopeID(owner)
	entry := h.Registry.GetOrCreate(ownerID)

	// Refresh the idle clock while connected, so it starts at disconnect.
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Second):
				h.Registry.Touch(ownerID)
			}
		}
	}()
	h.Broadcaster.ServeWS(w, r, ownerID, entry)
	close(stop)
	h.Registry.Touch(ownerID)
}
