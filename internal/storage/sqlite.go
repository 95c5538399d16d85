package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// PrimaryStore provides optional durable storage for packets and contact
// submissions. It is only constructed when PRIMARY_DB_URL is set; the rest
// of the pipeline works without it.
type PrimaryStore struct {
	db *sql.DB
}

// NewPrimaryStore opens (creating if necessary) the SQLite-backed primary
// store at dbPath and runs its migrations.
func NewPrimaryStore(dbPath string) (*PrimaryStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &PrimaryStore{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("primary store initialized", "path", dbPath)
	return store, nil
}

func (s *PrimaryStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS packets (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		src_ip TEXT NOT NULL,
		dst_ip TEXT NOT NULL,
		method TEXT,
		protocol TEXT NOT NULL,
		dst_port INTEGER NOT NULL DEFAULT 0,
		bytes INTEGER NOT NULL DEFAULT 0,
		entropy REAL,
		country TEXT,
		lat REAL,
		lon REAL,
		ai_score REAL NOT NULL DEFAULT 0,
		scored INTEGER NOT NULL DEFAULT 0,
		classification TEXT NOT NULL,
		attack_vector TEXT,
		baseline_mean REAL,
		baseline_stddev REAL,
		baseline_threshold REAL,
		baseline_warmed_up INTEGER NOT NULL DEFAULT 0,
		baseline_n INTEGER NOT NULL DEFAULT 0,
		sim_mode TEXT,
		session_started_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_packets_owner ON packets(owner_id);
	CREATE INDEX IF NOT EXISTS idx_packets_timestamp ON packets(timestamp);
	CREATE INDEX IF NOT EXISTS idx_packets_classification ON packets(classification);
	CREATE INDEX IF NOT EXISTS idx_packets_src_ip ON packets(src_ip);
	CREATE INDEX IF NOT EXISTS idx_packets_owner_ts ON packets(owner_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_packets_owner_class_ts ON packets(owner_id, classification, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_packets_owner_src_ts ON packets(owner_id, src_ip, timestamp DESC);

	CREATE TABLE IF NOT EXISTS contact_submissions (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		org TEXT,
		message TEXT NOT NULL,
		owner_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_contact_timestamp ON contact_submissions(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SavePacket persists one classified packet.
func (s *PrimaryStore) SavePacket(p Packet) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO packets
		(id, owner_id, timestamp, src_ip, dst_ip, method, protocol, dst_port, bytes, entropy, country, lat, lon,
		 ai_score, scored, classification, attack_vector, baseline_mean, baseline_stddev, baseline_threshold,
		 baseline_warmed_up, baseline_n, sim_mode, session_started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.Timestamp, p.SrcIP, p.DstIP, p.Method, p.Protocol, p.DstPort, p.Bytes, p.Entropy,
		p.Country, p.Lat, p.Lon, p.AIScore, p.Scored, string(p.Classification), string(p.AttackVector),
		p.BaselineMean, p.BaselineStdDev, p.BaselineThreshold, p.BaselineWarmedUp, p.BaselineN, p.SimMode,
		p.SessionStartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save packet: %w", err)
	}
	return nil
}

// ListPacketsOptions filters and paginates ListPackets.
type ListPacketsOptions struct {
	Limit          int
	Offset         int
	OwnerID        string
	Classification Classification
	Since          *time.Time
	Until          *time.Time
}

// ListPackets retrieves packets with filtering and pagination.
func (s *PrimaryStore) ListPackets(opts ListPacketsOptions) ([]Packet, error) {
	query := `
		SELECT id, owner_id, timestamp, src_ip, dst_ip, method, protocol, dst_port, bytes, entropy, country, lat, lon,
		       ai_score, scored, classification, attack_vector, baseline_mean, baseline_stddev, baseline_threshold,
		       baseline_warmed_up, baseline_n, sim_mode, session_started_at
		FROM packets WHERE 1=1`

	args := []interface{}{}

	if opts.OwnerID != "" {
		query += " AND owner_id = ?"
		args = append(args, opts.OwnerID)
	}
	if opts.Classification != "" {
		query += " AND classification = ?"
		args = append(args, string(opts.Classification))
	}
	if opts.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *opts.Since)
	}
	if opts.Until != nil {
		query += " AND timestamp <= ?"
		args = append(args, *opts.Until)
	}

	query += " ORDER BY timestamp DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list packets: %w", err)
	}
	defer rows.Close()

	var records []Packet
	for rows.Next() {
		p, err := scanPacket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan packet: %w", err)
		}
		records = append(records, p)
	}
	return records, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanPacket(row scannable) (Packet, error) {
	var p Packet
	var method, country, attackVector, simMode sql.NullString
	var lat, lon, entropy, baselineMean, baselineStdDev, baselineThreshold sql.NullFloat64
	var baselineN sql.NullInt64
	var sessionStartedAt sql.NullTime
	var classification string
	var scored, baselineWarmedUp bool

	err := row.Scan(
		&p.ID, &p.OwnerID, &p.Timestamp, &p.SrcIP, &p.DstIP, &method, &p.Protocol, &p.DstPort, &p.Bytes, &entropy,
		&country, &lat, &lon, &p.AIScore, &scored, &classification, &attackVector,
		&baselineMean, &baselineStdDev, &baselineThreshold, &baselineWarmedUp, &baselineN, &simMode, &sessionStartedAt,
	)
	if err != nil {
		return p, err
	}

	p.Scored = scored
	p.Classification = Classification(classification)
	p.BaselineWarmedUp = baselineWarmedUp
	if method.Valid {
		p.Method = method.String
	}
	if country.Valid {
		p.Country = country.String
	}
	if attackVector.Valid {
		p.AttackVector = AttackVector(attackVector.String)
	}
	if lat.Valid {
		p.Lat = lat.Float64
	}
	if lon.Valid {
		p.Lon = lon.Float64
	}
	if entropy.Valid {
		p.Entropy = entropy.Float64
	}
	if baselineMean.Valid {
		p.BaselineMean = baselineMean.Float64
	}
	if baselineStdDev.Valid {
		p.BaselineStdDev = baselineStdDev.Float64
	}
	if baselineThreshold.Valid {
		p.BaselineThreshold = baselineThreshold.Float64
	}
	if baselineN.Valid {
		p.BaselineN = int(baselineN.Int64)
	}
	if simMode.Valid {
		p.SimMode = simMode.String
	}
	if sessionStartedAt.Valid {
		p.SessionStartedAt = sessionStartedAt.Time
	}
	return p, nil
}

// CountPackets returns the number of packets matching the filter, ignoring
// Limit/Offset.
func (s *PrimaryStore) CountPackets(opts ListPacketsOptions) (int64, error) {
	query := "SELECT COUNT(*) FROM packets WHERE 1=1"
	args := []interface{}{}

	if opts.OwnerID != "" {
		query += " AND owner_id = ?"
		args = append(args, opts.OwnerID)
	}
	if opts.Classification != "" {
		query += " AND classification = ?"
		args = append(args, string(opts.Classification))
	}
	if opts.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *opts.Since)
	}

	var count int64
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count packets: %w", err)
	}
	return count, nil
}

// TopHostileIP is one row of the top-hostile-IPs threat intel breakdown.
type TopHostileIP struct {
	IP          string    `json:"ip"`
	ThreatCount int64     `json:"threat_count"`
	LastSeen    time.Time `json:"last_seen"`
}

// GeoCount is one row of the geo_all_countries threat intel breakdown.
type GeoCount struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
	Pct   int    `json:"pct"`
}

// GetTopHostileIPs returns the owner's src_ips with the most THREAT
// classifications, ties broken by the most recent last_seen, limited to
// limit rows.
func (s *PrimaryStore) GetTopHostileIPs(ownerID string, since *time.Time, limit int) ([]TopHostileIP, error) {
	query := "SELECT src_ip, COUNT(*) as cnt, MAX(timestamp) as last_seen FROM packets WHERE owner_id = ? AND classification = ?"
	args := []interface{}{ownerID, string(ClassificationThreat)}
	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *since)
	}
	query += " GROUP BY src_ip ORDER BY cnt DESC, last_seen DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get top hostile ips: %w", err)
	}
	defer rows.Close()

	var out []TopHostileIP
	for rows.Next() {
		var t TopHostileIP
		if err := rows.Scan(&t.IP, &t.ThreatCount, &t.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetVectorDistribution returns the owner's threat counts grouped by attack
// vector.
func (s *PrimaryStore) GetVectorDistribution(ownerID string, since *time.Time) (map[string]int64, error) {
	query := "SELECT COALESCE(attack_vector, 'unknown'), COUNT(*) FROM packets WHERE owner_id = ? AND classification = ?"
	args := []interface{}{ownerID, string(ClassificationThreat)}
	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *since)
	}
	query += " GROUP BY attack_vector"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get vector distribution: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var vector string
		var count int64
		if err := rows.Scan(&vector, &count); err != nil {
			return nil, err
		}
		out[vector] = count
	}
	return out, rows.Err()
}

// GetGeoBreakdown returns the owner's raw threat counts grouped by country,
// bucketing empty/NULL country as "Unknown" rather than dropping them.
func (s *PrimaryStore) GetGeoBreakdown(ownerID string, since *time.Time) (map[string]int64, error) {
	query := "SELECT COALESCE(NULLIF(country, ''), 'Unknown'), COUNT(*) FROM packets WHERE owner_id = ? AND classification = ?"
	args := []interface{}{ownerID, string(ClassificationThreat)}
	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *since)
	}
	query += " GROUP BY 1"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get geo breakdown: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var country string
		var count int64
		if err := rows.Scan(&country, &count); err != nil {
			return nil, err
		}
		out[country] = count
	}
	return out, rows.Err()
}

// GetConfidenceScores returns the owner's scored THREAT packets' ai_score
// values, ascending, for the Aggregator to partition into relative
// percentile buckets.
func (s *PrimaryStore) GetConfidenceScores(ownerID string, since *time.Time) ([]float64, error) {
	query := "SELECT ai_score FROM packets WHERE owner_id = ? AND classification = ? AND scored = 1"
	args := []interface{}{ownerID, string(ClassificationThreat)}
	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *since)
	}
	query += " ORDER BY ai_score ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get confidence scores: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var score float64
		if err := rows.Scan(&score); err != nil {
			return nil, err
		}
		out = append(out, score)
	}
	return out, rows.Err()
}

// GetEarliestPacketTime returns the timestamp of the owner's oldest stored
// packet across any classification, or nil if the owner has none.
func (s *PrimaryStore) GetEarliestPacketTime(ownerID string) (*time.Time, error) {
	var t sql.NullTime
	err := s.db.QueryRow("SELECT MIN(timestamp) FROM packets WHERE owner_id = ?", ownerID).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("failed to get earliest packet time: %w", err)
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

// IncidentBucket is one point in the incident timeline.
type IncidentBucket struct {
	Bucket      time.Time `json:"bucket"`
	ThreatCount int64     `json:"threat_count"`
}

// GetIncidentTimeline buckets THREAT packets by hour, day, or month using
// SQLite's strftime, mirroring the teacher's GetTimeSeries bucketing.
func (s *PrimaryStore) GetIncidentTimeline(ownerID string, since time.Time, granularity string) ([]IncidentBucket, error) {
	var dateTrunc string
	switch granularity {
	case "hour":
		dateTrunc = "strftime('%Y-%m-%d %H:00:00', datetime(timestamp))"
	case "day":
		dateTrunc = "strftime('%Y-%m-%d', datetime(timestamp))"
	case "month":
		dateTrunc = "strftime('%Y-%m', datetime(timestamp))"
	default:
		dateTrunc = autoGranularityExpr(since)
	}

	// #nosec G201 -- dateTrunc only takes one of the hardcoded expressions above, never user input
	query := fmt.Sprintf(`
		SELECT COALESCE(%s, 'unknown') as bucket, COUNT(*) as threat_count
		FROM packets
		WHERE owner_id = ? AND classification = ? AND timestamp >= ?
		GROUP BY bucket
		HAVING bucket != 'unknown'
		ORDER BY bucket ASC`, dateTrunc)

	rows, err := s.db.Query(query, ownerID, string(ClassificationThreat), since)
	if err != nil {
		return nil, fmt.Errorf("failed to get incident timeline: %w", err)
	}
	defer rows.Close()

	var points []IncidentBucket
	for rows.Next() {
		var bucket string
		var point IncidentBucket
		if err := rows.Scan(&bucket, &point.ThreatCount); err != nil {
			return nil, err
		}
		point.Bucket = parseBucketTime(bucket)
		points = append(points, point)
	}
	return points, rows.Err()
}

func parseBucketTime(bucket string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02", "2006-01"} {
		if t, err := time.Parse(layout, bucket); err == nil {
			return t
		}
	}
	return time.Time{}
}

// autoGranularityExpr picks hour/day/month bucketing based on the requested
// window's span, per spec's "auto" bucketing mode.
func autoGranularityExpr(since time.Time) string {
	span := time.Since(since)
	switch {
	case span <= 48*time.Hour:
		return "strftime('%Y-%m-%d %H:00:00', datetime(timestamp))"
	case span <= 120*24*time.Hour:
		return "strftime('%Y-%m-%d', datetime(timestamp))"
	default:
		return "strftime('%Y-%m', datetime(timestamp))"
	}
}

// SaveContactSubmission persists a contact-form submission.
func (s *PrimaryStore) SaveContactSubmission(c ContactSubmission) error {
	_, err := s.db.Exec(`
		INSERT INTO contact_submissions (id, timestamp, name, email, org, message, owner_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Timestamp, c.Name, c.Email, c.Org, c.Message, c.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("failed to save contact submission: %w", err)
	}
	return nil
}

// ListContactSubmissions retrieves contact submissions, newest first.
func (s *PrimaryStore) ListContactSubmissions(limit int) ([]ContactSubmission, error) {
	query := "SELECT id, timestamp, name, email, org, message, owner_id FROM contact_submissions ORDER BY timestamp DESC"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list contact submissions: %w", err)
	}
	defer rows.Close()

	var out []ContactSubmission
	for rows.Next() {
		var c ContactSubmission
		var org, ownerID sql.NullString
		if err := rows.Scan(&c.ID, &c.Timestamp, &c.Name, &c.Email, &org, &c.Message, &ownerID); err != nil {
			return nil, err
		}
		if org.Valid {
			c.Org = org.String
		}
		if ownerID.Valid {
			c.OwnerID = ownerID.String
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Cleanup removes packets older than the retention window.
func (s *PrimaryStore) Cleanup(retentionHours int) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(retentionHours) * time.Hour)
	result, err := s.db.Exec("DELETE FROM packets WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old packets: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		slog.Info("cleaned up old packets", "deleted", deleted, "retention_hours", retentionHours)
	}
	return deleted, nil
}

// Reset deletes every packet and contact submission (the tables themselves
// are kept), used by the admin reset endpoint.
func (s *PrimaryStore) Reset() error {
	if _, err := s.db.Exec("DELETE FROM packets"); err != nil {
		return fmt.Errorf("failed to reset packets: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM contact_submissions"); err != nil {
		return fmt.Errorf("failed to reset contact submissions: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *PrimaryStore) Close() error {
	return s.db.Close()
}
