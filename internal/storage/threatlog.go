package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ThreatLog is an always-on, append-only newline-delimited-JSON file of
// every THREAT-classified packet. It survives process restarts without a
// database and is hydrated back into memory on boot.
type ThreatLog struct {
	mu            sync.Mutex
	path          string
	file          *os.File
	writer        *bufio.Writer
	flushInterval time.Duration
	stopFlush     chan struct{}
	flushDone     chan struct{}
}

// NewThreatLog opens (creating if necessary) the log file at path and
// starts a background flush ticker.
func NewThreatLog(path string, flushInterval time.Duration) (*ThreatLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create threat log directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644) // #nosec G304 -- path from trusted config
	if err != nil {
		return nil, fmt.Errorf("failed to open threat log: %w", err)
	}

	if flushInterval <= 0 {
		flushInterval = 250 * time.Millisecond
	}

	t := &ThreatLog{
		path:          path,
		file:          f,
		writer:        bufio.NewWriter(f),
		flushInterval: flushInterval,
		stopFlush:     make(chan struct{}),
		flushDone:     make(chan struct{}),
	}
	go t.flushLoop()

	slog.Info("threat log opened", "path", path)
	return t, nil
}

func (t *ThreatLog) flushLoop() {
	defer close(t.flushDone)
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			if err := t.writer.Flush(); err != nil {
				slog.Warn("threat log flush failed", "error", err)
			}
			t.mu.Unlock()
		case <-t.stopFlush:
			return
		}
	}
}

// Append writes one packet as a JSON line. The caller should only call this
// for THREAT-classified packets.
func (t *ThreatLog) Append(p Packet) error {
	line, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal threat record: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.writer.Write(line); err != nil {
		return fmt.Errorf("failed to append threat record: %w", err)
	}
	if err := t.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to append threat record: %w", err)
	}
	return nil
}

// Hydrate reads every record currently in the log, in file order. Used at
// boot to repopulate in-memory state after a restart, and by Compact and the
// Aggregator's incident timeline to replay the log.
func (t *ThreatLog) Hydrate() ([]Packet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.writer.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush before hydrate: %w", err)
	}
	if _, err := t.file.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("failed to seek threat log: %w", err)
	}

	var records []Packet
	scanner := bufio.NewScanner(t.file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var p Packet
		if err := json.Unmarshal(line, &p); err != nil {
			slog.Warn("skipping corrupt threat log line", "error", err)
			continue
		}
		records = append(records, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan threat log: %w", err)
	}

	if _, err := t.file.Seek(0, 2); err != nil {
		return nil, fmt.Errorf("failed to seek threat log to end: %w", err)
	}
	return records, nil
}

// Compact rewrites the log keeping only records newer than cutoff,
// discarding everything older, mirroring the SQLite tier's Cleanup
// retention window.
func (t *ThreatLog) Compact(cutoff time.Time) (kept int, dropped int, err error) {
	records, err := t.Hydrate()
	if err != nil {
		return 0, 0, err
	}

	var keep []Packet
	for _, p := range records {
		if !p.Timestamp.Before(cutoff) {
			keep = append(keep, p)
		}
	}
	dropped = len(records) - len(keep)
	if dropped == 0 {
		return len(keep), 0, nil
	}

	tmpPath := t.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) // #nosec G304 -- derived from trusted config path
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open compaction temp file: %w", err)
	}

	w := bufio.NewWriter(tmp)
	for _, p := range keep {
		line, mErr := json.Marshal(p)
		if mErr != nil {
			tmp.Close()
			return 0, 0, fmt.Errorf("failed to marshal during compaction: %w", mErr)
		}
		if _, wErr := w.Write(line); wErr != nil {
			tmp.Close()
			return 0, 0, fmt.Errorf("failed to write during compaction: %w", wErr)
		}
		if wErr := w.WriteByte('\n'); wErr != nil {
			tmp.Close()
			return 0, 0, fmt.Errorf("failed to write during compaction: %w", wErr)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return 0, 0, fmt.Errorf("failed to flush compaction file: %w", err)
	}
	tmp.Close()

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.file.Close(); err != nil {
		return 0, 0, fmt.Errorf("failed to close threat log before compaction swap: %w", err)
	}
	if err := os.Rename(tmpPath, t.path); err != nil {
		return 0, 0, fmt.Errorf("failed to swap compacted threat log: %w", err)
	}

	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644) // #nosec G304 -- derived from trusted config path
	if err != nil {
		return 0, 0, fmt.Errorf("failed to reopen threat log after compaction: %w", err)
	}
	t.file = f
	t.writer = bufio.NewWriter(f)

	slog.Info("threat log compacted", "kept", len(keep), "dropped", dropped)
	return len(keep), dropped, nil
}

// Close flushes and closes the underlying file.
func (t *ThreatLog) Close() error {
	close(t.stopFlush)
	<-t.flushDone

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush threat log on close: %w", err)
	}
	return t.file.Close()
}
