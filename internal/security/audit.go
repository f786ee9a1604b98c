package security

import (
	"bufio"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind is one audit event category.
type EventKind string

const (
	EventLoad             EventKind = "load"
	EventActivate         EventKind = "activate"
	EventDisable          EventKind = "disable"
	EventExecute          EventKind = "execute"
	EventExecuteFail      EventKind = "execute_fail"
	EventPermissionDenied EventKind = "permission_denied"
	EventScanFail         EventKind = "scan_fail"
	EventSigFail          EventKind = "sig_fail"
	EventIntrusion        EventKind = "intrusion"
)

// criticalKinds are flushed with fsync before Append returns; other
// kinds ride the buffered writer and may be lost in the window between
// append and the next flush. The loss window for non-critical entries
// is one flushInterval or one subsequent critical append, whichever
// comes first.
var criticalKinds = map[EventKind]bool{
	EventSigFail:   true,
	EventIntrusion: true,
	EventScanFail:  true,
}

// Entry is one hash-chained audit record.
type Entry struct {
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Actor     string          `json:"actor_plugin_id"`
	Kind      EventKind       `json:"event_kind"`
	Details   json.RawMessage `json:"details,omitempty"`
	PrevHash  string          `json:"prev_hash"`
	EntryHash string          `json:"entry_hash"`
}

// computeHash derives entry_hash = H(timestamp ‖ actor ‖ kind ‖
// details ‖ prev_hash), lowercase hex.
func computeHash(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d", e.Timestamp)
	h.Write([]byte(e.Actor))
	h.Write([]byte(e.Kind))
	h.Write(e.Details)
	h.Write([]byte(e.PrevHash))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// AuditLog is the append-only hash-chained log. A single writer
// goroutine is unnecessary because every append holds the mutex; the
// logging lane is this lock plus the buffered writer underneath it.
type AuditLog struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	lastHash string
	count    int
	path     string

	flushStop chan struct{}
	flushDone chan struct{}
}

const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// OpenAuditLog opens (or creates) the chain file at dir/audit.log,
// replaying any existing entries to recover the chain tip. A corrupt
// existing chain is an open error: the integrity guarantee cannot be
// extended from a compromised tip.
func OpenAuditLog(dir string) (*AuditLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	path := filepath.Join(dir, "audit.log")

	existing, err := ReadChain(path)
	if err != nil {
		return nil, err
	}
	lastHash := genesisHash
	if n := len(existing); n > 0 {
		if idx, ok := VerifyChain(existing); !ok {
			return nil, fmt.Errorf("audit chain at %s compromised at entry %d", path, idx)
		}
		lastHash = existing[n-1].EntryHash
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	log := &AuditLog{
		file:      f,
		writer:    bufio.NewWriter(f),
		lastHash:  lastHash,
		count:     len(existing),
		path:      path,
		flushStop: make(chan struct{}),
		flushDone: make(chan struct{}),
	}
	go log.flushLoop()
	return log, nil
}

const flushInterval = 500 * time.Millisecond

func (l *AuditLog) flushLoop() {
	defer close(l.flushDone)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			_ = l.writer.Flush()
			l.mu.Unlock()
		case <-l.flushStop:
			return
		}
	}
}

// Append chains and writes one entry. Critical kinds are flushed and
// fsynced before return; an I/O failure here is returned to the caller
// and treated as fatal, because the integrity guarantee requires a
// durable chain.
func (l *AuditLog) Append(actor string, kind EventKind, details any) (*Entry, error) {
	var raw json.RawMessage
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return nil, fmt.Errorf("marshaling audit details: %w", err)
		}
		raw = data
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixNano(),
		Actor:     actor,
		Kind:      kind,
		Details:   raw,
		PrevHash:  l.lastHash,
	}
	entry.EntryHash = computeHash(entry)

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshaling audit entry: %w", err)
	}
	if _, err := l.writer.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("writing audit entry: %w", err)
	}

	if criticalKinds[kind] {
		if err := l.writer.Flush(); err != nil {
			return nil, fmt.Errorf("flushing audit entry: %w", err)
		}
		if err := l.file.Sync(); err != nil {
			return nil, fmt.Errorf("syncing audit entry: %w", err)
		}
	}

	l.lastHash = entry.EntryHash
	l.count++
	return entry, nil
}

// Count returns the number of entries appended or replayed so far.
func (l *AuditLog) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Snapshot flushes pending writes and returns a point-in-time copy of
// the whole chain from disk.
func (l *AuditLog) Snapshot() ([]Entry, error) {
	l.mu.Lock()
	if err := l.writer.Flush(); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	path := l.path
	l.mu.Unlock()
	return ReadChain(path)
}

// Close flushes, fsyncs, and releases the log file.
func (l *AuditLog) Close() error {
	close(l.flushStop)
	<-l.flushDone

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	return l.file.Close()
}

// ReadChain parses the newline-delimited entries at path. A missing
// file is an empty chain.
func ReadChain(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("parsing audit entry %d: %w", len(entries), err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// VerifyChain walks the chain recomputing each hash. On success it
// returns (-1, true); on mismatch, the index of the first compromised
// entry and false.
func VerifyChain(entries []Entry) (int, bool) {
	prev := genesisHash
	for i := range entries {
		e := entries[i]
		if e.PrevHash != prev {
			return i, false
		}
		if computeHash(&e) != e.EntryHash {
			return i, false
		}
		prev = e.EntryHash
	}
	return -1, true
}
