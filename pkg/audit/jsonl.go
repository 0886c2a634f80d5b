package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/murray-ux/wheel/pkg/canonicalize"
)

// jsonlGenesis is the previous hash of the first line of every log.
const jsonlGenesis = "genesis"

// ErrLogTampered is wrapped by VerifyJSONL failures caused by content
// rather than I/O.
var ErrLogTampered = errors.New("audit: log integrity failure")

// Line is one record of a JSONL audit log.
type Line struct {
	EventID      string    `json:"event_id"`
	Sequence     uint64    `json:"sequence"`
	RecordedAt   time.Time `json:"recorded_at"`
	Event        Event     `json:"event"`
	PreviousHash string    `json:"previous_hash"`
	Hash         string    `json:"hash"`
}

func (l *Line) computeHash() (string, error) {
	return canonicalize.CanonicalHash(struct {
		EventID      string    `json:"event_id"`
		Sequence     uint64    `json:"sequence"`
		RecordedAt   time.Time `json:"recorded_at"`
		Event        Event     `json:"event"`
		PreviousHash string    `json:"previous_hash"`
	}{l.EventID, l.Sequence, l.RecordedAt, l.Event, l.PreviousHash})
}

// JSONLSink appends hash-chained JSON lines to a writer. Each line links
// to the previous one so truncation or edits are detectable with
// VerifyJSONL.
type JSONLSink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	head   string
	seq    uint64
	closed bool
}

// NewJSONLSink writes a fresh chain to w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: w, head: jsonlGenesis}
}

// OpenJSONLFile opens (or creates) path for appending. An existing log is
// verified first and the chain continues from its last line.
func OpenJSONLFile(path string) (*JSONLSink, error) {
	//nolint:gosec // G302: audit logs are operator-readable
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	last, err := scanJSONL(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("audit: resume %s: %w", path, err)
	}
	s := &JSONLSink{w: f, closer: f, head: jsonlGenesis}
	if last != nil {
		s.head = last.Hash
		s.seq = last.Sequence
	}
	return s, nil
}

func (s *JSONLSink) Write(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}

	line := Line{
		EventID:      uuid.New().String(),
		Sequence:     s.seq + 1,
		RecordedAt:   time.Now().UTC(),
		Event:        event,
		PreviousHash: s.head,
	}
	hash, err := line.computeHash()
	if err != nil {
		return fmt.Errorf("audit: hash line: %w", err)
	}
	line.Hash = hash

	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("audit: marshal line: %w", err)
	}
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: write line: %w", err)
	}
	s.seq = line.Sequence
	s.head = line.Hash
	return nil
}

// Head returns the hash of the last line written.
func (s *JSONLSink) Head() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

// Close closes the underlying file when the sink owns one.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// VerifyJSONL checks every line of a JSONL audit log: sequence numbers
// are contiguous, each line links to its predecessor, and each stored
// hash matches the line's content. It returns the number of lines
// verified.
func VerifyJSONL(r io.Reader) (int, error) {
	n := 0
	_, err := walkJSONL(r, func(*Line) { n++ })
	return n, err
}

func scanJSONL(r io.Reader) (*Line, error) {
	return walkJSONL(r, nil)
}

func walkJSONL(r io.Reader, visit func(*Line)) (*Line, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var last *Line
	prev := jsonlGenesis
	for lineNo := 1; sc.Scan(); lineNo++ {
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var l Line
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrLogTampered, lineNo, err)
		}
		wantSeq := uint64(1)
		if last != nil {
			wantSeq = last.Sequence + 1
		}
		if l.Sequence != wantSeq {
			return nil, fmt.Errorf("%w: line %d: sequence %d, want %d", ErrLogTampered, lineNo, l.Sequence, wantSeq)
		}
		if l.PreviousHash != prev {
			return nil, fmt.Errorf("%w: line %d: chain broken", ErrLogTampered, lineNo)
		}
		computed, err := l.computeHash()
		if err != nil {
			return nil, fmt.Errorf("audit: line %d: %w", lineNo, err)
		}
		if computed != l.Hash {
			return nil, fmt.Errorf("%w: line %d: computed %s, stored %s", ErrLogTampered, lineNo, computed, l.Hash)
		}
		if visit != nil {
			visit(&l)
		}
		prev = l.Hash
		last = &l
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("audit: read log: %w", err)
	}
	return last, nil
}
