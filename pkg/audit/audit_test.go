package audit

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent(spoke, phase string) Event {
	return Event{
		SpokeID:   spoke,
		Phase:     phase,
		Principal: "alice",
		Action:    "read",
		Resource:  "doc:1",
		Source:    SourceGate,
		ChainHash: "abc",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
	}
}

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, sampleEvent("spk_a", "GATED")))
	require.NoError(t, s.Write(ctx, sampleEvent("spk_b", "GATED")))
	require.NoError(t, s.Write(ctx, sampleEvent("spk_a", "ATTESTED")))

	assert.Equal(t, 3, s.Count())
	byA := s.BySpoke("spk_a")
	require.Len(t, byA, 2)
	assert.Equal(t, "ATTESTED", byA[1].Phase)

	events := s.Events()
	events[0].Phase = "mutated"
	assert.Equal(t, "GATED", s.Events()[0].Phase)
}

func TestFanout_AttemptsEverySinkAndJoinsErrors(t *testing.T) {
	a, b := NewMemorySink(), NewMemorySink()
	boom := errors.New("disk full")
	failing := ServiceFunc(func(context.Context, Event) error { return boom })

	err := Fanout{a, failing, b}.Write(context.Background(), sampleEvent("spk", "GATED"))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, a.Count())
	assert.Equal(t, 1, b.Count())

	assert.NoError(t, Fanout{a, b}.Write(context.Background(), sampleEvent("spk", "SEALED")))
}

func TestJSONLSink_ChainVerifies(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONLSink(&buf)
	ctx := context.Background()
	for _, p := range []string{"GATED", "ATTESTED", "EXECUTING", "SEALED"} {
		require.NoError(t, s.Write(ctx, sampleEvent("spk_a", p)))
	}

	n, err := VerifyJSONL(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NotEqual(t, jsonlGenesis, s.Head())
}

func TestJSONLSink_DetectsTampering(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONLSink(&buf)
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, sampleEvent("spk_a", "GATED")))
	require.NoError(t, s.Write(ctx, sampleEvent("spk_a", "DEAD")))
	require.NoError(t, s.Write(ctx, sampleEvent("spk_a", "DEAD")))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	t.Run("edited field", func(t *testing.T) {
		edited := strings.Replace(lines[1], `"DEAD"`, `"SEALED"`, 1)
		log := strings.Join([]string{lines[0], edited, lines[2]}, "\n")
		_, err := VerifyJSONL(strings.NewReader(log))
		assert.ErrorIs(t, err, ErrLogTampered)
	})

	t.Run("dropped line", func(t *testing.T) {
		log := strings.Join([]string{lines[0], lines[2]}, "\n")
		_, err := VerifyJSONL(strings.NewReader(log))
		assert.ErrorIs(t, err, ErrLogTampered)
	})

	t.Run("reordered", func(t *testing.T) {
		log := strings.Join([]string{lines[1], lines[0], lines[2]}, "\n")
		_, err := VerifyJSONL(strings.NewReader(log))
		assert.ErrorIs(t, err, ErrLogTampered)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := VerifyJSONL(strings.NewReader("{not json}\n"))
		assert.ErrorIs(t, err, ErrLogTampered)
	})
}

func TestOpenJSONLFile_ResumesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	ctx := context.Background()

	s, err := OpenJSONLFile(path)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, sampleEvent("spk_a", "GATED")))
	head := s.Head()
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Write(ctx, sampleEvent("spk_a", "DEAD")), ErrSinkClosed)

	s, err = OpenJSONLFile(path)
	require.NoError(t, err)
	assert.Equal(t, head, s.Head())
	require.NoError(t, s.Write(ctx, sampleEvent("spk_a", "DEAD")))
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	n, err := VerifyJSONL(f)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOpenJSONLFile_RefusesTamperedLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"sequence":7}`+"\n"), 0o600))
	_, err := OpenJSONLFile(path)
	assert.ErrorIs(t, err, ErrLogTampered)
}

func TestSQLiteSink_RoundTrip(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	first := sampleEvent("spk_a", "GATED")
	second := sampleEvent("spk_a", "DEAD")
	second.Source = SourceKill
	second.Code = "W-002"
	second.Detail = "deny-all: closed"
	require.NoError(t, s.Write(ctx, first))
	require.NoError(t, s.Write(ctx, sampleEvent("spk_b", "GATED")))
	require.NoError(t, s.Write(ctx, second))

	got, err := s.BySpoke(ctx, "spk_a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i, want := range []Event{first, second} {
		assert.True(t, want.Timestamp.Equal(got[i].Timestamp))
		got[i].Timestamp = want.Timestamp
		assert.Equal(t, want, got[i])
	}
}

func TestSQLiteSink_MigrationIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), sampleEvent("spk_a", "GATED")))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	got, err := s.BySpoke(context.Background(), "spk_a")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestPostgresSink_Write(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresSink(db)
	e := sampleEvent("spk_a", "GATED")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO wheel_audit")).
		WithArgs("spk_a", "GATED", "alice", "read", "doc:1", "wheel.gate", "", "", "abc", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.Write(context.Background(), e))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO wheel_audit")).
		WillReturnError(errors.New("connection reset"))
	err = s.Write(context.Background(), e)
	assert.ErrorContains(t, err, "connection reset")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSink_MigrateAndBySpoke(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresSink(db)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS wheel_audit")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.Migrate(context.Background()))

	ts := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	rows := sqlmock.NewRows([]string{"spoke_id", "phase", "principal", "action", "resource", "source", "code", "detail", "chain_hash", "timestamp"}).
		AddRow("spk_a", "GATED", "alice", "read", "doc:1", "wheel.gate", nil, nil, "h1", ts).
		AddRow("spk_a", "DEAD", "alice", "read", "doc:1", "wheel.kill", "W-004", "deadline", "h2", ts)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT spoke_id, phase, principal, action, resource, source, code, detail, chain_hash, timestamp FROM wheel_audit WHERE spoke_id = $1")).
		WithArgs("spk_a").
		WillReturnRows(rows)

	got, err := s.BySpoke(context.Background(), "spk_a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "", got[0].Code)
	assert.Equal(t, SourceKill, got[1].Source)
	assert.Equal(t, "W-004", got[1].Code)
	assert.True(t, ts.Equal(got[1].Timestamp))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestRedisSink_Integration requires a running Redis on localhost.
func TestRedisSink_Integration(t *testing.T) {
	stream := "wheel:audit:test:" + time.Now().Format("150405.000000000")
	s := NewRedisSink("localhost:6379", "", 0, stream, 100)
	defer func() { _ = s.Close() }()
	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer s.client.Del(ctx, stream)

	require.NoError(t, s.Write(ctx, sampleEvent("spk_a", "GATED")))
	require.NoError(t, s.Write(ctx, sampleEvent("spk_a", "SEALED")))

	got, err := s.Range(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "SEALED", got[1].Phase)
}

func TestRateLimited(t *testing.T) {
	inner := NewMemorySink()
	rl := NewRateLimited(inner, 0.001, 1)

	require.NoError(t, rl.Write(context.Background(), sampleEvent("spk", "GATED")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := rl.Write(ctx, sampleEvent("spk", "ATTESTED"))
	assert.Error(t, err)
	assert.Equal(t, 1, inner.Count())
}

func TestRateLimitedBoundsWaitWithoutDeadline(t *testing.T) {
	inner := NewMemorySink()
	rl := NewRateLimited(inner, 0.001, 1).WithMaxWait(20 * time.Millisecond)

	ctx := context.WithoutCancel(context.Background())
	require.NoError(t, rl.Write(ctx, sampleEvent("spk", "GATED")))

	start := time.Now()
	err := rl.Write(ctx, sampleEvent("spk", "ATTESTED"))
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, inner.Count())
}
