package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data    [][]any
	idx     int
	err     error
	closed  bool
	scanErr error
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *int64:
			*d = v.(int64)
		case *bool:
			*d = v.(bool)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryFunc func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc  func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	pingErr   error
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (m *mockDB) Ping(context.Context) error { return m.pingErr }

// ---------------------------------------------------------------------------
// Migrate / Ping
// ---------------------------------------------------------------------------

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()

	var gotSQL string
	db := &mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		gotSQL = sql
		return pgconn.CommandTag{}, nil
	}}
	if err := NewPostgresStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	for _, table := range []string{"voice_sessions", "voice_commands"} {
		if !strings.Contains(gotSQL, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("schema does not create %s", table)
		}
	}
}

func TestPostgresStore_MigrateError(t *testing.T) {
	t.Parallel()

	db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("permission denied")
	}}
	err := NewPostgresStore(db).Migrate(context.Background())
	if err == nil || !strings.Contains(err.Error(), "audit: migrate") {
		t.Errorf("err = %v, want wrapped migrate error", err)
	}
}

func TestPostgresStore_Ping(t *testing.T) {
	t.Parallel()

	down := errors.New("connection refused")
	err := NewPostgresStore(&mockDB{pingErr: down}).Ping(context.Background())
	if !errors.Is(err, down) {
		t.Errorf("err = %v, want %v", err, down)
	}
	if err := NewPostgresStore(&mockDB{}).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

func TestPostgresStore_RecordSession(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := SessionRecord{
		ID: "s-1", UserID: "u-1",
		StartedAt: start, EndedAt: start.Add(time.Minute),
		FinalState: "closed", FramesCaptured: 10, FramesSent: 9, FramesDropped: 1,
		ChunksScheduled: 4, CodecErrors: 0,
	}

	var gotSQL string
	var gotArgs []any
	db := &mockDB{execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		gotSQL, gotArgs = sql, args
		return pgconn.CommandTag{}, nil
	}}
	if err := NewPostgresStore(db).RecordSession(context.Background(), rec); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}
	if !strings.Contains(gotSQL, "INSERT INTO voice_sessions") {
		t.Errorf("unexpected SQL: %s", gotSQL)
	}
	if len(gotArgs) != 11 {
		t.Fatalf("got %d args, want 11", len(gotArgs))
	}
	if gotArgs[0] != "s-1" || gotArgs[4] != "closed" || gotArgs[7] != int64(9) {
		t.Errorf("args = %v", gotArgs)
	}
}

func TestPostgresStore_RecordCommand(t *testing.T) {
	t.Parallel()

	rec := CommandRecord{
		ID: "c-1", UserID: "u-1", StartedAt: time.Now(),
		Utterance: 1500 * time.Millisecond, Latency: 250 * time.Millisecond,
		Success: true, Transcript: "open ticket", ActionTaken: "ticket 42 opened",
	}

	var gotArgs []any
	db := &mockDB{execFunc: func(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
		gotArgs = args
		return pgconn.CommandTag{}, nil
	}}
	if err := NewPostgresStore(db).RecordCommand(context.Background(), rec); err != nil {
		t.Fatalf("RecordCommand: %v", err)
	}
	if gotArgs[3] != int64(1500) || gotArgs[4] != int64(250) {
		t.Errorf("durations = %v, %v; want 1500, 250 ms", gotArgs[3], gotArgs[4])
	}
	if gotArgs[6] != true || gotArgs[8] != "ticket 42 opened" {
		t.Errorf("args = %v", gotArgs)
	}
}

func TestPostgresStore_RecordError(t *testing.T) {
	t.Parallel()

	db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("disk full")
	}}
	s := NewPostgresStore(db)
	if err := s.RecordSession(context.Background(), SessionRecord{ID: "s"}); err == nil {
		t.Error("RecordSession: expected error")
	}
	if err := s.RecordCommand(context.Background(), CommandRecord{ID: "c"}); err == nil {
		t.Error("RecordCommand: expected error")
	}
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func TestPostgresStore_RecentSessions(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := &mockRows{data: [][]any{
		{"s-2", "u-1", start.Add(time.Hour), start.Add(2 * time.Hour), "error", "transport: session: reset", int64(5), int64(5), int64(0), int64(1), int64(2)},
		{"s-1", "u-1", start, start.Add(time.Minute), "closed", "", int64(10), int64(9), int64(1), int64(4), int64(0)},
	}}
	var gotArgs []any
	db := &mockDB{queryFunc: func(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
		gotArgs = args
		return rows, nil
	}}

	got, err := NewPostgresStore(db).RecentSessions(context.Background(), 2)
	if err != nil {
		t.Fatalf("RecentSessions: %v", err)
	}
	if len(got) != 2 || got[0].ID != "s-2" || got[1].FramesDropped != 1 {
		t.Errorf("got %+v", got)
	}
	if got[0].Error != "transport: session: reset" || got[0].CodecErrors != 2 {
		t.Errorf("got[0] = %+v", got[0])
	}
	if gotArgs[0] != 2 {
		t.Errorf("limit arg = %v, want 2", gotArgs[0])
	}
	if !rows.closed {
		t.Error("rows not closed")
	}
}

func TestPostgresStore_RecentCommands(t *testing.T) {
	t.Parallel()

	rows := &mockRows{data: [][]any{
		{"c-1", "u-1", time.Now(), int64(1500), int64(250), false, true, "open ticket", "opened", ""},
	}}
	var gotArgs []any
	db := &mockDB{queryFunc: func(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
		gotArgs = args
		return rows, nil
	}}

	got, err := NewPostgresStore(db).RecentCommands(context.Background(), 0)
	if err != nil {
		t.Fatalf("RecentCommands: %v", err)
	}
	if len(got) != 1 || got[0].Utterance != 1500*time.Millisecond || got[0].Latency != 250*time.Millisecond || !got[0].Success {
		t.Errorf("got %+v", got)
	}
	if gotArgs[0] != nil {
		t.Errorf("limit arg = %v, want nil for all rows", gotArgs[0])
	}
}

func TestPostgresStore_ReadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		db   *mockDB
	}{
		{
			name: "query error",
			db: &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
				return nil, errors.New("timeout")
			}},
		},
		{
			name: "scan error",
			db: &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
				return &mockRows{data: [][]any{{}}, scanErr: errors.New("bad column")}, nil
			}},
		},
		{
			name: "rows error",
			db: &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
				return &mockRows{err: errors.New("conn lost")}, nil
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewPostgresStore(tt.db)
			if _, err := s.RecentSessions(context.Background(), 10); err == nil {
				t.Error("RecentSessions: expected error")
			}
			if _, err := s.RecentCommands(context.Background(), 10); err == nil {
				t.Error("RecentCommands: expected error")
			}
		})
	}
}
