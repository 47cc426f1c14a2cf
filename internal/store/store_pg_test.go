package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ehr/bundlesync/internal/platform/fhir"
)

// mockPGRow implements the pgRow interface for testing.
type mockPGRow struct {
	data    []byte
	scanErr error
	noRows  bool
}

func (r *mockPGRow) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	if r.noRows {
		return errors.New("no rows in result set")
	}
	if len(dest) > 0 {
		if b, ok := dest[0].(*[]byte); ok {
			*b = r.data
		}
	}
	return nil
}

type mockRow struct {
	bundleType string
	entries    int
	data       []byte
	at         time.Time
}

// mockPGConn implements the pgConn interface for testing.
type mockPGConn struct {
	mu       sync.Mutex
	rows     map[string]mockRow
	execs    []string
	queryErr error
	execErr  error
}

func newMockPGConn() *mockPGConn {
	return &mockPGConn{rows: make(map[string]mockRow)}
}

func (m *mockPGConn) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.queryErr != nil {
		return &mockPGRow{scanErr: m.queryErr}
	}
	if len(args) == 0 {
		return &mockPGRow{noRows: true}
	}
	path, _ := args[0].(string)
	row, ok := m.rows[path]
	if !ok {
		return &mockPGRow{noRows: true}
	}
	return &mockPGRow{data: row.data}
}

func (m *mockPGConn) Exec(ctx context.Context, sql string, args ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.execErr != nil {
		return m.execErr
	}
	m.execs = append(m.execs, sql)

	if strings.HasPrefix(sql, "INSERT") && len(args) >= 5 {
		path, _ := args[0].(string)
		typ, _ := args[1].(string)
		n, _ := args[2].(int)
		data, _ := args[3].([]byte)
		at, _ := args[4].(time.Time)
		m.rows[path] = mockRow{bundleType: typ, entries: n, data: data, at: at}
	}
	return nil
}

func TestPGStore_SaveAndGet(t *testing.T) {
	conn := newMockPGConn()
	s := NewPGStore(conn)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	ctx := context.Background()

	if err := s.Save(ctx, "./site/p1.json", testBundle(t)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	row, ok := conn.rows["site/p1.json"]
	if !ok {
		t.Fatalf("expected row keyed by cleaned path, got %v", conn.rows)
	}
	if row.bundleType != fhir.BundleTypeTransaction || row.entries != 2 || !row.at.Equal(fixed) {
		t.Errorf("unexpected row %+v", row)
	}

	data, err := s.Get(ctx, "site/p1.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	parsed, err := fhir.ParseObject(data)
	if err != nil {
		t.Fatalf("stored JSON invalid: %v", err)
	}
	if n := len(fhir.ObjectItems(parsed, "entry")); n != 2 {
		t.Errorf("expected 2 entries, got %d", n)
	}
}

func TestPGStore_GetMissing(t *testing.T) {
	s := NewPGStore(newMockPGConn())
	data, err := s.Get(context.Background(), "nope.json")
	if err != nil || data != nil {
		t.Errorf("Get() = %v, %v; want nil, nil", data, err)
	}
}

func TestPGStore_Errors(t *testing.T) {
	conn := newMockPGConn()
	conn.execErr = errors.New("connection refused")
	conn.queryErr = errors.New("connection refused")
	s := NewPGStore(conn)
	ctx := context.Background()

	if err := s.Save(ctx, "a.json", testBundle(t)); err == nil || !strings.Contains(err.Error(), "save bundle") {
		t.Errorf("expected wrapped save error, got %v", err)
	}
	if _, err := s.Get(ctx, "a.json"); err == nil {
		t.Error("expected get error")
	}
	if err := s.Migrate(ctx); err == nil {
		t.Error("expected migrate error")
	}
	if err := s.Save(ctx, "../a.json", testBundle(t)); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath, got %v", err)
	}
}

func TestPGStore_Migrate(t *testing.T) {
	conn := newMockPGConn()
	if err := NewPGStore(conn).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(conn.execs) != 1 || !strings.Contains(conn.execs[0], "CREATE TABLE IF NOT EXISTS transmitted_bundles") {
		t.Errorf("unexpected statements %v", conn.execs)
	}
}

func TestIsNoRows(t *testing.T) {
	if isNoRows(nil) {
		t.Error("nil is not no-rows")
	}
	if !isNoRows(errors.New("no rows in result set")) {
		t.Error("expected mock no-rows to match")
	}
}
