package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/harbor_mesh/internal/db"
	"github.com/austindbirch/harbor_mesh/internal/discovery"
	"github.com/austindbirch/harbor_mesh/internal/logging"
)

type stubRow struct {
	vals []any
	err  error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.vals[i].(string)
		case *bool:
			*p = r.vals[i].(bool)
		}
	}
	return nil
}

type stubQuerier struct {
	execSQL  []string
	execArgs [][]any
	execErr  error
	row      stubRow
	queryErr error
}

func (q *stubQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.execSQL = append(q.execSQL, sql)
	q.execArgs = append(q.execArgs, args)
	return pgconn.CommandTag{}, q.execErr
}

func (q *stubQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, q.queryErr
}

func (q *stubQuerier) QueryRow(context.Context, string, ...any) pgx.Row {
	return q.row
}

func TestLeastLoadedNodeStub(t *testing.T) {
	errDown := errors.New("connection reset")

	tests := []struct {
		name     string
		row      stubRow
		wantNode string
		wantOK   bool
		wantErr  error
	}{
		{name: "found", row: stubRow{vals: []any{"n1"}}, wantNode: "n1", wantOK: true},
		{name: "no rows is not an error", row: stubRow{err: pgx.ErrNoRows}},
		{name: "query failure", row: stubRow{err: errDown}, wantErr: errDown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(&stubQuerier{row: tt.row})
			node, ok, err := r.LeastLoadedNode(context.Background(), "svc")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("LeastLoadedNode() error = %v, want %v", err, tt.wantErr)
			}
			if node != tt.wantNode || ok != tt.wantOK {
				t.Errorf("LeastLoadedNode() = (%q, %v), want (%q, %v)", node, ok, tt.wantNode, tt.wantOK)
			}
		})
	}
}

func TestWritesUseUpsert(t *testing.T) {
	q := &stubQuerier{}
	r := New(q)
	ctx := context.Background()

	if err := r.RegisterService(ctx, "svc", "n1", 3); err != nil {
		t.Fatalf("RegisterService() error = %v", err)
	}
	if err := r.UpdateServiceLoad(ctx, "svc", "n1", 9); err != nil {
		t.Fatalf("UpdateServiceLoad() error = %v", err)
	}
	if err := r.DeregisterService(ctx, "svc", "n1"); err != nil {
		t.Fatalf("DeregisterService() error = %v", err)
	}

	if len(q.execSQL) != 3 {
		t.Fatalf("Exec called %d times, want 3", len(q.execSQL))
	}
	for i := 0; i < 2; i++ {
		if !strings.Contains(q.execSQL[i], "ON CONFLICT") {
			t.Errorf("statement %d is not an upsert: %s", i, q.execSQL[i])
		}
	}
	if got := q.execArgs[1][2]; got != 9 {
		t.Errorf("UpdateServiceLoad() load arg = %v, want 9", got)
	}
	if !strings.HasPrefix(strings.TrimSpace(q.execSQL[2]), "DELETE") {
		t.Errorf("DeregisterService() statement = %s", q.execSQL[2])
	}
}

func TestErrorsAreWrapped(t *testing.T) {
	errDown := errors.New("connection reset")
	r := New(&stubQuerier{execErr: errDown, queryErr: errDown, row: stubRow{err: errDown}})
	ctx := context.Background()

	if err := r.RegisterService(ctx, "svc", "n1", 0); !errors.Is(err, errDown) {
		t.Errorf("RegisterService() error = %v", err)
	}
	if _, err := r.AllNodes(ctx, "svc"); !errors.Is(err, errDown) {
		t.Errorf("AllNodes() error = %v", err)
	}
	if _, err := r.OnlineServices(ctx); !errors.Is(err, errDown) {
		t.Errorf("OnlineServices() error = %v", err)
	}
	if _, err := r.IsServiceOnline(ctx, "svc"); !errors.Is(err, errDown) {
		t.Errorf("IsServiceOnline() error = %v", err)
	}
}

// TestRegistryIntegration runs against a real database when
// HARBORMESH_TEST_DSN is set
func TestRegistryIntegration(t *testing.T) {
	dsn := os.Getenv("HARBORMESH_TEST_DSN")
	if dsn == "" {
		t.Skip("HARBORMESH_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}

	service := "it-" + time.Now().Format("150405.000000")
	r := New(pool)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM harbormesh.service_nodes WHERE service_id = $1`, service)
	})

	if err := r.RegisterService(ctx, service, "n1", 5); err != nil {
		t.Fatalf("RegisterService() error = %v", err)
	}
	if err := r.RegisterService(ctx, service, "n2", 2); err != nil {
		t.Fatalf("RegisterService() error = %v", err)
	}

	m := discovery.NewManager(r,
		discovery.WithLogger(logging.Nop()),
		discovery.WithHealthCheck(func(_ context.Context, _, nodeID string) bool { return nodeID != "n2" }),
	)
	node, ok, err := m.LeastLoadedNode(ctx, service)
	if err != nil || !ok || node != "n1" {
		t.Fatalf("LeastLoadedNode() = (%q, %v, %v), want (n1, true, nil)", node, ok, err)
	}

	nodes, err := r.AllNodes(ctx, service)
	if err != nil || len(nodes) != 1 || nodes[0].NodeID != "n1" {
		t.Errorf("AllNodes() = %v, %v; want [n1]", nodes, err)
	}
	online, err := r.IsServiceOnline(ctx, service)
	if err != nil || !online {
		t.Errorf("IsServiceOnline() = %v, %v; want true", online, err)
	}
}
