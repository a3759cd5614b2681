// Package postgres is a discovery.Registry shared by every node in a mesh,
// backed by the harbormesh.service_nodes table.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/harbor_mesh/internal/discovery"
)

var _ discovery.Registry = (*Registry)(nil)

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Registry struct {
	db Querier
}

func New(db Querier) *Registry {
	return &Registry{db: db}
}

const upsertNode = `
INSERT INTO harbormesh.service_nodes (service_id, node_id, load, registered_at, updated_at)
VALUES ($1, $2, $3, now(), now())
ON CONFLICT (service_id, node_id)
DO UPDATE SET load = EXCLUDED.load, updated_at = now()`

func (r *Registry) RegisterService(ctx context.Context, serviceID, nodeID string, load int) error {
	if _, err := r.db.Exec(ctx, upsertNode, serviceID, nodeID, load); err != nil {
		return fmt.Errorf("register %s/%s: %w", serviceID, nodeID, err)
	}
	return nil
}

func (r *Registry) DeregisterService(ctx context.Context, serviceID, nodeID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM harbormesh.service_nodes WHERE service_id = $1 AND node_id = $2`,
		serviceID, nodeID)
	if err != nil {
		return fmt.Errorf("deregister %s/%s: %w", serviceID, nodeID, err)
	}
	return nil
}

func (r *Registry) UpdateServiceLoad(ctx context.Context, serviceID, nodeID string, load int) error {
	if _, err := r.db.Exec(ctx, upsertNode, serviceID, nodeID, load); err != nil {
		return fmt.Errorf("update load %s/%s: %w", serviceID, nodeID, err)
	}
	return nil
}

func (r *Registry) LeastLoadedNode(ctx context.Context, serviceID string) (string, bool, error) {
	var nodeID string
	err := r.db.QueryRow(ctx, `
		SELECT node_id FROM harbormesh.service_nodes
		WHERE service_id = $1
		ORDER BY load ASC, registered_at ASC
		LIMIT 1`, serviceID).Scan(&nodeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("least loaded node for %s: %w", serviceID, err)
	}
	return nodeID, true, nil
}

func (r *Registry) AllNodes(ctx context.Context, serviceID string) ([]discovery.ServiceNode, error) {
	rows, err := r.db.Query(ctx, `
		SELECT service_id, node_id, load, updated_at FROM harbormesh.service_nodes
		WHERE service_id = $1
		ORDER BY load ASC, node_id ASC`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("list nodes for %s: %w", serviceID, err)
	}
	defer rows.Close()

	var nodes []discovery.ServiceNode
	for rows.Next() {
		var n discovery.ServiceNode
		if err := rows.Scan(&n.ServiceID, &n.NodeID, &n.Load, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (r *Registry) OnlineServices(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT service_id FROM harbormesh.service_nodes ORDER BY service_id`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var services []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		services = append(services, s)
	}
	return services, rows.Err()
}

func (r *Registry) IsServiceOnline(ctx context.Context, serviceID string) (bool, error) {
	var online bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM harbormesh.service_nodes WHERE service_id = $1)`,
		serviceID).Scan(&online)
	if err != nil {
		return false, fmt.Errorf("check %s online: %w", serviceID, err)
	}
	return online, nil
}
