package cluster

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/fhaynes/saga/pkg/errors"
	"github.com/fhaynes/saga/pkg/postgres"
)

const membershipSchema = `
CREATE TABLE IF NOT EXISTS saga_nodes (
	name       TEXT PRIMARY KEY,
	host       TEXT NOT NULL,
	port       INTEGER NOT NULL,
	last_heard TIMESTAMPTZ NOT NULL
)`

// PostgresMembership keeps the table in a shared postgres database so it
// outlives the metadata server's data directory.
type PostgresMembership struct {
	client *postgres.Client
}

// NewPostgresMembership creates the nodes table if it does not exist.
func NewPostgresMembership(ctx context.Context, client *postgres.Client) (*PostgresMembership, error) {
	err := client.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, membershipSchema)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating membership schema: %w", err)
	}
	return &PostgresMembership{client: client}, nil
}

func (p *PostgresMembership) RegisterNode(ctx context.Context, m Member) error {
	return p.client.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO saga_nodes (name, host, port, last_heard)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (name) DO UPDATE
			SET host = EXCLUDED.host, port = EXCLUDED.port, last_heard = EXCLUDED.last_heard`,
			m.Name, m.Host, int(m.Port), m.LastHeard)
		if err != nil {
			return fmt.Errorf("upserting node %s: %w", m.Name, err)
		}
		return nil
	})
}

func (p *PostgresMembership) ListNodes(ctx context.Context) ([]string, error) {
	rows, err := p.client.QueryContext(ctx, `SELECT name FROM saga_nodes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning node name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (p *PostgresMembership) ListMembers(ctx context.Context) ([]Member, error) {
	rows, err := p.client.QueryContext(ctx,
		`SELECT name, host, port, last_heard FROM saga_nodes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var (
			m    Member
			port int
		)
		if err := rows.Scan(&m.Name, &m.Host, &port, &m.LastHeard); err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		m.Port = uint16(port)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresMembership) Touch(ctx context.Context, name string, at time.Time) error {
	res, err := p.client.ExecContext(ctx,
		`UPDATE saga_nodes SET last_heard = $2 WHERE name = $1`, name, at)
	if err != nil {
		return fmt.Errorf("touching node %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touching node %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", name, apperrors.ErrNodeNotFound)
	}
	return nil
}

func (p *PostgresMembership) Ping(ctx context.Context) error {
	return p.client.PingContext(ctx)
}

func (p *PostgresMembership) Close() error {
	return p.client.Close()
}
