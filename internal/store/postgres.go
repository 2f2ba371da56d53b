package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	// Registers the postgres driver.
	_ "github.com/lib/pq"
	"k8s.io/apimachinery/pkg/types"

	"github.com/volumania/volumania/internal/autoscaler"
)

const (
	createTable = `CREATE TABLE IF NOT EXISTS volumania_policies (
	seq BIGSERIAL NOT NULL,
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	pvc_name TEXT NOT NULL,
	name TEXT NOT NULL,
	data JSONB NOT NULL
)`
	upsertPolicy = `INSERT INTO volumania_policies (id, namespace, pvc_name, name, data)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET namespace = EXCLUDED.namespace, pvc_name = EXCLUDED.pvc_name,
	name = EXCLUDED.name, data = EXCLUDED.data`
	selectPolicy         = `SELECT data FROM volumania_policies WHERE id = $1`
	selectPolicies       = `SELECT data FROM volumania_policies ORDER BY seq`
	selectPolicyByTarget = `SELECT data FROM volumania_policies WHERE namespace = $1 AND pvc_name = $2 ORDER BY seq LIMIT 1`
	deletePolicy         = `DELETE FROM volumania_policies WHERE id = $1`
)

var _ autoscaler.Store = (*Postgres)(nil)

// Postgres stores policies as JSON documents in a single table.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects to dsn and creates the policy table when missing.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := NewPostgres(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create policy table: %w", err)
	}
	return nil
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

func (s *Postgres) Put(ctx context.Context, p autoscaler.Policy) error {
	if p.ID == "" {
		return fmt.Errorf("put policy %s: empty id", p.Key())
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode policy %s: %w", p.ID, err)
	}
	if _, err := s.db.ExecContext(ctx, upsertPolicy, p.ID, p.Namespace, p.PVCName, p.Name, data); err != nil {
		return fmt.Errorf("put policy %s: %w", p.ID, err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (autoscaler.Policy, error) {
	p, err := scanPolicy(s.db.QueryRowContext(ctx, selectPolicy, id))
	if errors.Is(err, sql.ErrNoRows) {
		return autoscaler.Policy{}, fmt.Errorf("policy %s: %w", id, autoscaler.ErrNotFound)
	}
	if err != nil {
		return autoscaler.Policy{}, fmt.Errorf("get policy %s: %w", id, err)
	}
	return p, nil
}

func (s *Postgres) List(ctx context.Context) ([]autoscaler.Policy, error) {
	rows, err := s.db.QueryContext(ctx, selectPolicies)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []autoscaler.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("list policies: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	return out, nil
}

func (s *Postgres) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, deletePolicy, id)
	if err != nil {
		return false, fmt.Errorf("delete policy %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete policy %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *Postgres) FindByTarget(ctx context.Context, target types.NamespacedName) (autoscaler.Policy, error) {
	p, err := scanPolicy(s.db.QueryRowContext(ctx, selectPolicyByTarget, target.Namespace, target.Name))
	if errors.Is(err, sql.ErrNoRows) {
		return autoscaler.Policy{}, fmt.Errorf("policy for %s: %w", target, autoscaler.ErrNotFound)
	}
	if err != nil {
		return autoscaler.Policy{}, fmt.Errorf("find policy for %s: %w", target, err)
	}
	return p, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row scanner) (autoscaler.Policy, error) {
	var (
		data []byte
		p    autoscaler.Policy
	)
	if err := row.Scan(&data); err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode policy: %w", err)
	}
	return p, nil
}
