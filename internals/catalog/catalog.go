// Package catalog reads the pool catalog: which pools exist, whether they
// are active, their property bags, and their member tracking numbers. The
// catalog is the source of truth mirrored into the KV store on init.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is one row of the pool catalog
type Pool struct {
	ID         int
	Name       string
	Properties map[string]interface{}
}

// AreaCodeAll marks a pool whose numbers are selected by target area code
const AreaCodeAll = "all"

// IsAreaCodePool reports whether this pool leases by target area code
func (p Pool) IsAreaCodePool() bool {
	ac, _ := p.Properties["area_code"].(string)
	return strings.EqualFold(ac, AreaCodeAll)
}

// FallbackAreaCode returns the pool's fallback area code, empty if unset
func (p Pool) FallbackAreaCode() string {
	fb, _ := p.Properties["fallback_area_code"].(string)
	return fb
}

// Reader provides catalog access. Implementations are read-only and are
// called rarely (init, reset, stats).
type Reader interface {
	ActivePools(ctx context.Context) ([]Pool, error)
	PoolNumbers(ctx context.Context, poolID int) (map[string]struct{}, error)
}

// PostgresReader reads the catalog from the zar schema
type PostgresReader struct {
	db *pgxpool.Pool
}

// NewPostgresReader wraps an existing connection pool as a catalog reader
func NewPostgresReader(db *pgxpool.Pool) *PostgresReader {
	return &PostgresReader{db: db}
}

// ActivePools returns all pools marked active in the catalog
func (r *PostgresReader) ActivePools(ctx context.Context) ([]Pool, error) {
	rows, err := r.db.Query(ctx, `select id, name, properties from zar.pools where active=1`)
	if err != nil {
		return nil, fmt.Errorf("query pools: %w", err)
	}
	defer rows.Close()

	var pools []Pool
	for rows.Next() {
		var (
			p     Pool
			props []byte
		)
		if err := rows.Scan(&p.ID, &p.Name, &props); err != nil {
			return nil, fmt.Errorf("scan pool row: %w", err)
		}
		if len(props) > 0 {
			if err := json.Unmarshal(props, &p.Properties); err != nil {
				return nil, fmt.Errorf("pool %d properties: %w", p.ID, err)
			}
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

// StaticReader serves a fixed in-memory catalog. Debug deployments without
// a database use an empty one.
type StaticReader struct {
	Pools   []Pool
	Numbers map[int]map[string]struct{}
}

func (r StaticReader) ActivePools(_ context.Context) ([]Pool, error) {
	return r.Pools, nil
}

func (r StaticReader) PoolNumbers(_ context.Context, poolID int) (map[string]struct{}, error) {
	return r.Numbers[poolID], nil
}

// PoolNumbers returns the member numbers of one pool
func (r *PostgresReader) PoolNumbers(ctx context.Context, poolID int) (map[string]struct{}, error) {
	rows, err := r.db.Query(ctx, `select number from zar.pool_numbers where pool_id=$1`, poolID)
	if err != nil {
		return nil, fmt.Errorf("query pool numbers: %w", err)
	}
	defer rows.Close()

	numbers := make(map[string]struct{})
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan number row: %w", err)
		}
		numbers[n] = struct{}{}
	}
	return numbers, rows.Err()
}
