// Package pgstore reads correlation datasets from PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/andreiashu/geocorr"
)

const (
	listQuery = `SELECT id, name, schema_definition, json_data FROM datasets ORDER BY id`
	getQuery  = `SELECT id, name, schema_definition, json_data FROM datasets WHERE id = $1`
)

// Store is a geocorr.DatasetSource backed by a datasets table:
//
//	CREATE TABLE datasets (
//	    id                text PRIMARY KEY,
//	    name              text NOT NULL,
//	    schema_definition jsonb,
//	    json_data         jsonb
//	);
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ geocorr.DatasetSource = (*Store)(nil)

// Open opens a connection pool for dsn.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	return AttachDB(db, logger), nil
}

// AttachDB wraps an existing pool.
func AttachDB(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

func (s *Store) Close() error { return s.db.Close() }

// ListDatasets returns every dataset. Rows whose JSON columns do not decode
// are logged and left out.
func (s *Store) ListDatasets(ctx context.Context) ([]geocorr.Dataset, error) {
	rows, err := s.db.QueryContext(ctx, listQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: query datasets: %v", geocorr.ErrDatasetSource, err)
	}
	defer rows.Close()

	var out []geocorr.Dataset
	for rows.Next() {
		var (
			id, name     string
			schema, data []byte
		)
		if err := rows.Scan(&id, &name, &schema, &data); err != nil {
			return nil, fmt.Errorf("%w: scan dataset: %v", geocorr.ErrDatasetSource, err)
		}
		d, err := decodeDataset(id, name, schema, data)
		if err != nil {
			s.logger.Warn("dataset_decode_error", zap.String("dataset", id), zap.Error(err))
			continue
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate datasets: %v", geocorr.ErrDatasetSource, err)
	}
	return out, nil
}

// GetDataset returns one dataset, or nil when the id is unknown.
func (s *Store) GetDataset(ctx context.Context, id string) (*geocorr.Dataset, error) {
	var (
		rid, name    string
		schema, data []byte
	)
	err := s.db.QueryRowContext(ctx, getQuery, id).Scan(&rid, &name, &schema, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get dataset %s: %v", geocorr.ErrDatasetSource, id, err)
	}
	d, err := decodeDataset(rid, name, schema, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", geocorr.ErrDatasetSource, err)
	}
	return &d, nil
}

// decodeDataset decodes the jsonb columns. NULL columns decode to empty.
func decodeDataset(id, name string, schema, data []byte) (geocorr.Dataset, error) {
	d := geocorr.Dataset{ID: id, Name: name}
	if len(schema) > 0 {
		if err := json.Unmarshal(schema, &d.Schema); err != nil {
			return d, fmt.Errorf("decode schema_definition: %w", err)
		}
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &d.Rows); err != nil {
			return d, fmt.Errorf("decode json_data: %w", err)
		}
	}
	return d, nil
}
