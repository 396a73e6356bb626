package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"

	"dataset-trainer-go/internal/config"
)

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PGVector 基于 PostgreSQL pgvector 扩展的向量索引，使用 HNSW 余弦索引。
type PGVector struct {
	db    *sql.DB
	table string
	dim   int
}

func NewPGVector(ctx context.Context, cfg config.PGVectorConfig, dim int) (*PGVector, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("pgvector.url is empty")
	}
	if !identPattern.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid pgvector table name %q", cfg.Table)
	}
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open pgvector: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	p := &PGVector{db: db, table: cfg.Table, dim: dim}
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *PGVector) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id varchar(36) PRIMARY KEY,
			team_id varchar(36) NOT NULL,
			dataset_id varchar(36) NOT NULL,
			collection_id varchar(36) NOT NULL,
			data_id varchar(36) NOT NULL,
			vector vector(%d) NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		)`, p.table, p.dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_vector_idx ON %s USING hnsw (vector vector_cosine_ops)`, p.table, p.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_team_dataset_idx ON %s (team_id, dataset_id)`, p.table, p.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_collection_idx ON %s (team_id, collection_id)`, p.table, p.table),
	}
	for _, s := range stmts {
		if _, err := p.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("pgvector migrate: %w", err)
		}
	}
	return nil
}

func (p *PGVector) Upsert(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	if err := checkRows(p.dim, rows); err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`
		INSERT INTO %s (id, team_id, dataset_id, collection_id, data_id, vector)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET vector = EXCLUDED.vector, data_id = EXCLUDED.data_id, collection_id = EXCLUDED.collection_id
	`, p.table)
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.TeamID, r.DatasetID, r.CollectionID, r.DataID, pgvector.NewVector(r.Vector),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (p *PGVector) DeleteByIDs(ctx context.Context, teamID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE team_id = $1 AND id = ANY($2)`, p.table)
	_, err := p.db.ExecContext(ctx, q, teamID, ids)
	return err
}

func (p *PGVector) DeleteByCollections(ctx context.Context, teamID string, collectionIDs []string) error {
	if len(collectionIDs) == 0 {
		return nil
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE team_id = $1 AND collection_id = ANY($2)`, p.table)
	_, err := p.db.ExecContext(ctx, q, teamID, collectionIDs)
	return err
}

func (p *PGVector) Search(ctx context.Context, vector []float32, topK int, f Filter) ([]Hit, error) {
	if len(f.DatasetIDs) == 0 {
		return nil, nil
	}
	args := []any{pgvector.NewVector(vector), f.TeamID, f.DatasetIDs}
	where := `team_id = $2 AND dataset_id = ANY($3)`
	if len(f.CollectionIDs) > 0 {
		args = append(args, f.CollectionIDs)
		where += fmt.Sprintf(` AND collection_id = ANY($%d)`, len(args))
	}
	if len(f.ExcludeCollectionIDs) > 0 {
		args = append(args, f.ExcludeCollectionIDs)
		where += fmt.Sprintf(` AND NOT (collection_id = ANY($%d))`, len(args))
	}
	args = append(args, topK)
	q := fmt.Sprintf(`
		SELECT id, data_id, collection_id, dataset_id, 1 - (vector <=> $1) AS score
		FROM %s
		WHERE %s
		ORDER BY vector <=> $1
		LIMIT $%d
	`, p.table, where, len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ID, &h.DataID, &h.CollectionID, &h.DatasetID, &h.Score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sortHits(hits, topK), nil
}

func (p *PGVector) List(ctx context.Context, datasetID, afterID string, limit int) ([]Ref, error) {
	q := fmt.Sprintf(`SELECT id, data_id, collection_id FROM %s WHERE dataset_id = $1 AND id > $2 ORDER BY id ASC LIMIT $3`, p.table)
	rows, err := p.db.QueryContext(ctx, q, datasetID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []Ref
	for rows.Next() {
		var r Ref
		if err := rows.Scan(&r.ID, &r.DataID, &r.CollectionID); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func (p *PGVector) Close() error {
	return p.db.Close()
}
