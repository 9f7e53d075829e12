package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const createSegmentsTable = `
CREATE TABLE IF NOT EXISTS segments (
	id         BIGSERIAL PRIMARY KEY,
	camera_id  BIGINT      NOT NULL,
	start_date TIMESTAMPTZ NOT NULL,
	end_date   TIMESTAMPTZ NOT NULL,
	file       TEXT        NOT NULL
);
CREATE INDEX IF NOT EXISTS segments_camera_start ON segments (camera_id, start_date);
`

// PGStore keeps segments in a PostgreSQL table.
type PGStore struct {
	db *sql.DB
}

// OpenPostgres connects to dsn, verifies the connection and creates the
// segments table if needed.
func OpenPostgres(ctx context.Context, dsn string) (*PGStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PGStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the schema if it does not exist.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createSegmentsTable); err != nil {
		return fmt.Errorf("create segments table: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) Create(ctx context.Context, seg Segment) (Segment, error) {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO segments (camera_id, start_date, end_date, file) VALUES ($1, $2, $3, $4) RETURNING id`,
		seg.CameraID, seg.Start, seg.End, seg.Path,
	).Scan(&seg.ID)
	if err != nil {
		return Segment{}, fmt.Errorf("insert segment: %w", err)
	}
	return seg, nil
}

func (s *PGStore) List(ctx context.Context) ([]Segment, error) {
	return s.query(ctx,
		`SELECT id, camera_id, start_date, end_date, file FROM segments ORDER BY camera_id, start_date, id`)
}

func (s *PGStore) ListCamera(ctx context.Context, cameraID int64) ([]Segment, error) {
	return s.query(ctx,
		`SELECT id, camera_id, start_date, end_date, file FROM segments WHERE camera_id = $1 ORDER BY start_date, id`,
		cameraID)
}

func (s *PGStore) Delete(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM segments WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return fmt.Errorf("delete segments: %w", err)
	}
	return nil
}

func (s *PGStore) query(ctx context.Context, q string, args ...any) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.ID, &seg.CameraID, &seg.Start, &seg.End, &seg.Path); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}
