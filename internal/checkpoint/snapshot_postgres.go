package checkpoint

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crawlforge/crawlforge/coordinator"
)

// PostgresSnapshotStore holds the durable system of record for checkpoint
// snapshots, matching control_plane/store/postgres.go's pgxpool.Pool +
// UPSERT convention.
type PostgresSnapshotStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSnapshotStore connects to Postgres and verifies the
// connection, matching store.NewPostgresStore's Ping-after-connect.
func NewPostgresSnapshotStore(ctx context.Context, connString string) (*PostgresSnapshotStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresSnapshotStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresSnapshotStore) Close() {
	s.pool.Close()
}

func (s *PostgresSnapshotStore) Save(ctx context.Context, jobID string, snap *coordinator.CheckpointSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO checkpoint_snapshots (job_id, status, snapshot, last_persisted_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			snapshot = EXCLUDED.snapshot,
			last_persisted_at = NOW()
	`
	_, err = s.pool.Exec(ctx, query, jobID, string(snap.Status), payload)
	return err
}

func (s *PostgresSnapshotStore) Load(ctx context.Context, jobID string) (*coordinator.CheckpointSnapshot, error) {
	query := `SELECT snapshot FROM checkpoint_snapshots WHERE job_id = $1`
	var payload []byte
	err := s.pool.QueryRow(ctx, query, jobID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap coordinator.CheckpointSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
