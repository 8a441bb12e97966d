package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const leaseColumns = `canvas_id, holder_id, holder_name, acquired_at, last_heartbeat_at`

func scanLease(row rowScanner) (Lease, error) {
	var l Lease
	err := row.Scan(&l.CanvasID, &l.HolderID, &l.HolderName, &l.AcquiredAt, &l.LastHeartbeatAt)
	return l, err
}

// AcquireLease grants the canvas lease to holderID when it is free, expired
// or already theirs. Otherwise the live lease of the other holder is returned
// with granted false.
func (s *PostgresStore) AcquireLease(ctx context.Context, canvasID, holderID, holderName string, ttl time.Duration) (Lease, bool, error) {
	lease, err := scanLease(s.db.QueryRow(ctx, `
		INSERT INTO edit_sessions (canvas_id, holder_id, holder_name, acquired_at, last_heartbeat_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (canvas_id) DO UPDATE SET
			holder_id = EXCLUDED.holder_id,
			holder_name = EXCLUDED.holder_name,
			acquired_at = CASE WHEN edit_sessions.holder_id = EXCLUDED.holder_id
				THEN edit_sessions.acquired_at ELSE NOW() END,
			last_heartbeat_at = NOW()
		WHERE edit_sessions.holder_id = EXCLUDED.holder_id
			OR edit_sessions.last_heartbeat_at < NOW() - make_interval(secs => $4)
		RETURNING `+leaseColumns,
		canvasID, holderID, holderName, ttl.Seconds()))
	if err == nil {
		return lease, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Lease{}, false, fmt.Errorf("acquire lease: %w", err)
	}

	current, ok, err := s.CurrentLease(ctx, canvasID, ttl)
	if err != nil {
		return Lease{}, false, err
	}
	if !ok {
		// the other holder released between the two statements
		return s.AcquireLease(ctx, canvasID, holderID, holderName, ttl)
	}
	return current, false, nil
}

// HeartbeatLease renews the lease. It reports false when holderID no longer
// holds a live lease.
func (s *PostgresStore) HeartbeatLease(ctx context.Context, canvasID, holderID string, ttl time.Duration) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE edit_sessions
		SET last_heartbeat_at = NOW()
		WHERE canvas_id = $1 AND holder_id = $2
			AND last_heartbeat_at >= NOW() - make_interval(secs => $3)
	`, canvasID, holderID, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("heartbeat lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, canvasID, holderID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM edit_sessions WHERE canvas_id = $1 AND holder_id = $2`, canvasID, holderID); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// CurrentLease returns the live lease of the canvas, if any.
func (s *PostgresStore) CurrentLease(ctx context.Context, canvasID string, ttl time.Duration) (Lease, bool, error) {
	lease, err := scanLease(s.db.QueryRow(ctx, `
		SELECT `+leaseColumns+`
		FROM edit_sessions
		WHERE canvas_id = $1 AND last_heartbeat_at >= NOW() - make_interval(secs => $2)
	`, canvasID, ttl.Seconds()))
	if errors.Is(err, pgx.ErrNoRows) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("read lease: %w", err)
	}
	return lease, true, nil
}
