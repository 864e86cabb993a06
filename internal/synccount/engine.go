// Package synccount implements the per-object-class sync counter protocol.
//
// Each upload reserves a session row in sync_count and receives the
// auto-assigned, monotonically increasing sync count for its class. Downloads
// are bounded by the committed watermark: the largest count v such that every
// session at or below v is committed. The watermark is computed as
// min(uncommitted)-1 when uncommitted sessions exist, else max(all), else 0,
// so a download can never observe a row whose writer has not yet committed.
package synccount

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tuckersync/syncserver/internal/db"
	"github.com/tuckersync/syncserver/internal/metrics"
)

// Engine coordinates sync-count sessions. It is stateless between requests;
// all session state lives in the sync_count table.
type Engine struct {
	// Window bounds how far a session's created_at may drift from the
	// database clock before the session is considered abandoned. All time
	// arithmetic runs in SQL against the database clock.
	Window time.Duration
}

const reapExpiredSQL = `
	UPDATE sync_count
	SET is_committed = TRUE
	WHERE object_class = $1
	  AND is_committed = FALSE
	  AND (created_at < now() - make_interval(secs => $2)
	    OR created_at > now() + make_interval(secs => $3))
`

// ReapExpired promotes abandoned sessions for the class to committed so the
// watermark can move past them. Returns the number of sessions reaped.
func (e *Engine) ReapExpired(ctx context.Context, q db.Querier, objectClass string) (int64, error) {
	secs := e.Window.Seconds()
	ct, err := q.Exec(ctx, reapExpiredSQL, objectClass, secs, secs)
	if err != nil {
		return 0, fmt.Errorf("reap expired sessions: %w", err)
	}

	if n := ct.RowsAffected(); n > 0 {
		log.Warn().Str("object_class", objectClass).Int64("reaped", n).
			Msg("expired sync sessions marked committed")
		metrics.SessionsReaped.WithLabelValues(objectClass).Add(float64(n))
		return n, nil
	}
	return 0, nil
}

// Reserve allocates a new session sync count for the class.
//
// The sequence is deliberate and must stay in this order:
//
//  1. Reap expired sessions (own transaction).
//  2. Insert the session row; the count comes back via RETURNING, never by
//     reading the table.
//  3. Commit the insert on its own. Holding the insert uncommitted through
//     step 4 makes the trailing delete a serialization point: parallel
//     reservations for the class block on each other's row locks.
//  4. Delete lower committed rows for the class (trailing cleanup). Lower
//     uncommitted rows survive, which is what keeps the watermark honest for
//     in-flight sessions.
//  5. Commit the cleanup.
func (e *Engine) Reserve(ctx context.Context, conn db.Beginner, objectClass string) (int64, error) {
	if _, err := e.ReapExpired(ctx, conn, objectClass); err != nil {
		return 0, err
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}

	var syncCount int64
	err = tx.QueryRow(ctx,
		`INSERT INTO sync_count (object_class) VALUES ($1) RETURNING sync_count`,
		objectClass).Scan(&syncCount)
	if err != nil {
		tx.Rollback(ctx)
		return 0, fmt.Errorf("insert session: %w", err)
	}

	// Step 3: the insert commits before the cleanup starts.
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}

	tx, err = conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin cleanup: %w", err)
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM sync_count
		WHERE object_class = $1
		  AND sync_count < $2
		  AND is_committed = TRUE
	`, objectClass, syncCount)
	if err != nil {
		tx.Rollback(ctx)
		return 0, fmt.Errorf("trailing cleanup: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit cleanup: %w", err)
	}

	log.Debug().Str("object_class", objectClass).Int64("sync_count", syncCount).
		Msg("sync session reserved")
	metrics.SessionsReserved.WithLabelValues(objectClass).Inc()

	return syncCount, nil
}

// MarkCommitted flips the session to committed. Run it on the handler's data
// transaction so the flip is atomic with the data commit.
func (e *Engine) MarkCommitted(ctx context.Context, q db.Querier, syncCount int64) error {
	ct, err := q.Exec(ctx,
		`UPDATE sync_count SET is_committed = TRUE WHERE sync_count = $1`, syncCount)
	if err != nil {
		return fmt.Errorf("mark session committed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		// Reaped or expired out from under us; nothing left to flip.
		log.Warn().Int64("sync_count", syncCount).Msg("session row gone before commit mark")
	}
	return nil
}

// MarkCommittedRetry flips the session outside any data transaction. Called
// after a failed data transaction so the session does not pin the watermark
// until the expiry reaper catches it.
func (e *Engine) MarkCommittedRetry(ctx context.Context, q db.Querier, syncCount int64) {
	if err := e.MarkCommitted(ctx, q, syncCount); err != nil {
		log.Error().Err(err).Int64("sync_count", syncCount).
			Msg("out-of-band session commit mark failed; expiry reaping will recover")
	}
}

// The object class binds twice: the inner reference filters the uncommitted
// set, the outer the fallback max. They carry the same value but are
// semantically distinct filters; do not collapse them.
const committedSQL = `
	SELECT CASE
	  WHEN min(sync_count) IS NOT NULL THEN min(sync_count) - 1
	  ELSE (SELECT coalesce(max(sync_count), 0)
	        FROM sync_count
	        WHERE object_class = $2)
	END AS sync_count
	FROM sync_count
	WHERE object_class = $1
	  AND is_committed = FALSE
`

// Committed returns the committed watermark for the class in one round-trip.
func (e *Engine) Committed(ctx context.Context, q db.Querier, objectClass string) (int64, error) {
	var v int64
	err := q.QueryRow(ctx, committedSQL, objectClass, objectClass).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("committed sync count: %w", err)
	}
	return v, nil
}
