package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/davehorton/drachtio-simple-server/internal/model"
	"github.com/davehorton/drachtio-simple-server/internal/store"
)

// stateColumns is the column list used for SELECT statements on event_states.
const stateColumns = `resource, event_type, etag, content_type, content, expires_at`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// stateContent carries the new body for a modify; nil means refresh.
type stateContent struct {
	contentType string
	content     []byte
}

func nextETag(ctx context.Context, db executor) (int64, error) {
	var n int64
	if err := db.QueryRowContext(ctx, `SELECT nextval('event_state_etag_seq')`).Scan(&n); err != nil {
		return 0, fmt.Errorf("next etag: %w", err)
	}
	return n, nil
}

func insertETag(ctx context.Context, db executor, n int64, resource, eventType string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO event_state_etags (etag, resource, event_type)
		VALUES ($1, $2, $3)`,
		n, resource, eventType,
	)
	return err
}

// queryPutEventState must run inside a transaction.
func queryPutEventState(ctx context.Context, db executor, resource, eventType string, ttl time.Duration, contentType string, content []byte) (*model.EventState, error) {
	n, err := nextETag(ctx, db)
	if err != nil {
		return nil, err
	}

	// Any previous index entry for this state, live or dangling, is replaced.
	if _, err := db.ExecContext(ctx, `
		DELETE FROM event_state_etags WHERE resource = $1 AND event_type = $2`,
		resource, eventType,
	); err != nil {
		return nil, err
	}

	st := &model.EventState{
		Resource:    resource,
		EventType:   eventType,
		ETag:        store.FormatETag(n),
		ContentType: contentType,
		Content:     content,
	}
	err = db.QueryRowContext(ctx, `
		INSERT INTO event_states (resource, event_type, etag, content_type, content, expires_at)
		VALUES ($1, $2, $3, $4, $5, now() + make_interval(secs => $6))
		ON CONFLICT (resource, event_type) DO UPDATE SET
			etag = EXCLUDED.etag,
			content_type = EXCLUDED.content_type,
			content = EXCLUDED.content,
			expires_at = EXCLUDED.expires_at
		RETURNING expires_at`,
		resource, eventType, n, contentType, content, ttl.Seconds(),
	).Scan(&st.ExpiresAt)
	if err != nil {
		return nil, err
	}

	if err := insertETag(ctx, db, n, resource, eventType); err != nil {
		return nil, err
	}
	return st, nil
}

func queryGetEventState(ctx context.Context, db executor, resource, eventType string) (*model.EventState, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+stateColumns+` FROM event_states
		WHERE resource = $1 AND event_type = $2 AND expires_at > now()`,
		resource, eventType,
	)
	return scanEventStateRow(row)
}

func queryGetEventStateByETag(ctx context.Context, db executor, n int64) (*model.EventState, error) {
	row := db.QueryRowContext(ctx, `
		SELECT s.resource, s.event_type, s.etag, s.content_type, s.content, s.expires_at
		FROM event_state_etags e
		JOIN event_states s
			ON s.resource = e.resource AND s.event_type = e.event_type AND s.etag = e.etag
		WHERE e.etag = $1 AND s.expires_at > now()`,
		n,
	)
	return scanEventStateRow(row)
}

// queryRotateEventState replaces the etag of a live state, provided it
// still carries old, and swaps the index entry. It must run inside a
// transaction. The conditional UPDATE takes the row lock, so of two
// concurrent rotations with the same old etag only one matches.
func queryRotateEventState(ctx context.Context, db executor, resource, eventType string, old int64, ttl time.Duration, c *stateContent) (int64, error) {
	n, err := nextETag(ctx, db)
	if err != nil {
		return 0, err
	}

	var res sql.Result
	if c == nil {
		res, err = db.ExecContext(ctx, `
			UPDATE event_states
			SET etag = $1, expires_at = now() + make_interval(secs => $2)
			WHERE resource = $3 AND event_type = $4 AND etag = $5 AND expires_at > now()`,
			n, ttl.Seconds(), resource, eventType, old,
		)
	} else {
		res, err = db.ExecContext(ctx, `
			UPDATE event_states
			SET etag = $1, expires_at = now() + make_interval(secs => $2),
				content_type = $3, content = $4
			WHERE resource = $5 AND event_type = $6 AND etag = $7 AND expires_at > now()`,
			n, ttl.Seconds(), c.contentType, c.content, resource, eventType, old,
		)
	}
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, store.ErrNotFound
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM event_state_etags WHERE etag = $1`, old); err != nil {
		return 0, err
	}
	if err := insertETag(ctx, db, n, resource, eventType); err != nil {
		return 0, err
	}
	return n, nil
}

// queryRemoveEventState must run inside a transaction.
func queryRemoveEventState(ctx context.Context, db executor, n int64) (string, error) {
	var resource string
	err := db.QueryRowContext(ctx, `
		DELETE FROM event_states s
		USING event_state_etags e
		WHERE e.etag = $1
			AND s.resource = e.resource AND s.event_type = e.event_type AND s.etag = e.etag
			AND s.expires_at > now()
		RETURNING s.resource`,
		n,
	).Scan(&resource)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", store.ErrNotFound
		}
		return "", err
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM event_state_etags WHERE etag = $1`, n); err != nil {
		return "", err
	}
	return resource, nil
}

func queryListEventStates(ctx context.Context, db executor) ([]*model.EventState, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+stateColumns+` FROM event_states
		WHERE expires_at > now()
		ORDER BY resource, event_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*model.EventState
	for rows.Next() {
		st, err := scanEventState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// queryReapExpired must run inside a transaction. The existence check and
// the delete are one statement, so an index entry whose state was
// recreated in the meantime is never removed.
func queryReapExpired(ctx context.Context, db executor) (int, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM event_state_etags e
		WHERE NOT EXISTS (
			SELECT 1 FROM event_states s
			WHERE s.resource = e.resource AND s.event_type = e.event_type
				AND s.etag = e.etag AND s.expires_at > now()
		)`)
	if err != nil {
		return 0, err
	}
	reaped, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM event_states WHERE expires_at <= now()`); err != nil {
		return 0, err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM subscriptions WHERE expires_at <= now()`); err != nil {
		return 0, err
	}
	return int(reaped), nil
}

func queryCount(ctx context.Context, db executor, query string) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
