package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/davehorton/drachtio-simple-server/internal/model"
	"github.com/davehorton/drachtio-simple-server/internal/store"
)

// subscriptionColumns is the column list used for SELECT statements on subscriptions.
const subscriptionColumns = `key, subscriber, resource, event_type, sub_id, dialog_id, accept, expires, expires_at`

// queryUpsertSubscription writes rec with a fresh TTL. An expired row for
// the same dialog is overwritten. rec.Expires and rec.ExpiresAt are set
// from the stored values.
func queryUpsertSubscription(ctx context.Context, db executor, rec *model.Subscription, ttl time.Duration) error {
	rec.Expires = int(ttl / time.Second)
	return db.QueryRowContext(ctx, `
		INSERT INTO subscriptions (key, subscriber, resource, event_type, sub_id, dialog_id, accept, expires, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now() + make_interval(secs => $9))
		ON CONFLICT (subscriber, resource, event_type, dialog_id) DO UPDATE SET
			key = EXCLUDED.key,
			sub_id = EXCLUDED.sub_id,
			accept = EXCLUDED.accept,
			expires = EXCLUDED.expires,
			expires_at = EXCLUDED.expires_at
		RETURNING expires_at`,
		rec.Key, rec.Subscriber, rec.Resource, rec.EventType, rec.ID, rec.DialogID,
		rec.Accept, rec.Expires, ttl.Seconds(),
	).Scan(&rec.ExpiresAt)
}

// queryDeleteSubscription removes a subscription by key, or by its dialog
// lookup tuple when the key is unknown. It returns the deleted key, or ""
// when nothing matched.
func queryDeleteSubscription(ctx context.Context, db executor, sub *model.Subscription) (string, error) {
	var row *sql.Row
	if sub.Key != "" {
		row = db.QueryRowContext(ctx, `DELETE FROM subscriptions WHERE key = $1 RETURNING key`, sub.Key)
	} else {
		row = db.QueryRowContext(ctx, `
			DELETE FROM subscriptions
			WHERE subscriber = $1 AND resource = $2 AND event_type = $3 AND dialog_id = $4
			RETURNING key`,
			sub.Subscriber, sub.Resource, sub.EventType, sub.DialogID,
		)
	}
	var key string
	if err := row.Scan(&key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return key, nil
}

func queryFindSubscriptions(ctx context.Context, db executor, resource, eventType string) ([]*model.Subscription, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE resource = $1 AND event_type = $2 AND expires_at > now()
		ORDER BY key`,
		resource, eventType,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// queryFindSubscription looks one subscription up by subscriber, resource,
// event and either sub_id or dialog_id, named by column.
func queryFindSubscription(ctx context.Context, db executor, column, subscriber, resource, eventType, value string) (*model.Subscription, error) {
	if column != "sub_id" && column != "dialog_id" {
		return nil, errors.New("postgres: invalid subscription lookup column " + column)
	}
	row := db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE subscriber = $1 AND resource = $2 AND event_type = $3 AND `+column+` = $4
			AND expires_at > now()
		LIMIT 1`,
		subscriber, resource, eventType, value,
	)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return sub, nil
}
