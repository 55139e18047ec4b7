package postgres

import (
	"database/sql"
	"errors"

	"github.com/davehorton/drachtio-simple-server/internal/model"
	"github.com/davehorton/drachtio-simple-server/internal/store"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanEventState scans a single row into a model.EventState.
// The row must contain columns in the order defined by stateColumns.
func scanEventState(row scannable) (*model.EventState, error) {
	var (
		st   model.EventState
		etag int64
	)
	if err := row.Scan(&st.Resource, &st.EventType, &etag, &st.ContentType, &st.Content, &st.ExpiresAt); err != nil {
		return nil, err
	}
	st.ETag = store.FormatETag(etag)
	return &st, nil
}

// scanEventStateRow is scanEventState for single-row lookups, mapping
// sql.ErrNoRows to store.ErrNotFound.
func scanEventStateRow(row scannable) (*model.EventState, error) {
	st, err := scanEventState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return st, err
}

// scanSubscription scans a single row into a model.Subscription.
// The row must contain columns in the order defined by subscriptionColumns.
func scanSubscription(row scannable) (*model.Subscription, error) {
	var sub model.Subscription
	err := row.Scan(
		&sub.Key,
		&sub.Subscriber,
		&sub.Resource,
		&sub.EventType,
		&sub.ID,
		&sub.DialogID,
		&sub.Accept,
		&sub.Expires,
		&sub.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
