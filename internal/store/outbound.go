package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/courierim/courier/internal/send"
	"github.com/courierim/courier/internal/wire"
)

// PutMessages upserts the records under their current local ids.
func (s *Store) PutMessages(ctx context.Context, recs ...*send.Record) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rec := range recs {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %d: %w", rec.LocalID, err)
		}
		batch.Queue(`
			INSERT INTO outbound_messages
				(local_id, random_id, dialog, state, group_id, scheduled, schedule_at, record, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
			ON CONFLICT (local_id) DO UPDATE SET
				state = EXCLUDED.state,
				scheduled = EXCLUDED.scheduled,
				schedule_at = EXCLUDED.schedule_at,
				record = EXCLUDED.record,
				updated_at = now()`,
			rec.LocalID, rec.RandomID, rec.Dialog, string(rec.State),
			rec.GroupID, rec.Scheduled, nullTime(rec.ScheduleAt), raw,
		)
	}
	res := s.pool.SendBatch(ctx, batch)
	defer res.Close()
	for range recs {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("put messages: %w", err)
		}
	}
	return nil
}

// Confirm re-keys the row from its provisional id onto the server id and
// stores the reconciled record.
func (s *Store) Confirm(ctx context.Context, oldID int64, rec *send.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %d: %w", rec.LocalID, err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbound_messages
		SET local_id = $2, state = $3, scheduled = FALSE, record = $4, updated_at = now()
		WHERE local_id = $1`,
		oldID, rec.LocalID, string(rec.State), raw,
	)
	if err != nil {
		return fmt.Errorf("confirm message %d: %w", oldID, err)
	}
	if tag.RowsAffected() == 0 {
		// Insert rather than lose the confirmation when the provisional row
		// never made it to disk.
		return s.PutMessages(ctx, rec)
	}
	return nil
}

// MarkSendError flips the row into the error state.
func (s *Store) MarkSendError(ctx context.Context, id int64, code string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbound_messages
		SET state = 'error',
		    record = jsonb_set(jsonb_set(record, '{state}', '"error"'), '{error_code}', to_jsonb($2::text)),
		    updated_at = now()
		WHERE local_id = $1`,
		id, code,
	)
	if err != nil {
		return fmt.Errorf("mark send error %d: %w", id, err)
	}
	return nil
}

// DeleteMessages removes the rows.
func (s *Store) DeleteMessages(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM outbound_messages WHERE local_id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// GetUnsent returns up to limit unconfirmed records, in allocation order.
func (s *Store) GetUnsent(ctx context.Context, limit int) ([]*send.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT record FROM outbound_messages
		WHERE state IN ('sending', 'error') OR scheduled
		ORDER BY local_id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("load unsent: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// TakeDueScheduled atomically claims up to limit scheduled records whose time
// has passed, flipping them live so a second promoter cannot claim them again.
func (s *Store) TakeDueScheduled(ctx context.Context, now time.Time, limit int) ([]*send.Record, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE outbound_messages
		SET scheduled = FALSE, updated_at = now()
		WHERE local_id IN (
			SELECT local_id FROM outbound_messages
			WHERE scheduled AND schedule_at <= $1
			ORDER BY schedule_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING record`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("take due scheduled: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// SmallestLocalID returns the most negative persisted id, or zero when no
// provisional rows exist.
func (s *Store) SmallestLocalID(ctx context.Context) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MIN(local_id), 0) FROM outbound_messages WHERE local_id < 0`,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("smallest local id: %w", err)
	}
	return id, nil
}

// Lookup returns the cached server-side media for key, or nil when unknown.
func (s *Store) Lookup(ctx context.Context, key string) (*wire.RemoteMedia, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT media FROM media_cache WHERE cache_key = $1`, key,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	var media wire.RemoteMedia
	if err := json.Unmarshal(raw, &media); err != nil {
		return nil, fmt.Errorf("decode cached media: %w", err)
	}
	return &media, nil
}

// Store upserts the cached media under key.
func (s *Store) Store(ctx context.Context, key string, remote wire.RemoteMedia) error {
	raw, err := json.Marshal(remote)
	if err != nil {
		return fmt.Errorf("encode cached media: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO media_cache (cache_key, media) VALUES ($1, $2)
		ON CONFLICT (cache_key) DO UPDATE SET media = EXCLUDED.media`,
		key, raw,
	); err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return nil
}

func scanRecords(rows pgx.Rows) ([]*send.Record, error) {
	var out []*send.Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec := &send.Record{}
		if err := json.Unmarshal(raw, rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
