// Package replay re-feeds captured raw envelopes from one database
// through the ingest path into a live store. Useful for rebuilding a
// corrupted database or testing estimator changes against real traffic.
package replay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"meshmon/internal/decode"
	"meshmon/internal/hop"
	"meshmon/internal/mqtt"
	"meshmon/internal/pipeline"
	"meshmon/internal/storage"
	_ "modernc.org/sqlite"
)

// Options selects which rows to replay from the source database.
type Options struct {
	StartID int64
	EndID   int64
	Limit   int
}

// ReplaySQLite reads raw envelope payloads from the messages table of
// the source database and replays them through the decoder into the
// estimator and store. Rows captured without store_raw_payload are
// skipped.
func ReplaySQLite(ctx context.Context, sourcePath string, decoder decode.Decoder, estimator *hop.Estimator, store *storage.Store, opts Options) (int, error) {
	if sourcePath == "" {
		return 0, errors.New("replay: source sqlite path must be provided")
	}
	if decoder == nil {
		return 0, errors.New("replay: decoder must not be nil")
	}
	if estimator == nil {
		return 0, errors.New("replay: estimator must not be nil")
	}
	if store == nil {
		return 0, errors.New("replay: store must not be nil")
	}

	db, err := sql.Open("sqlite", sourcePath)
	if err != nil {
		return 0, fmt.Errorf("replay: open source sqlite: %w", err)
	}
	defer db.Close()

	query, args := buildQuery(opts)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("replay: query messages: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			id         int64
			payload    []byte
			receivedAt sql.NullFloat64
		)
		if err := rows.Scan(&id, &payload, &receivedAt); err != nil {
			return count, fmt.Errorf("replay: scan row: %w", err)
		}
		if len(payload) == 0 {
			continue
		}

		msg := mqtt.Message{
			Topic:   "replay",
			Payload: append([]byte(nil), payload...),
			Time:    fromSeconds(receivedAt),
		}

		packet, err := decoder.Decode(ctx, msg)
		if err != nil {
			return count, fmt.Errorf("replay: decode message id %d: %w", id, err)
		}

		pipeline.Apply(packet, estimator, store)
		count++

		select {
		case <-ctx.Done():
			return count, ctx.Err()
		default:
		}
	}

	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("replay: iterate rows: %w", err)
	}

	return count, nil
}

func buildQuery(opts Options) (string, []any) {
	query := `SELECT id, raw_data, received_at FROM messages WHERE raw_data IS NOT NULL AND raw_data != ''`

	args := make([]any, 0, 3)
	if opts.StartID > 0 {
		query += ` AND id >= ?`
		args = append(args, opts.StartID)
	}
	if opts.EndID > 0 {
		query += ` AND id <= ?`
		args = append(args, opts.EndID)
	}

	query += ` ORDER BY id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	return query, args
}

func fromSeconds(v sql.NullFloat64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, int64(v.Float64*float64(time.Second))).UTC()
}
