package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// NewFailure describes a failure record to append.
type NewFailure struct {
	VideoID   int64
	Stage     Stage
	Category  string
	Code      string
	Message   string
	Context   map[string]any
	Signature string
}

// Signature derives a stable deduplication key from the failure's identity.
func Signature(videoID int64, stage Stage, parts ...string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s", videoID, stage)
	for _, p := range parts {
		h.Write([]byte("|"))
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (f NewFailure) signature() string {
	if strings.TrimSpace(f.Signature) != "" {
		return f.Signature
	}
	return Signature(f.VideoID, f.Stage, f.Category, f.Code, f.Message)
}

func (f NewFailure) contextJSON() any {
	if len(f.Context) == 0 {
		return nil
	}
	data, err := json.Marshal(f.Context)
	if err != nil {
		return nil
	}
	return string(data)
}

const insertFailureSQL = `INSERT OR IGNORE INTO failures (
    video_id, stage, category, code, message, context, signature, resolved, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`

// InsertFailure appends a failure record without touching the video state.
// A duplicate signature is ignored and reported as false.
func (s *Store) InsertFailure(ctx context.Context, f NewFailure) (bool, error) {
	res, err := s.execWithRetry(ctx, insertFailureSQL,
		f.VideoID, f.Stage, f.Category, nullableString(f.Code), nullableString(f.Message),
		f.contextJSON(), f.signature(), nowString(),
	)
	if err != nil {
		return false, fmt.Errorf("insert failure: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// FailVideo moves a non-terminal video to failed and appends the failure
// record in the same transaction. Terminal videos are left untouched and
// no record is written.
func (s *Store) FailVideo(ctx context.Context, f NewFailure) (bool, error) {
	var failed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		failed = false
		now := nowString()
		res, err := tx.ExecContext(ctx,
			`UPDATE videos SET state = ?, updated_at = ? WHERE id = ? AND state NOT IN (?, ?)`,
			StateFailed, now, f.VideoID, StateEncoded, StateFailed,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, insertFailureSQL,
			f.VideoID, f.Stage, f.Category, nullableString(f.Code), nullableString(f.Message),
			f.contextJSON(), f.signature(), now,
		); err != nil {
			return err
		}
		failed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("fail video: %w", err)
	}
	return failed, nil
}

// ListFailures returns the failure history of a video, oldest first.
func (s *Store) ListFailures(ctx context.Context, videoID int64) ([]*Failure, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+failureColumns+` FROM failures WHERE video_id = ? ORDER BY id`, videoID)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var out []*Failure
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// LatestFailure returns the most recent failure of a video, or nil.
func (s *Store) LatestFailure(ctx context.Context, videoID int64) (*Failure, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+failureColumns+` FROM failures WHERE video_id = ? ORDER BY id DESC LIMIT 1`, videoID)
	f, err := scanFailure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest failure: %w", err)
	}
	return f, nil
}
