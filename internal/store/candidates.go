package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertCandidate records a probed CRF. Repeating a CRF for the same video
// updates the existing row; a zero predicted size never overwrites a known one.
func (s *Store) UpsertCandidate(ctx context.Context, c Candidate) (*Candidate, error) {
	if c.VideoID <= 0 {
		return nil, errors.New("candidate video id is required")
	}
	crf := RoundCRF(c.CRF)
	now := nowString()
	_, err := s.execWithRetry(ctx,
		`INSERT INTO candidates (
            video_id, crf, score, predicted_size, percent, time_estimate, args, preset, target,
            chosen, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
        ON CONFLICT(video_id, crf) DO UPDATE SET
            score = excluded.score,
            predicted_size = CASE WHEN excluded.predicted_size > 0 THEN excluded.predicted_size ELSE candidates.predicted_size END,
            percent = CASE WHEN excluded.percent > 0 THEN excluded.percent ELSE candidates.percent END,
            time_estimate = COALESCE(excluded.time_estimate, candidates.time_estimate),
            args = COALESCE(excluded.args, candidates.args),
            preset = excluded.preset,
            target = excluded.target,
            updated_at = excluded.updated_at`,
		c.VideoID, crf, c.Score, c.PredictedSize, c.Percent, nullableString(c.TimeEstimate),
		encodeStrings(c.Args), nullableString(c.Preset), c.Target, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert candidate: %w", err)
	}
	return s.CandidateByCRF(ctx, c.VideoID, crf)
}

// ListCandidates returns every candidate of a video ordered by CRF.
func (s *Store) ListCandidates(ctx context.Context, videoID int64) ([]*Candidate, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+candidateColumns+` FROM candidates WHERE video_id = ? ORDER BY crf`, videoID)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var out []*Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCandidate fetches a candidate by identifier.
func (s *Store) GetCandidate(ctx context.Context, id int64) (*Candidate, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+candidateColumns+` FROM candidates WHERE id = ?`, id)
	c, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get candidate: %w", err)
	}
	return c, nil
}

// CandidateByCRF fetches the candidate for a specific CRF value.
func (s *Store) CandidateByCRF(ctx context.Context, videoID int64, crf float64) (*Candidate, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+candidateColumns+` FROM candidates WHERE video_id = ? AND crf = ?`, videoID, RoundCRF(crf))
	c, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("candidate by crf: %w", err)
	}
	return c, nil
}

// ChooseCandidate marks the candidate at crf as chosen and moves the video
// from one state to another in a single transaction. When the video is no
// longer in the expected state nothing changes and ok is false. A missing
// candidate row is created from fallback. Open search attempt failures are
// resolved with the choice.
func (s *Store) ChooseCandidate(ctx context.Context, videoID int64, fallback Candidate, from, to State) (*Candidate, bool, error) {
	crf := RoundCRF(fallback.CRF)
	var chosenID int64
	var ok bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ok = false
		now := nowString()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO candidates (
                video_id, crf, score, predicted_size, percent, time_estimate, args, preset, target,
                chosen, created_at, updated_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
            ON CONFLICT(video_id, crf) DO NOTHING`,
			videoID, crf, fallback.Score, fallback.PredictedSize, fallback.Percent,
			nullableString(fallback.TimeEstimate), encodeStrings(fallback.Args),
			nullableString(fallback.Preset), fallback.Target, now, now,
		); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM candidates WHERE video_id = ? AND crf = ?`, videoID, crf,
		).Scan(&chosenID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE videos SET chosen_candidate_id = ?, state = ?, updated_at = ? WHERE id = ? AND state = ?`,
			chosenID, to, now, videoID, from,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return errLostRace
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE candidates SET chosen = 0 WHERE video_id = ? AND chosen = 1`, videoID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE candidates SET chosen = 1, updated_at = ? WHERE id = ?`, now, chosenID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE failures SET resolved = 1 WHERE video_id = ? AND stage = ? AND resolved = 0`,
			videoID, StageCRFSearch); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if errors.Is(err, errLostRace) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("choose candidate: %w", err)
	}
	c, err := s.GetCandidate(ctx, chosenID)
	if err != nil {
		return nil, false, err
	}
	return c, ok, nil
}

// DeleteCandidatesWithoutPreset removes candidates probed with a different
// preset so a preset retry starts from a clean slate. The chosen candidate
// is kept.
func (s *Store) DeleteCandidatesWithoutPreset(ctx context.Context, videoID int64, preset string) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`DELETE FROM candidates WHERE video_id = ? AND chosen = 0 AND IFNULL(preset, '') != ?`,
		videoID, preset,
	)
	if err != nil {
		return 0, fmt.Errorf("delete candidates: %w", err)
	}
	return res.RowsAffected()
}

var errLostRace = errors.New("video state changed")
