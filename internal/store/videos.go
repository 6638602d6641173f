package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// InsertVideo registers a path in needs_analysis. Existing paths are left
// untouched and reported with inserted=false.
func (s *Store) InsertVideo(ctx context.Context, path string) (*Video, bool, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false, errors.New("video path is empty")
	}
	now := nowString()
	res, err := s.execWithRetry(ctx,
		`INSERT OR IGNORE INTO videos (path, state, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		path, StateNeedsAnalysis, now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert video: %w", err)
	}
	affected, _ := res.RowsAffected()
	video, err := s.GetVideoByPath(ctx, path)
	if err != nil {
		return nil, false, err
	}
	return video, affected > 0, nil
}

// GetVideo fetches a video by identifier. Missing rows return nil, nil.
func (s *Store) GetVideo(ctx context.Context, id int64) (*Video, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+videoColumns+` FROM videos WHERE id = ?`, id)
	video, err := scanVideo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get video: %w", err)
	}
	return video, nil
}

// GetVideoByPath fetches a video by its file path.
func (s *Store) GetVideoByPath(ctx context.Context, path string) (*Video, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+videoColumns+` FROM videos WHERE path = ?`, path)
	video, err := scanVideo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get video by path: %w", err)
	}
	return video, nil
}

// ListVideos returns videos ordered by id, optionally filtered by state.
func (s *Store) ListVideos(ctx context.Context, filter ListFilter) ([]*Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos`
	args := make([]any, 0, len(filter.States)+1)
	if len(filter.States) > 0 {
		query += ` WHERE state IN (` + makePlaceholders(len(filter.States)) + `)`
		for _, st := range filter.States {
			args = append(args, st)
		}
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryVideos(ctx, query, args...)
}

// CountByState returns the number of videos in each state.
func (s *Store) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT state, COUNT(1) FROM videos GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count videos: %w", err)
	}
	defer rows.Close()

	counts := make(map[State]int, len(allStates))
	for rows.Next() {
		var (
			state string
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		counts[State(state)] = count
	}
	return counts, rows.Err()
}

// EligibleVideos returns up to limit videos ready for the given stage,
// oldest-updated first. Videos with an unresolved failure for that stage
// are excluded until requeued.
func (s *Store) EligibleVideos(ctx context.Context, stage Stage, limit int) ([]*Video, error) {
	if limit <= 0 {
		return nil, nil
	}
	var where string
	switch stage {
	case StageAnalysis:
		where = `v.state = 'needs_analysis'`
	case StageCRFSearch:
		where = `v.state = 'analyzed' AND v.chosen_candidate_id IS NULL`
	case StageEncode:
		where = `v.state = 'crf_searched' AND v.chosen_candidate_id IS NOT NULL`
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	query := `SELECT ` + prefixColumns("v", videoColumns) + ` FROM videos v
        WHERE ` + where + `
          AND NOT EXISTS (
            SELECT 1 FROM failures f
            WHERE f.video_id = v.id AND f.stage = ? AND f.resolved = 0
          )
        ORDER BY v.updated_at, v.id
        LIMIT ?`
	return s.queryVideos(ctx, query, stage, limit)
}

// TransitionState moves a video from one state to another only when it is
// still in the expected state. A false result means another writer won.
func (s *Store) TransitionState(ctx context.Context, id int64, from, to State) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE videos SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		to, nowString(), id, from,
	)
	if err != nil {
		return false, fmt.Errorf("transition video %d %s->%s: %w", id, from, to, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// CompleteAnalysis stores analysis metadata and moves the video to analyzed
// in a single conditional update.
func (s *Store) CompleteAnalysis(ctx context.Context, id int64, meta Metadata) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE videos SET
            size = ?, bitrate = ?, width = ?, height = ?, duration = ?, frame_rate = ?,
            video_codecs = ?, audio_codecs = ?, video_count = ?, audio_count = ?,
            max_audio_channels = ?, atmos = ?, hdr = ?, resolution = ?, title = ?,
            series_key = ?, season = ?, state = ?, updated_at = ?
         WHERE id = ? AND state = ?`,
		meta.Size, meta.Bitrate, meta.Width, meta.Height, meta.Duration, meta.FrameRate,
		encodeStrings(meta.VideoCodecs), encodeStrings(meta.AudioCodecs), meta.VideoCount, meta.AudioCount,
		meta.MaxAudioChannels, boolToInt(meta.Atmos), nullableString(meta.HDR), nullableString(meta.Resolution),
		nullableString(meta.Title), nullableString(meta.SeriesKey), meta.Season,
		StateAnalyzed, nowString(),
		id, StateNeedsAnalysis,
	)
	if err != nil {
		return false, fmt.Errorf("complete analysis: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// UpdateService records the upstream library manager owning the video.
func (s *Store) UpdateService(ctx context.Context, id int64, service, serviceID string) error {
	_, err := s.execWithRetry(ctx,
		`UPDATE videos SET service = ?, service_id = ? WHERE id = ?`,
		nullableString(service), nullableString(serviceID), id,
	)
	if err != nil {
		return fmt.Errorf("update service: %w", err)
	}
	return nil
}

// CompleteEncode records the encoded file and moves the video from encoding
// to encoded.
func (s *Store) CompleteEncode(ctx context.Context, id int64, newPath string, size int64) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE videos SET path = ?, size = ?, state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		newPath, size, StateEncoded, nowString(), id, StateEncoding,
	)
	if err != nil {
		return false, fmt.Errorf("complete encode: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DeleteVideo removes a video with its candidates and failures.
func (s *Store) DeleteVideo(ctx context.Context, id int64) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM videos WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete video: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// SeasonCRFs returns chosen CRF values of other videos in the same season group.
func (s *Store) SeasonCRFs(ctx context.Context, group SeasonGroup, excludeID int64) ([]float64, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT c.crf FROM videos v
         JOIN candidates c ON c.id = v.chosen_candidate_id
         WHERE v.series_key = ? AND v.season = ? AND IFNULL(v.resolution, '') = ? AND IFNULL(v.hdr, '') = ?
           AND v.id != ?
         ORDER BY v.id`,
		group.SeriesKey, group.Season, group.Resolution, group.HDR, excludeID,
	)
	if err != nil {
		return nil, fmt.Errorf("season crfs: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var crf float64
		if err := rows.Scan(&crf); err != nil {
			return nil, err
		}
		out = append(out, crf)
	}
	return out, rows.Err()
}

// ResetStuck returns videos left mid-stage by a crash to the state that
// makes them eligible again.
func (s *Store) ResetStuck(ctx context.Context) (int64, error) {
	var total int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		total = 0
		now := nowString()
		for _, reset := range []struct {
			from, to State
			stage    Stage
		}{
			{StateCRFSearching, StateAnalyzed, StageCRFSearch},
			{StateEncoding, StateCRFSearched, StageEncode},
		} {
			// Attempt records of the interrupted run would otherwise keep the
			// video out of the eligibility query forever.
			if _, err := tx.ExecContext(ctx,
				`UPDATE failures SET resolved = 1
                 WHERE resolved = 0 AND stage = ?
                   AND video_id IN (SELECT id FROM videos WHERE state = ?)`,
				reset.stage, reset.from,
			); err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx,
				`UPDATE videos SET state = ?, updated_at = ? WHERE state = ?`,
				reset.to, now, reset.from,
			)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reset stuck videos: %w", err)
	}
	return total, nil
}

// Requeue clears a video's search results and failures and returns it to
// needs_analysis. Only failed videos, or videos held in needs_analysis by an
// open analysis failure, are requeued.
func (s *Store) Requeue(ctx context.Context, id int64) (bool, error) {
	var requeued bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		requeued = false
		res, err := tx.ExecContext(ctx,
			`UPDATE videos SET state = ?, chosen_candidate_id = NULL, updated_at = ?
             WHERE id = ? AND (state = ? OR (state = ? AND EXISTS (
                SELECT 1 FROM failures f
                WHERE f.video_id = videos.id AND f.stage = ? AND f.resolved = 0)))`,
			StateNeedsAnalysis, nowString(), id, StateFailed, StateNeedsAnalysis, StageAnalysis,
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
		if _, err := tx.ExecContext(ctx, `DELETE FROM candidates WHERE video_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE failures SET resolved = 1 WHERE video_id = ? AND resolved = 0`, id); err != nil {
			return err
		}
		requeued = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("requeue video: %w", err)
	}
	return requeued, nil
}

func (s *Store) queryVideos(ctx context.Context, query string, args ...any) ([]*Video, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("query videos: %w", err)
	}
	defer rows.Close()

	var videos []*Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, video)
	}
	return videos, rows.Err()
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
