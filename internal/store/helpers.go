package store

import (
	"database/sql"
	"encoding/json"
	"math"
	"strings"
	"time"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const videoColumns = "id, path, size, bitrate, width, height, duration, frame_rate, video_codecs, audio_codecs, video_count, audio_count, max_audio_channels, atmos, hdr, resolution, title, series_key, season, service, service_id, state, chosen_candidate_id, created_at, updated_at"

const candidateColumns = "id, video_id, crf, score, predicted_size, percent, time_estimate, args, preset, target, chosen, created_at, updated_at"

const failureColumns = "id, video_id, stage, category, code, message, context, signature, resolved, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(scanner rowScanner) (*Video, error) {
	var (
		v           Video
		videoCodecs sql.NullString
		audioCodecs sql.NullString
		atmos       int64
		hdr         sql.NullString
		resolution  sql.NullString
		title       sql.NullString
		seriesKey   sql.NullString
		service     sql.NullString
		serviceID   sql.NullString
		state       string
		chosen      sql.NullInt64
		createdRaw  sql.NullString
		updatedRaw  sql.NullString
	)
	if err := scanner.Scan(
		&v.ID,
		&v.Path,
		&v.Size,
		&v.Bitrate,
		&v.Width,
		&v.Height,
		&v.Duration,
		&v.FrameRate,
		&videoCodecs,
		&audioCodecs,
		&v.VideoCount,
		&v.AudioCount,
		&v.MaxAudioChannels,
		&atmos,
		&hdr,
		&resolution,
		&title,
		&seriesKey,
		&v.Season,
		&service,
		&serviceID,
		&state,
		&chosen,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	v.VideoCodecs = decodeStrings(videoCodecs)
	v.AudioCodecs = decodeStrings(audioCodecs)
	v.Atmos = atmos != 0
	v.HDR = hdr.String
	v.Resolution = resolution.String
	v.Title = title.String
	v.SeriesKey = seriesKey.String
	v.Service = service.String
	v.ServiceID = serviceID.String
	v.State = State(state)
	if chosen.Valid {
		v.ChosenCandidateID = chosen.Int64
	}
	v.CreatedAt = parseTime(createdRaw.String)
	v.UpdatedAt = parseTime(updatedRaw.String)
	return &v, nil
}

func scanCandidate(scanner rowScanner) (*Candidate, error) {
	var (
		c          Candidate
		estimate   sql.NullString
		args       sql.NullString
		preset     sql.NullString
		chosen     int64
		createdRaw sql.NullString
		updatedRaw sql.NullString
	)
	if err := scanner.Scan(
		&c.ID,
		&c.VideoID,
		&c.CRF,
		&c.Score,
		&c.PredictedSize,
		&c.Percent,
		&estimate,
		&args,
		&preset,
		&c.Target,
		&chosen,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	c.TimeEstimate = estimate.String
	c.Args = decodeStrings(args)
	c.Preset = preset.String
	c.Chosen = chosen != 0
	c.CreatedAt = parseTime(createdRaw.String)
	c.UpdatedAt = parseTime(updatedRaw.String)
	return &c, nil
}

func scanFailure(scanner rowScanner) (*Failure, error) {
	var (
		f          Failure
		stage      string
		code       sql.NullString
		message    sql.NullString
		contextRaw sql.NullString
		resolved   int64
		createdRaw sql.NullString
	)
	if err := scanner.Scan(
		&f.ID,
		&f.VideoID,
		&stage,
		&f.Category,
		&code,
		&message,
		&contextRaw,
		&f.Signature,
		&resolved,
		&createdRaw,
	); err != nil {
		return nil, err
	}
	f.Stage = Stage(stage)
	f.Code = code.String
	f.Message = message.String
	if contextRaw.Valid && contextRaw.String != "" {
		var ctxMap map[string]any
		if err := json.Unmarshal([]byte(contextRaw.String), &ctxMap); err == nil {
			f.Context = ctxMap
		}
	}
	f.Resolved = resolved != 0
	f.CreatedAt = parseTime(createdRaw.String)
	return &f, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableID(id int64) any {
	if id <= 0 {
		return nil
	}
	return id
}

func encodeStrings(values []string) any {
	if len(values) == 0 {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return string(data)
}

func decodeStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil
	}
	return out
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nowString() string {
	return formatTime(time.Now())
}

func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timeLayout, raw); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	return time.Time{}
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}

// RoundCRF normalizes CRF values to two decimals so equal values share a row.
func RoundCRF(crf float64) float64 {
	return math.Round(crf*100) / 100
}
