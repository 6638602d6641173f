package pipeline

import (
	"context"
	"fmt"

	"reencoder/internal/store"
)

// message is the unit a stage worker receives.
type message interface {
	stage() store.Stage
	videos() []*store.Video
}

type analysisBatch struct{ batch []*store.Video }

type searchJob struct{ video *store.Video }

type encodeJob struct{ video *store.Video }

func (m analysisBatch) stage() store.Stage     { return store.StageAnalysis }
func (m analysisBatch) videos() []*store.Video { return m.batch }
func (m searchJob) stage() store.Stage         { return store.StageCRFSearch }
func (m searchJob) videos() []*store.Video     { return []*store.Video{m.video} }
func (m encodeJob) stage() store.Stage         { return store.StageEncode }
func (m encodeJob) videos() []*store.Video     { return []*store.Video{m.video} }

// wrap builds the message for a dispatched batch.
func wrap(s store.Stage, batch []*store.Video) (message, error) {
	switch s {
	case store.StageAnalysis:
		return analysisBatch{batch: batch}, nil
	case store.StageCRFSearch, store.StageEncode:
		if len(batch) != 1 {
			return nil, fmt.Errorf("%s expects one video per batch, got %d", s, len(batch))
		}
		if s == store.StageCRFSearch {
			return searchJob{video: batch[0]}, nil
		}
		return encodeJob{video: batch[0]}, nil
	}
	return nil, fmt.Errorf("unknown stage %q", s)
}

func (p *Pipeline) handle(ctx context.Context, msg message) error {
	switch m := msg.(type) {
	case analysisBatch:
		return p.stages.Analysis.ProcessBatch(ctx, m.batch)
	case searchJob:
		return p.stages.Search.Process(ctx, m.video)
	case encodeJob:
		return p.stages.Encode.Process(ctx, m.video)
	default:
		return fmt.Errorf("unhandled message %T", msg)
	}
}

// inputStates lists the states a stage reads from and the states a video
// can hold while the stage works on it.
var inputStates = map[store.Stage][]store.State{
	store.StageAnalysis:  {store.StateNeedsAnalysis},
	store.StageCRFSearch: {store.StateAnalyzed, store.StateCRFSearching},
	store.StageEncode:    {store.StateCRFSearched, store.StateEncoding},
}

// stageFor maps a state to the stage that consumes it.
func stageFor(s store.State) (store.Stage, bool) {
	switch s {
	case store.StateNeedsAnalysis:
		return store.StageAnalysis, true
	case store.StateAnalyzed:
		return store.StageCRFSearch, true
	case store.StateCRFSearched:
		return store.StageEncode, true
	}
	return "", false
}
