package httpapi

import (
	"strings"

	"github.com/freeeve/usipv/internal/eval"
	"github.com/freeeve/usipv/internal/store"
	"github.com/freeeve/usipv/internal/usi"
)

// EvalResponse is the JSON-friendly response for an evaluated position.
type EvalResponse struct {
	Position string         `json:"position"` // position key, e.g. "startpos moves 7g7f"
	Score    int            `json:"score"`    // centipawns, ±30000 for mate
	Mate     bool           `json:"mate,omitempty"`
	BestMove string         `json:"bestmove"`
	Ponder   string         `json:"ponder,omitempty"`
	PV       []string       `json:"pv,omitempty"`
	MultiPV  int            `json:"multipv"`
	Cached   bool           `json:"cached"`
	Lines    []LineResponse `json:"lines,omitempty"` // only for fresh analyses
}

// LineResponse is one variation of a multi-PV analysis.
type LineResponse struct {
	Rank  int      `json:"rank"` // 1-based, as in the engine's multipv
	Score *int     `json:"score,omitempty"`
	PV    []string `json:"pv"`
}

// ToEvalResponse converts a cached evaluation.
func ToEvalResponse(e store.EvalData, cached bool) *EvalResponse {
	return &EvalResponse{
		Position: e.Position,
		Score:    e.Score,
		Mate:     e.Mate,
		BestMove: e.BestMove,
		Ponder:   e.Ponder,
		PV:       strings.Fields(e.PV),
		MultiPV:  e.MultiPV,
		Cached:   cached,
	}
}

// ToAnalysisResponse converts a pool analysis, including every variation
// the engine reported.
func ToAnalysisResponse(a eval.Analysis) *EvalResponse {
	resp := ToEvalResponse(a.Eval, a.Cached)
	for _, l := range a.Lines {
		if !l.HasPV {
			continue
		}
		resp.Lines = append(resp.Lines, toLineResponse(l))
	}
	return resp
}

func toLineResponse(l usi.Line) LineResponse {
	lr := LineResponse{
		Rank: l.Rank + 1,
		PV:   strings.Fields(l.PV),
	}
	if l.Score.Valid {
		v := l.Score.Value
		lr.Score = &v
	}
	return lr
}
