package usi

// MateScore is stored in place of a mate distance. Only the sign survives.
const MateScore = 30000

// Score is an optional evaluation from the side to move's perspective.
// Mate marks a score that came from "score mate"; Value is then ±MateScore.
type Score struct {
	Value int  `json:"value"`
	Valid bool `json:"valid"`
	Mate  bool `json:"mate,omitempty"`
}

// Line is one ranked entry of a ResultTable snapshot.
type Line struct {
	Rank  int    `json:"rank"`
	Score Score  `json:"score"`
	PV    string `json:"pv"`
	HasPV bool   `json:"has_pv"`
}

// Update is a parsed PV line destined for one rank of the table.
type Update struct {
	Rank  int
	Score Score
	PV    string
}

// ResultTable holds the ranked (PV, score) pairs of the current analysis.
// It is not safe for concurrent use; Session guards it.
type ResultTable struct {
	rankCount int
	scores    []Score
	pvs       []string
	hasPV     []bool
}

// NewResultTable returns an empty table tracking rankCount variations.
// Values below 1 track a single variation.
func NewResultTable(rankCount int) *ResultTable {
	t := &ResultTable{}
	t.Reset(rankCount)
	return t
}

// Reset resizes the table and clears every rank.
func (t *ResultTable) Reset(rankCount int) {
	if rankCount < 1 {
		rankCount = 1
	}
	t.rankCount = rankCount
	t.scores = make([]Score, rankCount)
	t.pvs = make([]string, rankCount)
	t.hasPV = make([]bool, rankCount)
}

// Clear empties every rank without changing the rank count.
func (t *ResultTable) Clear() {
	for i := range t.scores {
		t.scores[i] = Score{}
		t.pvs[i] = ""
		t.hasPV[i] = false
	}
}

// RankCount returns the number of tracked variations.
func (t *ResultTable) RankCount() int { return t.rankCount }

// Score returns the score at rank, or an invalid Score when out of range.
func (t *ResultTable) Score(rank int) Score {
	if rank < 0 || rank >= t.rankCount {
		return Score{}
	}
	return t.scores[rank]
}

// PV returns the move sequence at rank and whether one has been reported.
func (t *ResultTable) PV(rank int) (string, bool) {
	if rank < 0 || rank >= t.rankCount {
		return "", false
	}
	return t.pvs[rank], t.hasPV[rank]
}

// minScore returns the lowest valid score across ranks.
func (t *ResultTable) minScore() (Score, bool) {
	var best Score
	for _, s := range t.scores {
		if !s.Valid {
			continue
		}
		if !best.Valid || s.Value < best.Value {
			best = s
		}
	}
	return best, best.Valid
}

// apply overwrites the rank named by u. The caller has validated the rank.
func (t *ResultTable) apply(u Update) {
	t.scores[u.Rank] = u.Score
	t.pvs[u.Rank] = u.PV
	t.hasPV[u.Rank] = true
}

// Snapshot copies the table into a slice indexed by rank.
func (t *ResultTable) Snapshot() []Line {
	lines := make([]Line, t.rankCount)
	for i := range lines {
		lines[i] = Line{
			Rank:  i,
			Score: t.scores[i],
			PV:    t.pvs[i],
			HasPV: t.hasPV[i],
		}
	}
	return lines
}
