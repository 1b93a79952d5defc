package usi

import (
	"strconv"
	"strings"
)

// BestMove is the decision carried by a terminal bestmove line.
type BestMove struct {
	Move   string `json:"move"`
	Ponder string `json:"ponder,omitempty"`
}

// HasPonder reports whether the engine named a move to ponder on.
func (b BestMove) HasPonder() bool { return b.Ponder != "" }

// ParseInfo inspects one engine output line. It reports false when the line
// carries no principal variation. The table is read, never written; apply the
// returned Update to commit it.
//
// A PV line is an info line with a "pv" token followed by at least one move.
// The rank comes from "multipv N" (N-1), defaulting to 0. The score comes from
// "score cp K" or "score mate K", where mate keeps only its sign.
func ParseInfo(line string, table *ResultTable) (Update, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 || fields[0] != "info" {
		return Update{}, false, nil
	}
	pvAt := -1
	for i := 1; i < len(fields)-1; i++ {
		if fields[i] == "pv" {
			pvAt = i
			break
		}
	}
	if pvAt < 0 {
		return Update{}, false, nil
	}
	head := fields[:pvAt]

	rank := 0
	if n, ok := intAfter(head, "multipv"); ok {
		rank = n - 1
	}
	if rank < 0 || rank >= table.RankCount() {
		return Update{}, false, &RankError{Rank: rank, RankCount: table.RankCount(), Line: line}
	}

	score, ok := parseScore(head)
	if !ok {
		// A PV without a score reuses the lowest score currently known
		// across all ranks. The protocol does not call for this.
		score, _ = table.minScore()
	}

	return Update{
		Rank:  rank,
		Score: score,
		PV:    strings.Join(fields[pvAt+1:], " "),
	}, true, nil
}

// intAfter finds key in fields and parses the unsigned integer following it.
func intAfter(fields []string, key string) (int, bool) {
	for i := 0; i < len(fields)-1; i++ {
		if fields[i] != key {
			continue
		}
		n, err := strconv.Atoi(fields[i+1])
		if err != nil || strings.HasPrefix(fields[i+1], "+") || strings.HasPrefix(fields[i+1], "-") {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func parseScore(fields []string) (Score, bool) {
	for i := 0; i < len(fields)-2; i++ {
		if fields[i] != "score" {
			continue
		}
		kind, raw := fields[i+1], fields[i+2]
		if kind != "cp" && kind != "mate" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		if kind == "cp" {
			return Score{Value: n, Valid: true}, true
		}
		if strings.Contains(raw, "-") {
			return Score{Value: -MateScore, Valid: true, Mate: true}, true
		}
		return Score{Value: MateScore, Valid: true, Mate: true}, true
	}
	return Score{}, false
}

// ParseBestMove reports whether line is a terminal bestmove line and returns
// its decision. The remainder after "bestmove " is split on single spaces;
// only the exact shape "<move> ponder <move>" yields a ponder move.
func ParseBestMove(line string) (BestMove, bool) {
	if !strings.HasPrefix(line, "bestmove") {
		return BestMove{}, false
	}
	rest := ""
	if len(line) > len("bestmove ") {
		rest = line[len("bestmove "):]
	}
	items := strings.Split(rest, " ")
	if len(items) == 3 && items[1] == "ponder" {
		return BestMove{Move: items[0], Ponder: items[2]}, true
	}
	return BestMove{Move: items[0]}, true
}
