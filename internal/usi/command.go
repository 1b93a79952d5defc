package usi

import (
	"strconv"
	"strings"
)

// GoParams are the arguments of a go command. Nil fields are omitted.
// Times are in milliseconds.
type GoParams struct {
	Ponder  bool
	BTime   *int
	WTime   *int
	Byoyomi *int
	BInc    *int
	WInc    *int
	Nodes   *int
}

// Int returns a pointer to n, for filling GoParams.
func Int(n int) *int { return &n }

// Command composes the go line. With Ponder set no time parameters are sent.
// Otherwise the order is btime, wtime, byoyomi or (binc, winc), nodes.
func (g GoParams) Command() string {
	parts := []string{"go"}
	if g.Ponder {
		return "go ponder"
	}
	add := func(name string, v *int) {
		if v != nil {
			parts = append(parts, name, strconv.Itoa(*v))
		}
	}
	add("btime", g.BTime)
	add("wtime", g.WTime)
	if g.Byoyomi != nil {
		add("byoyomi", g.Byoyomi)
	} else {
		add("binc", g.BInc)
		add("winc", g.WInc)
	}
	add("nodes", g.Nodes)
	return strings.Join(parts, " ")
}
