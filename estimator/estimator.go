// Package estimator provides CostEstimator implementations.
package estimator

import (
	"context"
	"regexp"
	"strings"

	"github.com/ineyio/querygate"
)

// Fixed charges the same cost for every query.
type Fixed struct {
	Cost int64
}

var _ querygate.CostEstimator = Fixed{}

// NewFixed returns a Fixed estimator. A zero cost means querygate.DefaultCost.
func NewFixed(cost int64) Fixed {
	if cost == 0 {
		cost = querygate.DefaultCost
	}
	return Fixed{Cost: cost}
}

func (f Fixed) Estimate(context.Context, querygate.Identity, querygate.Query) (int64, error) {
	return f.Cost, nil
}

// Heuristic scores a query from its SQL text. It never touches the database,
// so it is cheap enough to run on every request.
type Heuristic struct {
	Base          int64
	PerJoin       int64
	PerSubquery   int64
	SelectStar    int64
	MissingWhere  int64
	MissingLimit  int64
	ChartDiscount int64
	Max           int64
}

var _ querygate.CostEstimator = Heuristic{}

// DefaultHeuristic returns weights that put a plain filtered select well
// under the default cost and an unbounded multi-join scan above it.
func DefaultHeuristic() Heuristic {
	return Heuristic{
		Base:          10,
		PerJoin:       25,
		PerSubquery:   20,
		SelectStar:    15,
		MissingWhere:  40,
		MissingLimit:  20,
		ChartDiscount: 5,
		Max:           500,
	}
}

var (
	joinRe     = regexp.MustCompile(`(?i)\bjoin\b`)
	subqueryRe = regexp.MustCompile(`(?i)\(\s*select\b`)
	starRe     = regexp.MustCompile(`(?i)\bselect\s+(distinct\s+)?\*`)
	whereRe    = regexp.MustCompile(`(?i)\bwhere\b`)
	limitRe    = regexp.MustCompile(`(?i)\blimit\s+\d+`)
	commentRe  = regexp.MustCompile(`(?m)--[^\n]*$`)
)

func (h Heuristic) Estimate(ctx context.Context, _ querygate.Identity, q querygate.Query) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	sql := querygate.NormalizeSQL(commentRe.ReplaceAllString(q.SQL, ""))
	cost := h.Base
	cost += h.PerJoin * int64(len(joinRe.FindAllStringIndex(sql, -1)))
	cost += h.PerSubquery * int64(len(subqueryRe.FindAllStringIndex(sql, -1)))
	if starRe.MatchString(sql) {
		cost += h.SelectStar
	}
	if !whereRe.MatchString(sql) {
		cost += h.MissingWhere
	}
	if !limitRe.MatchString(sql) {
		cost += h.MissingLimit
	}
	// Charts are aggregated server-side and usually return few rows.
	if q.Kind == querygate.QueryChart {
		cost -= h.ChartDiscount
	}

	if cost < 0 {
		cost = 0
	}
	if h.Max > 0 && cost > h.Max {
		cost = h.Max
	}
	return cost, nil
}

// ForKind routes estimation by query kind, falling back to Default.
type ForKind struct {
	Default querygate.CostEstimator
	Kinds   map[querygate.QueryKind]querygate.CostEstimator
}

var _ querygate.CostEstimator = ForKind{}

func (f ForKind) Estimate(ctx context.Context, identity querygate.Identity, q querygate.Query) (int64, error) {
	if e, ok := f.Kinds[querygate.QueryKind(strings.ToLower(string(q.Kind)))]; ok {
		return e.Estimate(ctx, identity, q)
	}
	return f.Default.Estimate(ctx, identity, q)
}
