// Package selector picks one asset from a snapshot deterministically, so two
// nodes reading the same snapshot always choose the same reference.
package selector

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/roach88/ledgerguard/internal/ir"
)

// Rule names the ordering reported alongside every selection.
const Rule = "smallest-amount-first"

// Criteria filters candidates. Empty TemplateID or Owner match anything.
type Criteria struct {
	TemplateID string          `json:"template_id,omitempty"`
	Owner      ir.Party        `json:"owner,omitempty"`
	MinAmount  decimal.Decimal `json:"min_amount"`
}

// Matches reports whether c satisfies the criteria.
func (cr Criteria) Matches(c ir.SelectionCandidate) bool {
	if cr.TemplateID != "" && c.Reference.TemplateID != cr.TemplateID {
		return false
	}
	if cr.Owner != "" && c.Owner != cr.Owner {
		return false
	}
	return c.Amount.GreaterThanOrEqual(cr.MinAmount)
}

// Less is the total order: amount ascending, then reference ID ascending.
func Less(a, b ir.SelectionCandidate) bool {
	if cmp := a.Amount.Cmp(b.Amount); cmp != 0 {
		return cmp < 0
	}
	return a.Reference.ID < b.Reference.ID
}

// Sort orders candidates in place by Less.
func Sort(cands []ir.SelectionCandidate) {
	sort.SliceStable(cands, func(i, j int) bool { return Less(cands[i], cands[j]) })
}

// Choose returns the first matching candidate under Less, together with how
// many candidates were scanned and how many matched. Input order is
// irrelevant.
func Choose(cands []ir.SelectionCandidate, cr Criteria) (best ir.SelectionCandidate, found bool, matched int) {
	for _, c := range cands {
		if !cr.Matches(c) {
			continue
		}
		matched++
		if !found || Less(c, best) {
			best, found = c, true
		}
	}
	return best, found, matched
}

// BestMatch returns the item with the highest positive score. Ties go to
// the smallest key. Items scoring zero or less never match.
func BestMatch[T any](items []T, score func(T) int, key func(T) string) (T, bool) {
	var best T
	bestScore := 0
	bestKey := ""
	found := false
	for _, it := range items {
		s := score(it)
		if s <= 0 {
			continue
		}
		k := key(it)
		if !found || s > bestScore || (s == bestScore && k < bestKey) {
			best, bestScore, bestKey, found = it, s, k, true
		}
	}
	return best, found
}
