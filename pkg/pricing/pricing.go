// Package pricing resolves generation costs from configuration data. The
// lookup is pure and deterministic; it never touches storage and stays
// outside the ledger's atomic section.
package pricing

import (
	"errors"
	"strings"
)

// ErrUnpricedModel is returned when no table entry or default cost applies.
var ErrUnpricedModel = errors.New("no price configured for model")

const keySeparator = "|"

// Options are the request parameters that participate in price lookup.
type Options struct {
	Duration   string
	Quality    string
	Resolution string
}

// Table maps option keys to credit costs, with a flat fallback when no keyed
// entry exists.
type Table struct {
	Entries     map[string]int64
	DefaultCost int64
}

// Key builds the most specific lookup key for a model and its options.
func Key(modelID string, options Options) string {
	return strings.Join([]string{modelID, options.Duration, options.Quality, options.Resolution}, keySeparator)
}

// Cost resolves the credit cost for a model and options, trying keys from
// most to least specific before falling back to the flat default.
func (table Table) Cost(modelID string, options Options) (int64, error) {
	modelID = strings.TrimSpace(modelID)
	candidates := []string{
		Key(modelID, options),
		strings.Join([]string{modelID, options.Duration, options.Quality}, keySeparator),
		strings.Join([]string{modelID, options.Duration}, keySeparator),
		modelID,
	}
	for _, candidate := range candidates {
		if cost, ok := table.Entries[candidate]; ok && cost > 0 {
			return cost, nil
		}
	}
	if table.DefaultCost > 0 {
		return table.DefaultCost, nil
	}
	return 0, ErrUnpricedModel
}
