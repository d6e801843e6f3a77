package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/emojumpRepo/worldseek-studio/internal/apperr"
)

// Seed is a batch of workflows and agents loaded from a JSON document.
type Seed struct {
	Workflows []Workflow `json:"workflows"`
	Agents    []Agent    `json:"agents"`
}

// DecodeSeed reads a Seed document from r.
func DecodeSeed(r io.Reader) (Seed, error) {
	var seed Seed
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&seed); err != nil {
		return Seed{}, apperr.Wrap(apperr.CodeValidation, "invalid seed document", err)
	}
	return seed, nil
}

// Import upserts every workflow, then every agent, stopping at the first
// failure.
func (s *Store) Import(ctx context.Context, seed Seed) error {
	for _, w := range seed.Workflows {
		if err := s.UpsertWorkflow(ctx, w); err != nil {
			return fmt.Errorf("workflow %q: %w", w.ID, err)
		}
	}
	for _, a := range seed.Agents {
		if err := s.UpsertAgent(ctx, a); err != nil {
			return fmt.Errorf("agent %q: %w", a.ID, err)
		}
	}
	return nil
}
