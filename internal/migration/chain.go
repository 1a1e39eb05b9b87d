// Package migration implements the append-only migration chain from
// spec.md §4.5: named transforms applied to unmigrated data, with the
// already-applied prefix recorded on the record. It mirrors the way the
// teacher treats shard-map generations as a monotonically advancing,
// strictly-ordered sequence (internal/master's Config.Num, applied
// group-by-group in internal/replica/server_migrate.go's InitConfig/
// reconfigure loop) — generalized here from "advance to the next cluster
// config" to "apply the next unapplied data transform".
package migration

import (
	"encoding/json"
	"fmt"

	"github.com/allen1211/sessionkv/internal/errs"
)

// Step is one named transform in a chain.
type Step struct {
	Name  string
	Apply func(data json.RawMessage) (json.RawMessage, error)
}

// Chain is an ordered, append-only sequence of migrations. Names must be
// unique within a chain.
type Chain struct {
	steps []Step
	index map[string]int
}

// NewChain builds a chain, rejecting duplicate step names.
func NewChain(steps ...Step) (*Chain, error) {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		if _, dup := index[s.Name]; dup {
			return nil, fmt.Errorf("migration: duplicate step name %q", s.Name)
		}
		index[s.Name] = i
	}
	return &Chain{steps: steps, index: index}, nil
}

// Names returns the chain's step names in order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.steps))
	for i, s := range c.steps {
		names[i] = s.Name
	}
	return names
}

// Apply runs every step in c not yet reflected in applied against data, in
// order, appending each step's name to the returned applied list. applied
// must be a prefix of c's step names (spec.md §3 invariant 3); a mismatch
// — an applied name absent from the chain, or present out of order — is a
// fatal load error per spec.md §4.5 and must not result in the record
// being overwritten.
func (c *Chain) Apply(data json.RawMessage, applied []string) (json.RawMessage, []string, error) {
	if len(applied) > len(c.steps) {
		return nil, nil, fmt.Errorf("%w: applied %d migrations but chain only has %d", errs.ErrMigrationMismatch, len(applied), len(c.steps))
	}
	for i, name := range applied {
		if c.steps[i].Name != name {
			return nil, nil, fmt.Errorf("%w: applied[%d]=%q, chain[%d]=%q", errs.ErrMigrationMismatch, i, name, i, c.steps[i].Name)
		}
	}

	result := data
	newApplied := append([]string(nil), applied...)
	for i := len(applied); i < len(c.steps); i++ {
		step := c.steps[i]
		next, err := step.Apply(result)
		if err != nil {
			return nil, nil, fmt.Errorf("migration %q: %w", step.Name, err)
		}
		result = next
		newApplied = append(newApplied, step.Name)
	}
	return result, newApplied, nil
}
