// Package proof holds the proof-state model published to display clients and
// decodes it from Lean's interactive goals.
package proof

import (
	"encoding/json"

	protocol "github.com/tliron/glsp/protocol_3_16"
)

// Snapshot is the extracted proof state of one document at one position.
// A Snapshot is immutable once built; later snapshots supersede it.
type Snapshot struct {
	URI      string            `json:"uri"`
	Version  uint64            `json:"version"`
	Position protocol.Position `json:"position"`
	Goals    []Goal            `json:"goals"`

	// Raw is the undecoded extraction result, kept only when configured.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// Goal is one open goal.
type Goal struct {
	Prefix   string       `json:"prefix"`
	Target   string       `json:"target"`
	Hyps     []Hypothesis `json:"hyps"`
	Active   bool         `json:"active"`
	Inserted bool         `json:"isInserted,omitempty"`
	Removed  bool         `json:"isRemoved,omitempty"`
}

// Hypothesis is one entry of a goal's local context. Names bundles
// hypotheses that share a type.
type Hypothesis struct {
	Names   []string `json:"names"`
	Type    string   `json:"type"`
	Value   string   `json:"value,omitempty"`
	FVarIDs []string `json:"fvarIds,omitempty"`

	// Info is the first subexpression reference of the type, usable with
	// Lean.Widget.getGoToLocation.
	Info json.RawMessage `json:"info,omitempty"`

	Span       *protocol.Range `json:"span,omitempty"`
	Inserted   bool            `json:"isInserted,omitempty"`
	Removed    bool            `json:"isRemoved,omitempty"`
	DiffStatus string          `json:"diffStatus,omitempty"`
}

// HypothesisCount returns the number of hypothesis entries across all goals.
func (s Snapshot) HypothesisCount() int {
	n := 0
	for _, g := range s.Goals {
		n += len(g.Hyps)
	}
	return n
}
