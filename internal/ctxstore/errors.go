package ctxstore

import (
	"errors"
	"fmt"
)

// Sentinel errors for the read and write paths.
var (
	ErrNotFound = errors.New("context not found")
	// ErrConflict signals a caller-supplied dedup key collision.
	ErrConflict = errors.New("dedup key already used")
	// ErrSourceReferenced blocks purging a context that another
	// context lists in its sources.
	ErrSourceReferenced = errors.New("context is referenced as a source")
)

// Invariant identifies which store invariant a rejected write violated.
type Invariant string

const (
	InvLevelCap       Invariant = "level-cap"        // level must be 0..2
	InvEdgeEndpoint   Invariant = "edge-endpoint"    // edge endpoints must be nodes
	InvSourceLevel    Invariant = "source-level"     // sources must exist at strictly lower level
	InvSourcesAtL0    Invariant = "sources-at-l0"    // an episode cannot have sources
	InvDescription    Invariant = "description-size" // description over 300 code points
	InvIntensityRange Invariant = "intensity-range"  // intensity outside [0,1]
	InvCertaintyRange Invariant = "certainty-range"  // certainty outside [0,1]
	InvResult         Invariant = "result-label"     // result outside the closed set
	InvNodeCap        Invariant = "node-cap"         // L1+ merged node count over bound
	InvEmptyNodes     Invariant = "empty-node-name"  // node with empty name
)

// InvariantViolation is returned when a write is rejected. Writes are
// never partially applied: the store is unchanged after a rejection.
type InvariantViolation struct {
	Which  Invariant
	Detail string
}

func (e *InvariantViolation) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("invariant violation: %s", e.Which)
	}
	return fmt.Sprintf("invariant violation: %s (%s)", e.Which, e.Detail)
}

// DuplicateError is returned when a new L1/L2 context would semantically
// duplicate an existing one at the same level (Jaccard over rule and
// description tokens above the dedup threshold). The consolidator treats
// this as "absorbed into ExistingID" rather than as a failure.
type DuplicateError struct {
	ExistingID int64
	Similarity float64
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("semantic duplicate of context %d (jaccard %.2f)", e.ExistingID, e.Similarity)
}

func violation(which Invariant, format string, args ...any) error {
	return &InvariantViolation{Which: which, Detail: fmt.Sprintf(format, args...)}
}
