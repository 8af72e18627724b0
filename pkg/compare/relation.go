package compare

import "ankurah-core/pkg/clock"

// RelationKind is the causal-relation tag from spec §3's CausalRelation
// sum type.
type RelationKind int

const (
	Equal RelationKind = iota
	StrictDescends
	StrictAscends
	DivergedSince
	Disjoint
	BudgetExceeded
)

func (k RelationKind) String() string {
	switch k {
	case Equal:
		return "Equal"
	case StrictDescends:
		return "StrictDescends"
	case StrictAscends:
		return "StrictAscends"
	case DivergedSince:
		return "DivergedSince"
	case Disjoint:
		return "Disjoint"
	case BudgetExceeded:
		return "BudgetExceeded"
	default:
		return "Unknown"
	}
}

// Relation is the causal-relation result of a comparison (spec §3). Only
// the fields relevant to Kind are populated; Chain fields are
// informational only — merge consumes the accumulator directly, not the
// chains.
type Relation struct {
	Kind RelationKind

	// StrictDescends / StrictAscends
	Chain []clock.EventId

	// DivergedSince
	Meet         []clock.EventId
	SubjectChain []clock.EventId
	OtherChain   []clock.EventId

	// Disjoint
	SubjectRoot clock.EventId
	OtherRoot   clock.EventId

	// BudgetExceeded
	SubjectFrontier []clock.EventId
	OtherFrontier   []clock.EventId
}
