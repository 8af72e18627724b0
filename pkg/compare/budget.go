package compare

// Budget bounds BFS expansion steps (spec §5). One fetch round (one
// iteration of runBFS's loop) costs exactly 1, regardless of how many
// events that round fetches.
type Budget struct {
	// Initial is the starting allowance for a fresh traversal.
	Initial int
	// EscalationFactor multiplies the budget on each internal retry
	// after a BudgetExceeded result.
	EscalationFactor int
	// Ceiling is the absolute cap a retried budget may not exceed.
	Ceiling int
}

// DefaultInitialBudget is comparison.initial_budget's default (spec §6).
const DefaultInitialBudget = 1000

// DefaultEscalationFactor is the geometric growth factor spec §4.3
// suggests ("factor 4 is a reasonable default").
const DefaultEscalationFactor = 4

// DefaultCeilingMultiple caps escalation at 64x the initial budget (spec §6).
const DefaultCeilingMultiple = 64

// DefaultBudget returns the spec's documented defaults.
func DefaultBudget() Budget {
	return Budget{
		Initial:          DefaultInitialBudget,
		EscalationFactor: DefaultEscalationFactor,
		Ceiling:          DefaultInitialBudget * DefaultCeilingMultiple,
	}
}

// normalize fills in zero fields with their defaults.
func (b Budget) normalize() Budget {
	if b.Initial <= 0 {
		b.Initial = DefaultInitialBudget
	}
	if b.EscalationFactor <= 1 {
		b.EscalationFactor = DefaultEscalationFactor
	}
	if b.Ceiling <= 0 {
		b.Ceiling = b.Initial * DefaultCeilingMultiple
	}
	return b
}
