package compare_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"ankurah-core/pkg/clock"
	"ankurah-core/pkg/compare"
	"ankurah-core/pkg/errs"
	"ankurah-core/pkg/event"
)

// fakeGraph is an in-memory DAG of events keyed by id, used as a
// retrieval.EventReader fixture across this package's tests.
type fakeGraph struct {
	events map[clock.EventId]event.Event
}

func newFakeGraph() *fakeGraph { return &fakeGraph{events: make(map[clock.EventId]event.Event)} }

// add creates an event with the given parents and records it, returning
// its id for use as a later parent.
func (g *fakeGraph) add(entityID string, parents ...clock.EventId) clock.EventId {
	e := event.New(entityID, clock.New(parents...), nil)
	g.events[e.ID] = e
	return e.ID
}

func (g *fakeGraph) GetEvent(ctx context.Context, id clock.EventId) (event.Event, error) {
	e, ok := g.events[id]
	if !ok {
		return event.Event{}, errs.NewEventUnavailable("fakeGraph.GetEvent", id)
	}
	return e, nil
}
func (g *fakeGraph) EventStored(ctx context.Context, id clock.EventId) (bool, error) { return true, nil }
func (g *fakeGraph) StorageIsDefinitive() bool                                       { return true }

// staging/stager fixtures below let CompareIncludingStaged be exercised
// without pulling in the retrieval package, keeping this test
// self-contained.
type stagingFixture struct{ events map[clock.EventId]event.Event }

func newStagingFixture() *stagingFixture {
	return &stagingFixture{events: make(map[clock.EventId]event.Event)}
}

type stagerOverGraph struct {
	*fakeGraph
	staging *stagingFixture
}

func (s *stagerOverGraph) GetEvent(ctx context.Context, id clock.EventId) (event.Event, error) {
	if e, ok := s.staging.events[id]; ok {
		return e, nil
	}
	return s.fakeGraph.GetEvent(ctx, id)
}

func (s *stagerOverGraph) StageEvent(ctx context.Context, e event.Event) error {
	s.staging.events[e.ID] = e
	return nil
}

func (s *stagerOverGraph) CommitEvent(ctx context.Context, id clock.EventId) error {
	delete(s.staging.events, id)
	return nil
}

var _ = Describe("Compare", func() {
	var g *fakeGraph

	BeforeEach(func() {
		g = newFakeGraph()
	})

	It("reports Equal for two clocks naming the same single event", func() {
		root := g.add("e1")
		r, err := compare.Compare(context.Background(), g, clock.Single(root), clock.Single(root), compare.DefaultBudget())
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Relation.Kind).To(Equal(compare.Equal))
	})

	It("reports StrictDescends for a linear child against its parent", func() {
		root := g.add("e1")
		child := g.add("e1", root)
		r, err := compare.Compare(context.Background(), g, clock.Single(child), clock.Single(root), compare.DefaultBudget())
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Relation.Kind).To(Equal(compare.StrictDescends))
	})

	It("reports StrictAscends for a linear parent against its child", func() {
		root := g.add("e1")
		child := g.add("e1", root)
		r, err := compare.Compare(context.Background(), g, clock.Single(root), clock.Single(child), compare.DefaultBudget())
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Relation.Kind).To(Equal(compare.StrictAscends))
	})

	It("reports DivergedSince with the shared root as meet for a diamond's two tips", func() {
		root := g.add("e1")
		left := g.add("e1", root)
		right := g.add("e1", root)

		r, err := compare.Compare(context.Background(), g, clock.Single(left), clock.Single(right), compare.DefaultBudget())
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Relation.Kind).To(Equal(compare.DivergedSince))
		Expect(r.Relation.Meet).To(ConsistOf(root))
	})

	It("reports Disjoint for two unrelated roots", func() {
		a := g.add("e1")
		b := g.add("e2")
		r, err := compare.Compare(context.Background(), g, clock.Single(a), clock.Single(b), compare.DefaultBudget())
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Relation.Kind).To(Equal(compare.Disjoint))
	})

	It("escalates a tight budget to BudgetExceeded rather than ever completing", func() {
		// A long linear chain forces several BFS steps; a budget of 1
		// with escalation factor 2 and a low ceiling should report
		// BudgetExceeded rather than ever completing.
		root := g.add("e1")
		cur := root
		for i := 0; i < 20; i++ {
			cur = g.add("e1", cur)
		}
		tip := g.add("e1", cur)

		budget := compare.Budget{Initial: 1, EscalationFactor: 2, Ceiling: 2}
		r, err := compare.Compare(context.Background(), g, clock.Single(tip), clock.Single(root), budget)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Relation.Kind).To(Equal(compare.BudgetExceeded))
	})

	It("converges a deep diamond's merge tip back to StrictDescends against the shared root", func() {
		root := g.add("e1")
		left := g.add("e1", root)
		right := g.add("e1", root)
		leftLeft := g.add("e1", left)
		merge := g.add("e1", leftLeft, right)

		r, err := compare.Compare(context.Background(), g, clock.Single(merge), clock.Single(root), compare.DefaultBudget())
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Relation.Kind).To(Equal(compare.StrictDescends))
	})

	It("handles redelivery of an already-integrated event via CompareIncludingStaged", func() {
		root := g.add("e1")
		e := event.New("e1", clock.Single(root), nil)
		g.events[e.ID] = e

		staging := newStagingFixture()
		stager := &stagerOverGraph{fakeGraph: g, staging: staging}

		r, err := compare.CompareIncludingStaged(context.Background(), stager, e, clock.Single(e.ID), compare.DefaultBudget())
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Relation.Kind).To(Equal(compare.Equal))
	})
})
