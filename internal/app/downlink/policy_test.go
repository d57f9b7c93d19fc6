package downlink

import (
	"fmt"
	"testing"
	"time"

	"github.com/dkeye/callcontrol/internal/core"
	"github.com/dkeye/callcontrol/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatConfig() Config {
	return Config{
		ReservedFraction:   0.1,
		LowKbps:            300,
		MediumKbps:         600,
		HighKbps:           1200,
		SingleKbps:         300,
		MaterialChange:     0.1,
		DefaultDisplaySize: domain.DisplayLow,
	}
}

func kbps(n uint64) domain.BandwidthEstimate {
	return domain.BandwidthEstimate{BitsPerSecond: n * 1000, At: time.Unix(100, 0)}
}

func index(sources ...domain.VideoSource) domain.VideoIndex {
	idx := domain.VideoIndex{}
	for _, s := range sources {
		idx[s.ID] = s
	}
	return idx
}

func TestTwoHighPriorityAdmittedAtLow(t *testing.T) {
	p := New(flatConfig())
	out := p.Compute(Input{
		Index: index(
			domain.VideoSource{ID: "a", AttendeeID: "att-a", Priority: 10},
			domain.VideoSource{ID: "b", AttendeeID: "att-b", Priority: 10},
			domain.VideoSource{ID: "c", AttendeeID: "att-c", Priority: 1},
		),
		Estimate: kbps(500),
		Limit:    2,
	})

	require.Len(t, out.Plan, 2)
	assert.Equal(t, domain.Slot{SourceID: "a", AttendeeID: "att-a", Size: domain.DisplayLow}, out.Plan[0])
	assert.Equal(t, domain.Slot{SourceID: "b", AttendeeID: "att-b", Size: domain.DisplayLow}, out.Plan[1])
	assert.Equal(t, -1, out.Plan.SlotOf("c"))
	assert.Empty(t, out.Paused, "c is cut by the limit, not by bandwidth")
}

func TestBudgetExcludesAndPauses(t *testing.T) {
	p := New(flatConfig())
	out := p.Compute(Input{
		Index: index(
			domain.VideoSource{ID: "a", AttendeeID: "att-a", Priority: 3},
			domain.VideoSource{ID: "b", AttendeeID: "att-b", Priority: 2},
			domain.VideoSource{ID: "c", AttendeeID: "att-c", Priority: 1},
		),
		Estimate: kbps(500),
		Limit:    3,
	})

	assert.Equal(t, 2, out.Plan.ActiveCount())
	assert.Equal(t, []domain.AttendeeID{"att-c"}, out.Paused)
	assert.Equal(t, uint64(450), out.BudgetKbps)
	assert.Equal(t, uint64(600), out.UsedKbps)
}

func TestEqualPrioritiesBreakTiesById(t *testing.T) {
	p := New(flatConfig())
	out := p.Compute(Input{
		Index:    index(domain.VideoSource{ID: "z", Priority: 1}, domain.VideoSource{ID: "m", Priority: 1}, domain.VideoSource{ID: "a", Priority: 1}),
		Estimate: kbps(10_000),
		Limit:    2,
	})
	assert.Equal(t, "a", out.Plan[0].SourceID)
	assert.Equal(t, "m", out.Plan[1].SourceID)
}

func TestSourceWithoutIDIsNeverAdmitted(t *testing.T) {
	p := New(flatConfig())
	out := p.Compute(Input{
		Index: domain.VideoIndex{
			"":   {ID: "", AttendeeID: "ghost", Priority: 9},
			"s1": {ID: "s1", AttendeeID: "a1", Priority: 1},
		},
		Estimate: kbps(10_000),
		Limit:    1,
	})

	require.Len(t, out.Plan, 1)
	assert.Equal(t, "s1", out.Plan[0].SourceID)
	assert.Equal(t, domain.AttendeeID("a1"), out.Plan[0].AttendeeID)
	assert.Equal(t, 1, out.Plan.ActiveCount())
	assert.NotContains(t, out.Paused, domain.AttendeeID("ghost"))
}

func TestPlanNeverExceedsLimit(t *testing.T) {
	p := New(flatConfig())
	for limit := 0; limit <= 6; limit++ {
		for n := 0; n <= 8; n++ {
			var srcs []domain.VideoSource
			for i := 0; i < n; i++ {
				srcs = append(srcs, domain.VideoSource{ID: fmt.Sprintf("s%d", i), Priority: i % 3, MultiResolution: i%2 == 0})
			}
			out := p.Compute(Input{Index: index(srcs...), Estimate: kbps(2000), Limit: limit})
			assert.Len(t, out.Plan, limit)
			assert.LessOrEqual(t, out.Plan.ActiveCount(), limit)
		}
	}
}

func TestComputeIsIdempotentAndAFixedPoint(t *testing.T) {
	p := New(DefaultConfig())
	in := Input{
		Index: index(
			domain.VideoSource{ID: "a", AttendeeID: "1", Priority: 1, MultiResolution: true},
			domain.VideoSource{ID: "b", AttendeeID: "2", Priority: 5},
			domain.VideoSource{ID: "c", AttendeeID: "3", Priority: 5, MultiResolution: true},
			domain.VideoSource{ID: "d", AttendeeID: "4", Priority: 0},
		),
		Estimate: kbps(2500),
		Limit:    3,
		Previous: domain.SubscriptionPlan{{SourceID: "d", AttendeeID: "4"}, {}, {SourceID: "a", AttendeeID: "1"}},
		Hints:    map[string]domain.TargetDisplaySize{"c": domain.DisplayHigh},
	}
	first := p.Compute(in)
	second := p.Compute(in)
	assert.Equal(t, first, second)

	in.Previous = first.Plan
	again := p.Compute(in)
	assert.Equal(t, first.Plan, again.Plan)
	assert.False(t, again.Diff.Changed())
}

func TestExistingSourcesKeepTheirSlot(t *testing.T) {
	p := New(flatConfig())
	prev := domain.SubscriptionPlan{
		{SourceID: "low", AttendeeID: "3"},
		domain.InactiveSlot,
		{SourceID: "mid", AttendeeID: "2"},
	}
	out := p.Compute(Input{
		Index: index(
			domain.VideoSource{ID: "top", AttendeeID: "1", Priority: 9},
			domain.VideoSource{ID: "mid", AttendeeID: "2", Priority: 5},
			domain.VideoSource{ID: "low", AttendeeID: "3", Priority: 1},
		),
		Estimate: kbps(10_000),
		Limit:    3,
		Previous: prev,
	})

	assert.Equal(t, "low", out.Plan[0].SourceID)
	assert.Equal(t, "top", out.Plan[1].SourceID, "new source takes the free slot")
	assert.Equal(t, "mid", out.Plan[2].SourceID)

	kinds := []domain.ChangeKind{out.Diff[0].Kind, out.Diff[1].Kind, out.Diff[2].Kind}
	assert.Equal(t, []domain.ChangeKind{domain.SlotUnchanged, domain.SlotAdded, domain.SlotUnchanged}, kinds)
}

func TestFreedSlotsBecomeInactive(t *testing.T) {
	p := New(flatConfig())
	prev := domain.SubscriptionPlan{{SourceID: "gone", AttendeeID: "9"}, {SourceID: "stay", AttendeeID: "1"}}
	out := p.Compute(Input{
		Index:    index(domain.VideoSource{ID: "stay", AttendeeID: "1"}),
		Estimate: kbps(10_000),
		Limit:    2,
		Previous: prev,
	})

	require.Len(t, out.Plan, 2)
	assert.Equal(t, domain.InactiveSlot, out.Plan[0])
	assert.Equal(t, "stay", out.Plan[1].SourceID)
	assert.Equal(t, domain.SlotRemoved, out.Diff[0].Kind)
}

func TestHintsSelectResolution(t *testing.T) {
	cfg := flatConfig()
	p := New(cfg)
	in := Input{
		Index: index(
			domain.VideoSource{ID: "multi", Priority: 2, MultiResolution: true},
			domain.VideoSource{ID: "single", Priority: 1},
		),
		Estimate: kbps(3000),
		Limit:    2,
		Hints:    map[string]domain.TargetDisplaySize{"multi": domain.DisplayHigh, "single": domain.DisplayHigh},
	}
	out := p.Compute(in)
	assert.Equal(t, domain.DisplayHigh, out.Plan[0].Size)
	assert.Equal(t, domain.DisplayLow, out.Plan[1].Size, "hint ignored for single resolution")
	assert.Equal(t, cfg.HighKbps+cfg.SingleKbps, out.UsedKbps)

	// Not enough room for High: the largest size that fits is used.
	in.Estimate = kbps(800)
	out = p.Compute(in)
	assert.Equal(t, domain.DisplayMedium, out.Plan[0].Size)

	in.Previous = domain.SubscriptionPlan{{SourceID: "multi", Size: domain.DisplayHigh}, {SourceID: "single"}}
	out = p.Compute(in)
	assert.Equal(t, domain.SlotResolutionSwitched, out.Diff[0].Kind)
}

func TestNoEstimateAdmitsUpToLimit(t *testing.T) {
	p := New(flatConfig())
	out := p.Compute(Input{
		Index: index(domain.VideoSource{ID: "a"}, domain.VideoSource{ID: "b"}, domain.VideoSource{ID: "c"}),
		Limit: 2,
	})
	assert.Equal(t, 2, out.Plan.ActiveCount())
	assert.Empty(t, out.Paused)
}

func newSession(limit int) *core.SessionContext {
	sc := core.NewSessionContext(domain.MeetingConfig{MeetingID: "m", AttendeeID: "a", SignalingURL: "ws://x"})
	sc.SetSubscriptionLimit(limit)
	return sc
}

func TestRecomputeTriggers(t *testing.T) {
	p := New(flatConfig())
	sc := newSession(2)

	trigger, ok := p.NeedsRecompute(sc)
	assert.True(t, ok)
	assert.Equal(t, "initial", trigger)

	p.ApplyIndex(sc, index(domain.VideoSource{ID: "a", AttendeeID: "1"}), 0)
	sc.SetBandwidthEstimate(domain.BandwidthEstimate{BitsPerSecond: 1_000_000, At: time.Unix(1, 0)})
	assert.True(t, p.Recompute(sc, trigger))
	_, ok = p.NeedsRecompute(sc)
	assert.False(t, ok)

	// 5% is not material.
	sc.SetBandwidthEstimate(domain.BandwidthEstimate{BitsPerSecond: 1_050_000, At: time.Unix(2, 0)})
	_, ok = p.NeedsRecompute(sc)
	assert.False(t, ok)

	sc.SetBandwidthEstimate(domain.BandwidthEstimate{BitsPerSecond: 600_000, At: time.Unix(3, 0)})
	trigger, ok = p.NeedsRecompute(sc)
	assert.True(t, ok)
	assert.Equal(t, "estimate", trigger)
	assert.False(t, p.Recompute(sc, trigger), "same sources, same plan")

	sc.SetTargetDisplaySize("a", domain.DisplayHigh)
	trigger, _ = p.NeedsRecompute(sc)
	assert.Equal(t, "hints", trigger)
	p.Recompute(sc, trigger)

	p.ApplyIndex(sc, index(domain.VideoSource{ID: "b", AttendeeID: "2"}), 1)
	trigger, _ = p.NeedsRecompute(sc)
	assert.Equal(t, "index", trigger)
	assert.True(t, p.Recompute(sc, trigger))

	cur, _ := sc.Plans()
	assert.Equal(t, domain.SubscriptionPlan{{SourceID: "b", AttendeeID: "2"}}, cur)

	p.Reset()
	trigger, _ = p.NeedsRecompute(sc)
	assert.Equal(t, "initial", trigger)
}

func TestRecomputeCommitsPaused(t *testing.T) {
	p := New(flatConfig())
	sc := newSession(3)
	p.ApplyIndex(sc, index(
		domain.VideoSource{ID: "a", AttendeeID: "1", Priority: 2},
		domain.VideoSource{ID: "b", AttendeeID: "2", Priority: 1},
	), 0)
	sc.SetBandwidthEstimate(kbps(200))
	p.Recompute(sc, "estimate")

	assert.True(t, sc.IsPaused("2"))
	assert.False(t, sc.IsPaused("1"))
}
