// Package downlink chooses which remote video sources to receive, and at
// which resolution, under the subscription limit and the downlink
// bandwidth estimate.
package downlink

import (
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/dkeye/callcontrol/internal/core"
	"github.com/dkeye/callcontrol/internal/domain"
	"github.com/dkeye/callcontrol/internal/metrics"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// ReservedFraction of the estimate is kept for audio and overhead.
	ReservedFraction float64
	LowKbps          uint64
	MediumKbps       uint64
	HighKbps         uint64
	// SingleKbps is the cost of a source with one resolution.
	SingleKbps uint64
	// MaterialChange is the relative estimate change that triggers a
	// recomputation.
	MaterialChange     float64
	DefaultDisplaySize domain.TargetDisplaySize
}

func DefaultConfig() Config {
	return Config{
		ReservedFraction:   0.1,
		LowKbps:            300,
		MediumKbps:         600,
		HighKbps:           1500,
		SingleKbps:         600,
		MaterialChange:     0.1,
		DefaultDisplaySize: domain.DisplayMedium,
	}
}

func (c Config) cost(size domain.TargetDisplaySize) uint64 {
	switch size {
	case domain.DisplayHigh:
		return c.HighKbps
	case domain.DisplayMedium:
		return c.MediumKbps
	default:
		return c.LowKbps
	}
}

// Input is everything a plan depends on.
type Input struct {
	Index    domain.VideoIndex
	Estimate domain.BandwidthEstimate
	Limit    int
	// Previous is the plan currently committed; its slot positions are
	// kept for sources that stay subscribed.
	Previous domain.SubscriptionPlan
	Hints    map[string]domain.TargetDisplaySize
}

type Output struct {
	Plan   domain.SubscriptionPlan
	Paused []domain.AttendeeID
	// Diff compares Previous, resized to the limit, with Plan.
	Diff       domain.PlanDiff
	BudgetKbps uint64
	UsedKbps   uint64
}

// Policy is the video downlink bandwidth policy. Compute is a pure
// function of its input; Recompute reads and commits through a
// SessionContext.
type Policy struct {
	cfg Config

	mu          sync.Mutex
	computed    bool
	lastKbps    uint64
	lastVersion uint64
	lastHints   map[string]domain.TargetDisplaySize
}

func New(cfg Config) *Policy {
	return &Policy{cfg: cfg}
}

func (p *Policy) Config() Config { return p.cfg }

// Compute builds the plan for in. Same input, same output.
func (p *Policy) Compute(in Input) Output {
	limit := in.Limit
	if limit < 0 {
		limit = 0
	}

	// A source without an id cannot be subscribed to.
	candidates := slices.DeleteFunc(in.Index.Sources(), func(s domain.VideoSource) bool { return s.ID == "" })
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})

	// No estimate yet: the budget does not constrain admission.
	unconstrained := in.Estimate.IsZero()
	budget := uint64(math.Floor(float64(in.Estimate.Kbps()) * (1 - p.cfg.ReservedFraction)))

	type admitted struct {
		src  domain.VideoSource
		size domain.TargetDisplaySize
	}
	var (
		chosen   []admitted
		used     uint64
		excluded []domain.VideoSource
	)
	for i, src := range candidates {
		if i >= limit {
			break
		}
		if !unconstrained && used >= budget {
			excluded = append(excluded, src)
			continue
		}
		size, cost := p.pick(src, in.Hints, budget-min(used, budget), unconstrained)
		chosen = append(chosen, admitted{src: src, size: size})
		used += cost
	}

	plan := make(domain.SubscriptionPlan, limit)
	var pending []admitted
	for _, a := range chosen {
		slot := domain.Slot{SourceID: a.src.ID, AttendeeID: a.src.AttendeeID, Size: a.size}
		if i := in.Previous.SlotOf(a.src.ID); i >= 0 && i < limit && !plan[i].Active() {
			plan[i] = slot
			continue
		}
		pending = append(pending, a)
	}
	next := 0
	for _, a := range pending {
		for plan[next].Active() {
			next++
		}
		plan[next] = domain.Slot{SourceID: a.src.ID, AttendeeID: a.src.AttendeeID, Size: a.size}
	}

	return Output{
		Plan:       plan,
		Paused:     pausedAttendees(excluded, plan),
		Diff:       domain.DiffPlans(in.Previous.Resize(limit), plan),
		BudgetKbps: budget,
		UsedKbps:   used,
	}
}

// pick returns the largest size not above the source's target that fits
// in remaining, falling back to Low. Single resolution sources ignore
// hints.
func (p *Policy) pick(src domain.VideoSource, hints map[string]domain.TargetDisplaySize, remaining uint64, unconstrained bool) (domain.TargetDisplaySize, uint64) {
	if !src.MultiResolution {
		return domain.DisplayLow, p.cfg.SingleKbps
	}
	target := p.cfg.DefaultDisplaySize
	if h, ok := hints[src.ID]; ok && h.Valid() {
		target = h
	}
	for size := target; size > domain.DisplayLow; size-- {
		if unconstrained || p.cfg.cost(size) <= remaining {
			return size, p.cfg.cost(size)
		}
	}
	return domain.DisplayLow, p.cfg.LowKbps
}

// pausedAttendees lists attendees whose sources were cut for bandwidth
// and who have no other source in the plan, sorted.
func pausedAttendees(excluded []domain.VideoSource, plan domain.SubscriptionPlan) []domain.AttendeeID {
	if len(excluded) == 0 {
		return nil
	}
	inPlan := make(map[domain.AttendeeID]bool, len(plan))
	for _, s := range plan {
		if s.Active() {
			inPlan[s.AttendeeID] = true
		}
	}
	seen := make(map[domain.AttendeeID]bool)
	var out []domain.AttendeeID
	for _, src := range excluded {
		if inPlan[src.AttendeeID] || seen[src.AttendeeID] {
			continue
		}
		seen[src.AttendeeID] = true
		out = append(out, src.AttendeeID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NeedsRecompute reports whether the session inputs changed enough since
// the last Recompute, and names the trigger.
func (p *Policy) NeedsRecompute(sc *core.SessionContext) (string, bool) {
	_, version := sc.VideoIndex()
	hints := sc.TargetDisplaySizes()
	kbps := sc.BandwidthEstimate().Kbps()

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case !p.computed:
		return "initial", true
	case version != p.lastVersion:
		return "index", true
	case !sameHints(hints, p.lastHints):
		return "hints", true
	case p.material(p.lastKbps, kbps):
		return "estimate", true
	}
	return "", false
}

func (p *Policy) material(prev, next uint64) bool {
	if prev == next {
		return false
	}
	if prev == 0 {
		return true
	}
	delta := math.Abs(float64(next)-float64(prev)) / float64(prev)
	return delta >= p.cfg.MaterialChange
}

// Recompute computes a plan from sc and commits it. It reports whether
// the committed plan differs from the one it replaced.
func (p *Policy) Recompute(sc *core.SessionContext, trigger string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, version := sc.VideoIndex()
	est := sc.BandwidthEstimate()
	hints := sc.TargetDisplaySizes()
	current, _ := sc.Plans()

	out := p.Compute(Input{
		Index:    idx,
		Estimate: est,
		Limit:    sc.SubscriptionLimit(),
		Previous: current,
		Hints:    hints,
	})
	sc.CommitPlan(out.Plan, out.Paused)

	p.computed = true
	p.lastVersion = version
	p.lastHints = hints
	p.lastKbps = est.Kbps()

	changed := !out.Plan.Equal(current)
	metrics.RecordPlanRecompute(trigger, changed)
	metrics.SetActiveSlots(out.Plan.ActiveCount())
	log.Debug().
		Str("module", "downlink").
		Str("trigger", trigger).
		Uint64("budget_kbps", out.BudgetKbps).
		Uint64("used_kbps", out.UsedKbps).
		Int("active", out.Plan.ActiveCount()).
		Int("paused", len(out.Paused)).
		Bool("changed", changed).
		Msg("plan recomputed")
	return changed
}

// ApplyIndex stores a new index and, when limit is positive, a new
// subscription limit. It is serialized with Recompute so a plan is never
// committed against a limit that shrank under it.
func (p *Policy) ApplyIndex(sc *core.SessionContext, idx domain.VideoIndex, limit int) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit > 0 {
		sc.SetSubscriptionLimit(limit)
	}
	return sc.SetVideoIndex(idx)
}

// Reset forgets the last inputs, for a fresh media connection.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.computed = false
	p.lastHints = nil
	p.lastKbps = 0
	p.lastVersion = 0
}

func sameHints(a, b map[string]domain.TargetDisplaySize) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}
