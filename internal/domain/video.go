package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrInvalidDisplaySize = errors.New("invalid target display size")

// TargetDisplaySize selects which encoded resolution of a multi-resolution
// source to receive.
type TargetDisplaySize int

const (
	DisplayLow TargetDisplaySize = iota
	DisplayMedium
	DisplayHigh
)

func (s TargetDisplaySize) String() string {
	switch s {
	case DisplayLow:
		return "low"
	case DisplayMedium:
		return "medium"
	case DisplayHigh:
		return "high"
	default:
		return fmt.Sprintf("TargetDisplaySize(%d)", int(s))
	}
}

func (s TargetDisplaySize) Valid() bool {
	return s >= DisplayLow && s <= DisplayHigh
}

// ParseTargetDisplaySize accepts the names produced by String.
func ParseTargetDisplaySize(name string) (TargetDisplaySize, error) {
	switch name {
	case "low":
		return DisplayLow, nil
	case "medium":
		return DisplayMedium, nil
	case "high":
		return DisplayHigh, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidDisplaySize, name)
	}
}

// VideoSource is one remote video source advertised in the video index.
type VideoSource struct {
	ID              string     `json:"id"`
	AttendeeID      AttendeeID `json:"attendee_id"`
	GroupID         uint32     `json:"group_id"`
	Priority        int        `json:"priority"`
	MultiResolution bool       `json:"multi_resolution,omitempty"`
}

// VideoIndex is the server-provided catalog keyed by source id.
type VideoIndex map[string]VideoSource

// Clone returns an independent copy of the index.
func (idx VideoIndex) Clone() VideoIndex {
	out := make(VideoIndex, len(idx))
	for k, v := range idx {
		out[k] = v
	}
	return out
}

// Sources returns the sources sorted by id.
func (idx VideoIndex) Sources() []VideoSource {
	out := make([]VideoSource, 0, len(idx))
	for _, s := range idx {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Slot is one positional receive slot of a subscription plan. A slot with
// an empty SourceID is inactive; it is still a valid element of the plan.
type Slot struct {
	SourceID   string            `json:"source_id,omitempty"`
	AttendeeID AttendeeID        `json:"attendee_id,omitempty"`
	Size       TargetDisplaySize `json:"size"`
}

// InactiveSlot is the explicit marker for a freed or never used slot.
var InactiveSlot = Slot{}

func (s Slot) Active() bool { return s.SourceID != "" }

// SubscriptionPlan maps receive slots to video sources. Slots are stable:
// position i always refers to the same receive transceiver.
type SubscriptionPlan []Slot

// Clone returns an independent copy; nil stays nil.
func (p SubscriptionPlan) Clone() SubscriptionPlan {
	if p == nil {
		return nil
	}
	out := make(SubscriptionPlan, len(p))
	copy(out, p)
	return out
}

// Resize truncates or pads with inactive slots to exactly n slots.
func (p SubscriptionPlan) Resize(n int) SubscriptionPlan {
	out := make(SubscriptionPlan, n)
	copy(out, p)
	return out
}

// ActiveCount returns the number of active slots.
func (p SubscriptionPlan) ActiveCount() int {
	n := 0
	for _, s := range p {
		if s.Active() {
			n++
		}
	}
	return n
}

// SlotOf returns the position of sourceID, or -1.
func (p SubscriptionPlan) SlotOf(sourceID string) int {
	for i, s := range p {
		if s.Active() && s.SourceID == sourceID {
			return i
		}
	}
	return -1
}

func (p SubscriptionPlan) Equal(o SubscriptionPlan) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// ChangeKind classifies one slot when two plans are compared.
type ChangeKind int

const (
	SlotUnchanged ChangeKind = iota
	// SlotAdded means the slot now carries a source it did not carry
	// before. If the slot was active, Previous holds the displaced source.
	SlotAdded
	SlotRemoved
	SlotResolutionSwitched
)

func (k ChangeKind) String() string {
	switch k {
	case SlotUnchanged:
		return "unchanged"
	case SlotAdded:
		return "added"
	case SlotRemoved:
		return "removed"
	case SlotResolutionSwitched:
		return "resolution_switched"
	default:
		return "unknown"
	}
}

type SlotChange struct {
	Index    int
	Kind     ChangeKind
	Previous Slot
	Current  Slot
}

// PlanDiff holds one SlotChange per slot, in slot order.
type PlanDiff []SlotChange

// Changed reports whether any slot differs.
func (d PlanDiff) Changed() bool {
	for _, c := range d {
		if c.Kind != SlotUnchanged {
			return true
		}
	}
	return false
}

// Of returns the changes of kind k.
func (d PlanDiff) Of(k ChangeKind) []SlotChange {
	var out []SlotChange
	for _, c := range d {
		if c.Kind == k {
			out = append(out, c)
		}
	}
	return out
}

// DiffPlans compares two plans of equal length slot by slot. Comparing
// plans of different length is a programming error.
func DiffPlans(prev, next SubscriptionPlan) PlanDiff {
	if len(prev) != len(next) {
		panic(fmt.Sprintf("domain: diff of plans with %d and %d slots", len(prev), len(next)))
	}
	out := make(PlanDiff, len(next))
	for i := range next {
		p, n := prev[i], next[i]
		c := SlotChange{Index: i, Previous: p, Current: n}
		switch {
		case !p.Active() && !n.Active():
			c.Kind = SlotUnchanged
		case p.Active() && !n.Active():
			c.Kind = SlotRemoved
		case p.SourceID != n.SourceID:
			c.Kind = SlotAdded
		case p.Size != n.Size:
			c.Kind = SlotResolutionSwitched
		default:
			c.Kind = SlotUnchanged
		}
		out[i] = c
	}
	return out
}

// BandwidthEstimate is a downlink estimate with a monotonic timestamp.
type BandwidthEstimate struct {
	BitsPerSecond uint64
	At            time.Time
}

func (e BandwidthEstimate) Kbps() uint64 { return e.BitsPerSecond / 1000 }

func (e BandwidthEstimate) IsZero() bool { return e.At.IsZero() && e.BitsPerSecond == 0 }
