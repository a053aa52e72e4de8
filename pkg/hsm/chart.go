package hsm

import (
	"fmt"

	dcm "github.com/samsamfire/godcm"
)

type StateID uint8
type EventID uint8

const NoState StateID = 0xFF

// Maximum number of distinct events a chart can declare
const MaxEvents = 64

// Set of events as a bitmask
type EventSet uint64

func Events(events ...EventID) EventSet {
	var set EventSet
	for _, ev := range events {
		set |= 1 << ev
	}
	return set
}

func (s EventSet) Has(ev EventID) bool {
	return s&(1<<ev) != 0
}

// Transition of a state. Target NoState makes it an internal transition
// that only runs its actions without leaving the current leaf.
type Transition[C any] struct {
	Event   EventID
	Guard   func(C) bool
	Actions []func(C)
	Target  StateID
}

// A statechart node. Ignored and Deferred are inherited by all
// descendants unless a descendant declares the event itself.
type State[C any] struct {
	Name        string
	Parent      StateID
	Init        StateID
	Entry       func(C)
	Exit        func(C)
	Transitions []Transition[C]
	Ignored     EventSet
	Deferred    EventSet
}

type class uint8

const (
	classUnknown class = iota
	classDispatch
	classIgnore
	classDefer
)

// Static description of a hierarchical state machine, shared by all its instances
type Chart[C any] struct {
	name    string
	states  []State[C]
	top     StateID
	events  []string
	classes [][]class
}

// Create a new chart. The state slice is indexed by StateID and
// the event names slice by EventID.
func NewChart[C any](name string, states []State[C], top StateID, events []string) (*Chart[C], error) {
	if len(states) == 0 || int(top) >= len(states) || len(states) >= int(NoState) {
		return nil, dcm.ErrIllegalArgument
	}
	if len(events) == 0 || len(events) > MaxEvents {
		return nil, dcm.ErrIllegalArgument
	}
	c := &Chart[C]{name: name, states: states, top: top, events: events}
	for id, state := range states {
		sid := StateID(id)
		if sid == top {
			if state.Parent != NoState {
				return nil, fmt.Errorf("%w : top state %v has a parent", dcm.ErrIllegalArgument, state.Name)
			}
		} else if !c.valid(state.Parent) {
			return nil, fmt.Errorf("%w : state %v has invalid parent", dcm.ErrIllegalArgument, state.Name)
		}
		if state.Init != NoState && (!c.valid(state.Init) || states[state.Init].Parent != sid) {
			return nil, fmt.Errorf("%w : state %v has invalid init state", dcm.ErrIllegalArgument, state.Name)
		}
		for _, tr := range state.Transitions {
			if int(tr.Event) >= len(events) {
				return nil, fmt.Errorf("%w : state %v uses unknown event %v", dcm.ErrIllegalArgument, state.Name, tr.Event)
			}
			if tr.Target != NoState && !c.valid(tr.Target) {
				return nil, fmt.Errorf("%w : state %v has invalid transition target", dcm.ErrIllegalArgument, state.Name)
			}
		}
	}
	// A parent loop would make the ancestor walk spin forever
	for id := range states {
		depth := 0
		for s := StateID(id); s != NoState; s = states[s].Parent {
			depth++
			if depth > len(states) {
				return nil, fmt.Errorf("%w : cycle in state hierarchy", dcm.ErrIllegalArgument)
			}
		}
	}
	c.classes = make([][]class, len(states))
	for id := range states {
		c.classes[id] = c.classify(StateID(id))
	}
	return c, nil
}

func (c *Chart[C]) valid(s StateID) bool {
	return s != NoState && int(s) < len(c.states)
}

// Event handling class seen from a state. The nearest state declaring
// the event wins.
func (c *Chart[C]) classify(leaf StateID) []class {
	classes := make([]class, len(c.events))
	for ev := range c.events {
		event := EventID(ev)
	walk:
		for s := leaf; s != NoState; s = c.states[s].Parent {
			state := &c.states[s]
			switch {
			case state.Ignored.Has(event):
				classes[ev] = classIgnore
				break walk
			case state.Deferred.Has(event):
				classes[ev] = classDefer
				break walk
			}
			for _, tr := range state.Transitions {
				if tr.Event == event {
					classes[ev] = classDispatch
					break walk
				}
			}
		}
	}
	return classes
}

func (c *Chart[C]) Name() string {
	return c.name
}

func (c *Chart[C]) StateName(s StateID) string {
	if !c.valid(s) {
		return "NONE"
	}
	return c.states[s].Name
}

func (c *Chart[C]) EventName(ev EventID) string {
	if int(ev) >= len(c.events) {
		return fmt.Sprintf("EVENT(%d)", ev)
	}
	return c.events[ev]
}

func (c *Chart[C]) Parent(s StateID) StateID {
	return c.states[s].Parent
}

// Whether ancestor is s or one of its ancestors
func (c *Chart[C]) IsAncestorOrSelf(ancestor StateID, s StateID) bool {
	for ; s != NoState; s = c.states[s].Parent {
		if s == ancestor {
			return true
		}
	}
	return false
}

// Lowest state that is a proper ancestor of target and contains source
func (c *Chart[C]) lca(source StateID, target StateID) StateID {
	for a := c.states[target].Parent; a != NoState; a = c.states[a].Parent {
		if c.IsAncestorOrSelf(a, source) {
			return a
		}
	}
	return NoState
}
