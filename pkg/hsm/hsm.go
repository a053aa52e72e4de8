package hsm

import (
	"fmt"

	dcm "github.com/samsamfire/godcm"
	"github.com/samsamfire/godcm/internal/fifo"
	log "github.com/sirupsen/logrus"
)

const DefaultQueueSize = 16

// One running instance of a chart. A machine is not safe for concurrent
// use, the owner serializes Emit and Dispatch.
type Machine[C any] struct {
	chart       *Chart[C]
	ctx         C
	current     StateID
	queue       *fifo.Fifo[EventID]
	insertAt    int
	dispatching bool
	logger      *log.Entry
}

func NewMachine[C any](chart *Chart[C], ctx C, queueSize int, logger *log.Entry) *Machine[C] {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Machine[C]{
		chart:   chart,
		ctx:     ctx,
		current: NoState,
		queue:   fifo.NewFifo[EventID](queueSize),
		logger:  logger,
	}
}

// Enter the top state and descend through the initial states.
// Pending events are discarded.
func (m *Machine[C]) Init() {
	m.queue.Reset()
	m.insertAt = 0
	m.enter(m.chart.top)
	m.descend()
}

func (m *Machine[C]) Current() StateID {
	return m.current
}

// Whether the current leaf is s or one of its descendants
func (m *Machine[C]) IsIn(s StateID) bool {
	return m.current != NoState && m.chart.IsAncestorOrSelf(s, m.current)
}

// Number of events waiting in the queue
func (m *Machine[C]) Pending() int {
	return m.queue.GetOccupied()
}

func (m *Machine[C]) Chart() *Chart[C] {
	return m.chart
}

// Queue an event at the tail
func (m *Machine[C]) Emit(ev EventID) error {
	if !m.queue.Write(ev) {
		m.logger.Errorf("[HSM] %v queue full, dropping %v", m.chart.name, m.chart.EventName(ev))
		return dcm.ErrQueueFull
	}
	return nil
}

// Queue an event right after the one being dispatched, behind earlier self emitted
// events. Outside of a dispatch this is the same as Emit.
func (m *Machine[C]) EmitToSelf(ev EventID) error {
	if !m.dispatching {
		return m.Emit(ev)
	}
	if !m.queue.Insert(m.insertAt, ev) {
		m.logger.Errorf("[HSM] %v queue full, dropping %v", m.chart.name, m.chart.EventName(ev))
		return dcm.ErrQueueFull
	}
	m.insertAt++
	return nil
}

// Dispatch queued events until none is dispatchable in the current state.
// Returns whether at least one event was handled.
func (m *Machine[C]) Dispatch() (bool, error) {
	fired := false
	if m.current == NoState {
		return false, nil
	}
	for {
		index, ev, found := m.nextEvent()
		if !found {
			return fired, nil
		}
		m.insertAt = index + 1
		m.dispatching = true
		err := m.dispatch(ev)
		m.dispatching = false
		m.queue.Remove(index)
		fired = true
		if err != nil {
			return fired, err
		}
	}
}

// Find first event to dispatch, dropping ignored ones and skipping deferred ones
func (m *Machine[C]) nextEvent() (int, EventID, bool) {
	index := 0
	for index < m.queue.GetOccupied() {
		ev, _ := m.queue.Peek(index)
		switch m.chart.classes[m.current][ev] {
		case classIgnore:
			m.logger.Debugf("[HSM] %v ignoring %v in %v", m.chart.name, m.chart.EventName(ev), m.chart.StateName(m.current))
			m.queue.Remove(index)
		case classDefer:
			index++
		default:
			return index, ev, true
		}
	}
	return 0, 0, false
}

func (m *Machine[C]) dispatch(ev EventID) error {
	for s := m.current; s != NoState; s = m.chart.states[s].Parent {
		transitions := m.chart.states[s].Transitions
		for i := range transitions {
			tr := &transitions[i]
			if tr.Event != ev || (tr.Guard != nil && !tr.Guard(m.ctx)) {
				continue
			}
			m.fire(s, tr)
			return nil
		}
	}
	return fmt.Errorf("%w : event %v unhandled in state %v of %v",
		dcm.ErrContractViolation, m.chart.EventName(ev), m.chart.StateName(m.current), m.chart.name)
}

func (m *Machine[C]) fire(source StateID, tr *Transition[C]) {
	if tr.Target == NoState {
		m.logger.Debugf("[HSM] %v internal %v in %v", m.chart.name, m.chart.EventName(tr.Event), m.chart.StateName(m.current))
		for _, action := range tr.Actions {
			action(m.ctx)
		}
		return
	}
	m.logger.Debugf("[HSM] %v %v -> %v on %v", m.chart.name,
		m.chart.StateName(m.current), m.chart.StateName(tr.Target), m.chart.EventName(tr.Event))
	for m.current != source {
		m.exit()
	}
	lca := m.chart.lca(source, tr.Target)
	for m.current != lca {
		m.exit()
	}
	for _, action := range tr.Actions {
		action(m.ctx)
	}
	var path []StateID
	for s := tr.Target; s != lca; s = m.chart.states[s].Parent {
		path = append(path, s)
	}
	for i := len(path) - 1; i >= 0; i-- {
		m.enter(path[i])
	}
	m.descend()
}

func (m *Machine[C]) exit() {
	state := &m.chart.states[m.current]
	if state.Exit != nil {
		state.Exit(m.ctx)
	}
	m.current = state.Parent
}

func (m *Machine[C]) enter(s StateID) {
	m.current = s
	if entry := m.chart.states[s].Entry; entry != nil {
		entry(m.ctx)
	}
}

func (m *Machine[C]) descend() {
	for {
		init := m.chart.states[m.current].Init
		if init == NoState {
			return
		}
		m.enter(init)
	}
}
