package processor

import (
	"fmt"
	"sync"

	dcm "github.com/samsamfire/godcm"
	log "github.com/sirupsen/logrus"
)

// Result of one attempt to acquire a group slot
type Acquisition uint8

const (
	Acquired Acquisition = iota
	Busy
	Owned
)

// What the calling protocol has to do after a handler call
type Action uint8

const (
	ActionNone Action = iota
	// Slot busy, handler pending or async run outstanding
	ActionRetry
	// Cancel run not final yet, request it again next tick
	ActionCancelNextCycle
	// Async cancel run outstanding
	ActionCancelPending
	ActionForceResponsePending
	ActionProcessPage
	ActionAbort
	ActionDone
	// Handler halted, cancellation satisfied
	ActionCancelled
)

var actionMap = map[Action]string{
	ActionNone:                 "NONE",
	ActionRetry:                "RETRY",
	ActionCancelNextCycle:      "CANCEL_NEXT_CYCLE",
	ActionCancelPending:        "CANCEL_PENDING",
	ActionForceResponsePending: "FORCE_RCRRP",
	ActionProcessPage:          "PROCESS_PAGE",
	ActionAbort:                "ABORT",
	ActionDone:                 "DONE",
	ActionCancelled:            "CANCELLED",
}

func (a Action) String() string {
	s, ok := actionMap[a]
	if !ok {
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
	return s
}

// Async run phase
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhaseResultAvailable
)

// Everything needed to set up a slot for a request, only used on
// the first call of a request
type Request struct {
	Handler dcm.Handler
	Kind    dcm.HandlerKind
	Mode    dcm.Mode
	Msg     *dcm.MsgContext
	// Keep the slot when a cancelled run finishes, a paged transmission
	// still needs the confirmation call
	KeepOnCancel bool
}

// Execution slot of a protocol group
type Context struct {
	Owner    dcm.ProtocolID
	OpStatus dcm.OpStatus
	Result   dcm.Result
	Handler  dcm.Handler
	Kind     dcm.HandlerKind
	Mode     dcm.Mode
	Phase    Phase
	msg      *dcm.MsgContext
	// handler was called at least once
	started bool
	// handler reached a final result
	done bool
	// a confirmation call was made
	confirming    bool
	cancelPending bool
	generation    uint64
	// private message of the last async run, merged back when collected
	runMsg *dcm.MsgContext
}

func (c *Context) reset() {
	*c = Context{Owner: dcm.NoProtocol}
}

// Arbitration of the group slots. All group slots live in one arena
// indexed by group id.
type Processor struct {
	mu         sync.Mutex
	logger     *log.Entry
	contexts   []Context
	asyncGroup dcm.GroupID
	asyncBusy  bool
	trigger    chan asyncRun
	generation uint64
}

type asyncRun struct {
	group      dcm.GroupID
	generation uint64
	op         dcm.OpStatus
	handler    dcm.Handler
	kind       dcm.HandlerKind
	msg        *dcm.MsgContext
}

func NewProcessor(groups int, logger *log.Logger) (*Processor, error) {
	if groups <= 0 {
		return nil, dcm.ErrIllegalArgument
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	p := &Processor{
		logger:   logger.WithField("service", "[PROC]"),
		contexts: make([]Context, groups),
		trigger:  make(chan asyncRun, groups+1),
	}
	for i := range p.contexts {
		p.contexts[i].reset()
	}
	return p, nil
}

func (p *Processor) context(group dcm.GroupID) (*Context, error) {
	if int(group) >= len(p.contexts) {
		return nil, fmt.Errorf("%w : %v", dcm.ErrUnknownGroup, group)
	}
	return &p.contexts[group], nil
}

// Snapshot of a group slot
func (p *Processor) Context(group dcm.GroupID) (Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.context(group)
	if err != nil {
		return Context{}, err
	}
	return *c, nil
}

func (p *Processor) Owner(group dcm.GroupID) dcm.ProtocolID {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.context(group)
	if err != nil {
		return dcm.NoProtocol
	}
	return c.Owner
}

// Whether the handler of instance reached a final result or was never started
func (p *Processor) ServiceDone(group dcm.GroupID, instance dcm.ProtocolID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.context(group)
	if err != nil || c.Owner != instance {
		return true
	}
	return c.done
}

// Take the group slot for instance if it is free
func (p *Processor) AcquireOrWait(group dcm.GroupID, instance dcm.ProtocolID, req *Request) (Acquisition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.context(group)
	if err != nil {
		return Busy, err
	}
	return p.acquire(c, instance, req)
}

func (p *Processor) acquire(c *Context, instance dcm.ProtocolID, req *Request) (Acquisition, error) {
	switch c.Owner {
	case instance:
		return Owned, nil
	case dcm.NoProtocol:
	default:
		return Busy, nil
	}
	if req == nil || req.Handler == nil || req.Msg == nil {
		return Busy, dcm.ErrIllegalArgument
	}
	c.reset()
	p.generation++
	c.generation = p.generation
	c.Owner = instance
	c.OpStatus = dcm.OpInitial
	c.Result = dcm.ResultNotOk
	c.Handler = req.Handler
	c.Kind = req.Kind
	c.Mode = req.Mode
	c.msg = req.Msg
	p.logger.Debugf("slot acquired by protocol %v, %v handler, mode %v", instance, c.Kind, c.Mode)
	return Acquired, nil
}

// Free the group slot, only its owner may release it
func (p *Processor) Release(group dcm.GroupID, instance dcm.ProtocolID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.context(group)
	if err != nil {
		return err
	}
	if c.Owner != instance {
		return fmt.Errorf("%w : protocol %v releasing slot of group %v owned by %v",
			dcm.ErrContractViolation, instance, group, c.Owner)
	}
	p.release(c, group)
	return nil
}

func (p *Processor) release(c *Context, group dcm.GroupID) {
	p.logger.Debugf("slot of group %v released by protocol %v", group, c.Owner)
	if p.asyncBusy && p.asyncGroup == group && c.Phase != PhaseIdle {
		// the worker result is discarded when it comes back
		p.asyncBusy = false
	}
	c.reset()
}

func isConfirmation(op dcm.OpStatus) bool {
	return op == dcm.OpConfirmedOk || op == dcm.OpConfirmedNotOk
}

// Run one step of the handler of instance. The slot is set up on the first call.
// Cancel and confirmation calls for an instance that does not own the slot have
// nothing left to run.
// Sync handlers run with the processor lock held and must not call back into it.
func (p *Processor) Call(group dcm.GroupID, instance dcm.ProtocolID, op dcm.OpStatus, req *Request) (Action, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.context(group)
	if err != nil {
		return ActionNone, err
	}
	if c.Owner != instance && (op == dcm.OpCancel || isConfirmation(op)) {
		if op == dcm.OpCancel {
			return ActionCancelled, nil
		}
		return ActionDone, nil
	}
	acquisition, err := p.acquire(c, instance, req)
	if err != nil {
		return ActionNone, err
	}
	switch acquisition {
	case Busy:
		return ActionRetry, nil
	case Acquired:
		op = dcm.OpInitial
	}
	keep := req != nil && req.KeepOnCancel

	if c.Mode == dcm.ModeSync || isConfirmation(op) {
		c.OpStatus = op
		c.started = true
		c.Result = execute(c.Handler, c.Kind, op, c.msg)
		return p.processResult(c, group, op, keep), nil
	}

	switch c.Phase {
	case PhaseIdle:
		if !c.started && op == dcm.OpCancel {
			p.release(c, group)
			return ActionCancelled, nil
		}
		if p.asyncBusy {
			// single async run across all groups
			return ActionRetry, nil
		}
		if !c.started {
			op = dcm.OpInitial
		}
		c.started = true
		c.OpStatus = op
		c.Phase = PhaseRunning
		p.asyncBusy = true
		p.asyncGroup = group
		select {
		case p.trigger <- asyncRun{group: group, generation: c.generation, op: op, handler: c.Handler, kind: c.Kind, msg: detach(c.msg)}:
		default:
			c.Phase = PhaseIdle
			p.asyncBusy = false
			return ActionNone, fmt.Errorf("%w : async worker already triggered", dcm.ErrContractViolation)
		}
		if op == dcm.OpCancel {
			c.cancelPending = true
			return ActionCancelPending, nil
		}
		return ActionRetry, nil
	case PhaseRunning:
		if op == dcm.OpCancel {
			if c.cancelPending {
				return ActionCancelPending, nil
			}
			return ActionCancelNextCycle, nil
		}
		return ActionRetry, nil
	default:
		c.Phase = PhaseIdle
		p.asyncBusy = false
		c.cancelPending = false
		if c.runMsg != nil {
			merge(c.msg, c.runMsg)
			c.runMsg = nil
		}
		return p.processResult(c, group, op, keep), nil
	}
}

// Copy of msg an async run works on, the caller keeps reading and
// writing msg from its tick meanwhile
func detach(msg *dcm.MsgContext) *dcm.MsgContext {
	run := *msg
	run.Response = append([]byte(nil), msg.Response...)
	return &run
}

// Merge the handler output of an async run into msg
func merge(msg *dcm.MsgContext, run *dcm.MsgContext) {
	copy(msg.Response, run.Response)
	msg.ResponseLength = run.ResponseLength
	msg.PageLength = run.PageLength
	if run.Nrc != dcm.NrcOk {
		msg.SetNegativeResponse(run.Nrc)
	}
}

// Call the handler once. A cancel run is normalized to the final value of
// the handler kind whatever the handler returned.
func execute(handler dcm.Handler, kind dcm.HandlerKind, op dcm.OpStatus, msg *dcm.MsgContext) dcm.Result {
	callOp := op
	if op == dcm.OpForceRcrrpOk && kind == dcm.HandlerExternal {
		callOp = dcm.OpPending
	}
	result := handler(callOp, msg)
	if op == dcm.OpCancel {
		if kind == dcm.HandlerInternal {
			return dcm.ResultDone
		}
		return dcm.ResultOk
	}
	return result
}

func (p *Processor) processResult(c *Context, group dcm.GroupID, op dcm.OpStatus, keep bool) Action {
	if isConfirmation(op) {
		c.confirming = true
	}
	if op == dcm.OpCancel || c.OpStatus == dcm.OpCancel {
		if c.Result.IsFinal() {
			if !keep {
				p.release(c, group)
			} else {
				c.done = true
			}
			return ActionCancelled
		}
		if op == dcm.OpCancel && !c.cancelPending {
			return ActionCancelNextCycle
		}
	}
	switch c.Result {
	case dcm.ResultForceResponsePending:
		return ActionForceResponsePending
	case dcm.ResultPending:
		return ActionRetry
	case dcm.ResultProcessPage:
		return ActionProcessPage
	case dcm.ResultAbort:
		p.release(c, group)
		return ActionAbort
	case dcm.ResultOk:
		p.release(c, group)
		return ActionDone
	case dcm.ResultNotOk:
		if c.Kind == dcm.HandlerExternal || c.confirming {
			p.release(c, group)
			return ActionDone
		}
		c.done = true
		return ActionDone
	case dcm.ResultDone:
	default:
		p.logger.Warnf("unexpected handler result %v for protocol %v, treated as done", c.Result, c.Owner)
	}
	if c.confirming {
		p.release(c, group)
		return ActionDone
	}
	c.done = true
	return ActionDone
}
