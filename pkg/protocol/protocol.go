package protocol

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	dcm "github.com/samsamfire/godcm"
	"github.com/samsamfire/godcm/pkg/buffer"
	"github.com/samsamfire/godcm/pkg/cancel"
	"github.com/samsamfire/godcm/pkg/hsm"
	"github.com/samsamfire/godcm/pkg/processor"
	"github.com/samsamfire/godcm/pkg/service"
	log "github.com/sirupsen/logrus"
)

// Number of response pending allowed without limit
const InfiniteResponsePending = 0xFFFF

// Sends protocol data over the transport. Confirmations are never given from
// inside these calls, the transport reports them later with
// TransmissionFinished and ProvideTxBuffer.
type Transmitter interface {
	Transmit(id dcm.ProtocolID, data []byte, simulate bool) error
	TransmitPaged(id dcm.ProtocolID, firstPage []byte, total int) error
	ProcessNextTxBuffer(id dcm.ProtocolID, page []byte) error
	CancelTransmit(id dcm.ProtocolID)
}

type Supervisor interface {
	ProtocolFree(id dcm.ProtocolID)
	ProcessingEnd(id dcm.ProtocolID)
	InhibitRequestProcessing()
	DisinhibitRequestProcessing()
	CommunicationEnabled(id dcm.ProtocolID) bool
}

type Services interface {
	Lookup(id dcm.ProtocolID, sid byte) (service.Entry, bool)
}

// Periodic response provider, fills msg.Response for a periodic job
type PeriodicFunc func(msg *dcm.MsgContext) dcm.Result

type Config struct {
	ID       dcm.ProtocolID
	Name     string
	Group    dcm.GroupID
	Priority uint8
	// Timings in ticks
	P2           uint32
	P2Adjust     uint32
	P2Star       uint32
	P2StarAdjust uint32
	// Server timings in milliseconds reported in session control responses
	P2ServerMax     uint16
	P2StarServerMax uint16
	// Maximum number of response pending, InfiniteResponsePending for no limit
	MaxResponsePending uint16
	QueueSize          int
	// Suppress 0x7E and 0x7F on functional requests
	Iso2013  bool
	Periodic PeriodicFunc
}

// One unit of work for a protocol instance
type Job struct {
	ID      uuid.UUID
	Kind    dcm.RequestKind
	Buffers *buffer.Set
	// Send a response pending before the first handler call
	Rcrrp bool
	// Bootloader return jobs only, whether the final response must be sent
	ResponseRequired bool
}

type responsePendingStatus uint8

const (
	rpNoData responsePendingStatus = iota
	rpPendingConf
	rpConfirmedTx
)

type asyncCancel uint8

const (
	asyncCancelNone asyncCancel = iota
	asyncCancelNextCycle
	asyncCancelPending
)

// Protocol instance, owns one statechart and runs one job at a time
type Protocol struct {
	mu       sync.Mutex
	cfg      Config
	logger   *log.Entry
	jobLog   *log.Entry
	machine  *hsm.Machine[*Protocol]
	proc     *processor.Processor
	tx       Transmitter
	sup      Supervisor
	services Services

	next  *Job
	job   *Job
	msg   dcm.MsgContext
	entry service.Entry
	// a handler was found and its length checks passed
	validated bool
	paged     bool
	simulate  bool
	// a transmission was handed to the transport and is not confirmed yet
	txOutstanding bool

	rpCntr                uint16
	rpCntrConfirmed       uint16
	rpForcedCntr          uint16
	rpForcedCntrConfirmed uint16
	rpStatus              responsePendingStatus

	cancellation cancel.State
	asyncCancel  asyncCancel
	retryTimer   uint32
	p2Timer      uint32
	p2Running    bool

	fault error
}

func NewProtocol(cfg Config, proc *processor.Processor, tx Transmitter, sup Supervisor, services Services, logger *log.Logger) (*Protocol, error) {
	if proc == nil || tx == nil || sup == nil || services == nil {
		return nil, dcm.ErrIllegalArgument
	}
	if cfg.ID == dcm.NoProtocol {
		return nil, fmt.Errorf("%w : protocol id %v is reserved", dcm.ErrIllegalArgument, cfg.ID)
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("protocol-%d", cfg.ID)
	}
	p := &Protocol{
		cfg:      cfg,
		proc:     proc,
		tx:       tx,
		sup:      sup,
		services: services,
	}
	p.logger = logger.WithFields(log.Fields{"service": "[DCM]", "protocol": cfg.Name})
	p.jobLog = p.logger
	p.machine = hsm.NewMachine(dcmChart, p, cfg.QueueSize, p.logger)
	p.machine.Init()
	return p, nil
}

func (p *Protocol) ID() dcm.ProtocolID {
	return p.cfg.ID
}

func (p *Protocol) Config() Config {
	return p.cfg
}

// Current leaf state
func (p *Protocol) State() hsm.StateID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.machine.Current()
}

func (p *Protocol) IsIn(s hsm.StateID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.machine.IsIn(s)
}

// Response pending counters : sent, confirmed, forced sent, forced confirmed
func (p *Protocol) Counters() (uint16, uint16, uint16, uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rpCntr, p.rpCntrConfirmed, p.rpForcedCntr, p.rpForcedCntrConfirmed
}

// Last negative response code of the running or last finished job
func (p *Protocol) Nrc() dcm.Nrc {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msg.Nrc
}

// Start a job. The job buffers belong to the protocol from now on, they are
// released when the job ends or is rejected.
func (p *Protocol) Start(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if job.Buffers == nil || job.Buffers.Released() {
		return dcm.ErrIllegalArgument
	}
	if p.next != nil {
		return dcm.ErrProtocolBusy
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	var ev hsm.EventID
	switch {
	case job.Kind == dcm.RequestBootloader:
		if !p.machine.IsIn(StateInitializing) {
			return dcm.ErrProtocolBusy
		}
		ev = EvReturnFromBootloader
	case job.Kind == dcm.RequestPeriodic:
		ev = EvPeriodic
	case job.Kind.IsRoe():
		ev = EvRoe
	case job.Rcrrp:
		ev = EvRequestReceivedRcrrp
	default:
		ev = EvRequestReceived
	}
	j := job
	p.next = &j
	if err := p.machine.Emit(ev); err != nil {
		p.next = nil
		return err
	}
	p.logger.Debugf("job %v (%v) queued", job.ID, job.Kind)
	return nil
}

// Request cancellation of the running job
func (p *Protocol) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.machine.IsIn(StateInService) {
		return
	}
	p.emit(EvCancelProcessing)
}

// Transmission confirmation from the transport
func (p *Protocol) TransmissionFinished(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transmissionFinished(ok)
}

// Transport requests the next page of a paged response
func (p *Protocol) ProvideTxBuffer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emit(EvProvideTxBuf)
}

// Handle asynchronous cancel requests and retry timer, first step of a tick
func (p *Protocol) PreDispatch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.asyncCancel {
	case asyncCancelNextCycle:
		p.asyncCancel = asyncCancelNone
		p.cancelProcessing()
	case asyncCancelPending:
		p.svcFunc(dcm.OpCancel)
	}
	if p.retryTimer > 0 {
		p.retryTimer--
		if p.retryTimer == 0 {
			p.emit(EvRetry)
		}
	}
}

// Dispatch queued events, returns whether anything was handled
func (p *Protocol) Dispatch() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fired, err := p.machine.Dispatch()
	if err == nil && p.fault != nil {
		err, p.fault = p.fault, nil
	}
	if err != nil {
		return fired, fmt.Errorf("protocol %v : %w", p.cfg.Name, err)
	}
	return fired, nil
}

// Advance the P2 timer, last step of a tick
func (p *Protocol) ProcessTimers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.p2Running {
		return
	}
	if p.p2Timer > 0 {
		p.p2Timer--
	}
	if p.p2Timer == 0 {
		p.p2Running = false
		p.emit(EvTimeout2)
	}
}

// Queue an event, behind the one being dispatched when called from an action
func (p *Protocol) emit(ev hsm.EventID) {
	if err := p.machine.EmitToSelf(ev); err != nil {
		p.setFault(fmt.Errorf("%w : lost event %v", err, dcmChart.EventName(ev)))
	}
}

func (p *Protocol) setFault(err error) {
	p.jobLog.Errorf("%v", err)
	if p.fault == nil {
		p.fault = err
	}
}
