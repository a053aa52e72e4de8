package supervisor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	dcm "github.com/samsamfire/godcm"
	"github.com/samsamfire/godcm/pkg/buffer"
	"github.com/samsamfire/godcm/pkg/protocol"
	log "github.com/sirupsen/logrus"
)

// Protocol instance as seen by the supervisor
type Protocol interface {
	ID() dcm.ProtocolID
	Config() protocol.Config
	Start(job protocol.Job) error
	Cancel()
}

// Sends a frame that needs no confirmation, used for busy responses
type Responder interface {
	Respond(id dcm.ProtocolID, data []byte) error
}

type slot struct {
	p         Protocol
	cfg       protocol.Config
	busy      bool
	comm      bool
	completed int
}

// Admission of incoming requests and jobs. Decides which protocol may start
// a job, pre-empts lower priority protocols of the same group and tracks
// protocol activity.
type Supervisor struct {
	mu        sync.Mutex
	logger    *log.Entry
	pool      *buffer.Pool
	services  protocol.Services
	responder Responder
	slots     map[dcm.ProtocolID]*slot
	inhibited bool
	busyNrc   bool
}

func NewSupervisor(pool *buffer.Pool, services protocol.Services, logger *log.Logger) (*Supervisor, error) {
	if pool == nil || services == nil {
		return nil, dcm.ErrIllegalArgument
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Supervisor{
		logger:   logger.WithField("service", "[SUP]"),
		pool:     pool,
		services: services,
		slots:    make(map[dcm.ProtocolID]*slot),
	}, nil
}

// Answer requests colliding with a running protocol of equal or higher
// priority with busy repeat request
func (s *Supervisor) SetBusyResponder(responder Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = responder
	s.busyNrc = responder != nil
}

func (s *Supervisor) Register(p Protocol) error {
	if p == nil {
		return dcm.ErrIllegalArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[p.ID()]; ok {
		return fmt.Errorf("%w : protocol %v registered twice", dcm.ErrIllegalArgument, p.ID())
	}
	s.slots[p.ID()] = &slot{p: p, cfg: p.Config(), comm: true}
	return nil
}

// Registered protocol ids in ascending order
func (s *Supervisor) Protocols() []dcm.ProtocolID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]dcm.ProtocolID, 0, len(s.slots))
	for id := range s.slots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// A tester request was received on the connection of protocol id
func (s *Supervisor) RequestReceived(id dcm.ProtocolID, data []byte, functional bool) error {
	kind := dcm.RequestPhysical
	if functional {
		kind = dcm.RequestFunctional
	}
	return s.submit(id, kind, data, false)
}

// Start a response on event job, type2 responses run synchronously
func (s *Supervisor) StartRoe(id dcm.ProtocolID, data []byte, type2 bool) error {
	kind := dcm.RequestRoeType1
	if type2 {
		kind = dcm.RequestRoeType2
	}
	return s.submit(id, kind, data, false)
}

func (s *Supervisor) StartPeriodic(id dcm.ProtocolID, data []byte) error {
	return s.submit(id, dcm.RequestPeriodic, data, false)
}

// Finish a request that was answered by the bootloader, sending its final
// response when responseRequired is set
func (s *Supervisor) ReturnFromBootloader(id dcm.ProtocolID, data []byte, responseRequired bool) error {
	return s.submit(id, dcm.RequestBootloader, data, responseRequired)
}

func (s *Supervisor) submit(id dcm.ProtocolID, kind dcm.RequestKind, data []byte, responseRequired bool) error {
	s.mu.Lock()
	sl, ok := s.slots[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w : %v", dcm.ErrUnknownProtocol, id)
	}
	if len(data) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w : empty request", dcm.ErrInvalidFrame)
	}
	if s.inhibited && kind != dcm.RequestBootloader {
		s.mu.Unlock()
		s.logger.Debugf("request processing inhibited, dropping request on %v", sl.cfg.Name)
		return dcm.ErrRequestInhibited
	}
	if sl.busy {
		s.mu.Unlock()
		return dcm.ErrProtocolBusy
	}
	var preempted []Protocol
	for otherID, other := range s.slots {
		if otherID == id || other.cfg.Group != sl.cfg.Group || !other.busy {
			continue
		}
		if kind.IsNormal() && sl.cfg.Priority < other.cfg.Priority {
			preempted = append(preempted, other.p)
			continue
		}
		responder := s.responder
		busyNrc := s.busyNrc && kind == dcm.RequestPhysical
		s.mu.Unlock()
		s.logger.Debugf("%v busy with %v, rejecting request on %v", sl.cfg.Name, other.cfg.Name, id)
		if busyNrc {
			frame := []byte{dcm.NegativeResponseSid, data[0], byte(dcm.NrcBusyRepeatRequest)}
			if err := responder.Respond(id, frame); err != nil {
				s.logger.Warnf("busy response on %v failed : %v", sl.cfg.Name, err)
			}
		}
		return dcm.ErrProtocolBusy
	}
	set, err := s.pool.Acquire(data)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	job := protocol.Job{ID: uuid.New(), Kind: kind, Buffers: set, ResponseRequired: responseRequired}
	if kind.IsNormal() {
		if entry, ok := s.services.Lookup(id, data[0]); ok {
			job.Rcrrp = entry.RespPendOnStart
		}
	}
	sl.busy = true
	s.mu.Unlock()

	for _, other := range preempted {
		s.logger.Infof("protocol %v pre-empted by %v", other.Config().Name, sl.cfg.Name)
		other.Cancel()
	}
	if err := sl.p.Start(job); err != nil {
		_ = set.Release()
		s.mu.Lock()
		sl.busy = false
		s.mu.Unlock()
		return err
	}
	s.logger.Debugf("%v job %v started on %v", kind, job.ID, sl.cfg.Name)
	return nil
}

func (s *Supervisor) ProtocolFree(id dcm.ProtocolID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[id]; ok {
		sl.busy = false
	}
}

func (s *Supervisor) ProcessingEnd(id dcm.ProtocolID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[id]; ok {
		sl.completed++
	}
}

func (s *Supervisor) InhibitRequestProcessing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Infof("request processing inhibited")
	s.inhibited = true
}

func (s *Supervisor) DisinhibitRequestProcessing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inhibited {
		s.logger.Infof("request processing enabled")
	}
	s.inhibited = false
}

func (s *Supervisor) Inhibited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inhibited
}

func (s *Supervisor) CommunicationEnabled(id dcm.ProtocolID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	return ok && sl.comm
}

// Switch the transmit path of a protocol between full and no communication
func (s *Supervisor) SetCommunication(id dcm.ProtocolID, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	if !ok {
		return fmt.Errorf("%w : %v", dcm.ErrUnknownProtocol, id)
	}
	sl.comm = enabled
	return nil
}

// Whether a job is running on the protocol
func (s *Supervisor) Busy(id dcm.ProtocolID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	return ok && sl.busy
}

// Number of finished tester requests of the protocol
func (s *Supervisor) Completed(id dcm.ProtocolID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[id]; ok {
		return sl.completed
	}
	return 0
}
