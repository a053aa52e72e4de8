package service

import (
	"encoding/binary"
	"sync"

	dcm "github.com/samsamfire/godcm"
	log "github.com/sirupsen/logrus"
)

const (
	SidDiagnosticSessionControl byte = 0x10
	SidEcuReset                 byte = 0x11
	SidReadDataByIdentifier     byte = 0x22
	SidRoutineControl           byte = 0x31
	SidTesterPresent            byte = 0x3E
)

// Diagnostic sessions
const (
	SessionDefault     byte = 0x01
	SessionProgramming byte = 0x02
	SessionExtended    byte = 0x03
)

// Ecu reset types
const (
	ResetHard                 byte = 0x01
	ResetKeyOffOn             byte = 0x02
	ResetSoft                 byte = 0x03
	ResetEnableRapidShutdown  byte = 0x04
	ResetDisableRapidShutdown byte = 0x05
)

const (
	routineStart   byte = 0x01
	routineStop    byte = 0x02
	routineResults byte = 0x03

	// Power down time reported when enabling rapid power shutdown, in seconds
	powerDownTime   byte   = 0x0F
	periodicDidBase uint16 = 0xF200
)

// A routine completes after Polls pending calls with Result as status record
type Routine struct {
	Polls                int
	Result               []byte
	ForceResponsePending bool
}

type routineRun struct {
	id        uint16
	remaining int
	forced    bool
}

type pager struct {
	data   []byte
	offset int
}

// Default diagnostic server, implements the basic UDS services on top of
// a data identifier store and a routine table
type Server struct {
	mu              sync.Mutex
	logger          *log.Entry
	session         byte
	p2ServerMax     uint16
	p2StarServerMax uint16
	dids            map[uint16][]byte
	routines        map[uint16]Routine
	runs            map[dcm.ProtocolID]*routineRun
	pages           map[dcm.ProtocolID]*pager
	results         map[uint16][]byte
	confirmations   map[dcm.ConfirmationStatus]int
	onReset         func(resetType byte)
}

func NewServer(p2ServerMax uint16, p2StarServerMax uint16, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Server{
		logger:          logger.WithField("service", "[SVC]"),
		session:         SessionDefault,
		p2ServerMax:     p2ServerMax,
		p2StarServerMax: p2StarServerMax,
		dids:            make(map[uint16][]byte),
		routines:        make(map[uint16]Routine),
		runs:            make(map[dcm.ProtocolID]*routineRun),
		pages:           make(map[dcm.ProtocolID]*pager),
		results:         make(map[uint16][]byte),
		confirmations:   make(map[dcm.ConfirmationStatus]int),
	}
}

// Register the server services in registry
func (s *Server) Register(r *Registry) error {
	entries := []Entry{
		{SID: SidDiagnosticSessionControl, Name: "DiagnosticSessionControl", Handler: s.SessionControl, SubFunction: true, MinLength: 1},
		{SID: SidEcuReset, Name: "EcuReset", Handler: s.EcuReset, SubFunction: true, MinLength: 1},
		{SID: SidReadDataByIdentifier, Name: "ReadDataByIdentifier", Handler: s.ReadDataByIdentifier, MinLength: 2},
		{SID: SidRoutineControl, Name: "RoutineControl", Handler: s.RoutineControl, Kind: dcm.HandlerExternal,
			Mode: dcm.ModeAsync, SubFunction: true, MinLength: 3, Confirmation: s.confirmation},
		{SID: SidTesterPresent, Name: "TesterPresent", Handler: s.TesterPresent, SubFunction: true, MinLength: 1},
	}
	for _, e := range entries {
		if err := r.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// Called once a reset response is confirmed
func (s *Server) OnReset(f func(resetType byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReset = f
}

func (s *Server) Session() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Server) SetDID(did uint16, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dids[did] = append([]byte(nil), data...)
}

func (s *Server) DID(did uint16) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.dids[did]
	return append([]byte(nil), data...), ok
}

func (s *Server) AddRoutine(id uint16, routine Routine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routines[id] = routine
}

// Number of confirmations received for external services with status
func (s *Server) Confirmations(status dcm.ConfirmationStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmations[status]
}

func (s *Server) SessionControl(op dcm.OpStatus, msg *dcm.MsgContext) dcm.Result {
	switch op {
	case dcm.OpInitial:
		sub := msg.Request[0]
		if sub < SessionDefault || sub > SessionExtended {
			msg.SetNegativeResponse(dcm.NrcSubFunctionNotSupported)
			return dcm.ResultDone
		}
		if len(msg.Request) != 1 {
			msg.SetNegativeResponse(dcm.NrcIncorrectMessageLength)
			return dcm.ResultDone
		}
		if len(msg.Response) < 5 {
			msg.SetNegativeResponse(dcm.NrcResponseTooLong)
			return dcm.ResultDone
		}
		msg.Response[0] = sub
		binary.BigEndian.PutUint16(msg.Response[1:], s.p2ServerMax)
		binary.BigEndian.PutUint16(msg.Response[3:], s.p2StarServerMax/10)
		msg.ResponseLength = 5
	case dcm.OpConfirmedOk:
		if msg.Nrc == dcm.NrcOk {
			s.mu.Lock()
			s.session = msg.Request[0]
			s.mu.Unlock()
			s.logger.Infof("session changed to %x", msg.Request[0])
		}
	}
	return dcm.ResultDone
}

func (s *Server) EcuReset(op dcm.OpStatus, msg *dcm.MsgContext) dcm.Result {
	switch op {
	case dcm.OpInitial:
		sub := msg.Request[0]
		if sub < ResetHard || sub > ResetDisableRapidShutdown {
			msg.SetNegativeResponse(dcm.NrcSubFunctionNotSupported)
			return dcm.ResultDone
		}
		msg.Response[0] = sub
		msg.ResponseLength = 1
		if sub == ResetEnableRapidShutdown {
			msg.Response[1] = powerDownTime
			msg.ResponseLength = 2
		}
	case dcm.OpConfirmedOk:
		sub := msg.Request[0]
		if msg.Nrc != dcm.NrcOk || sub == ResetEnableRapidShutdown || sub == ResetDisableRapidShutdown {
			return dcm.ResultDone
		}
		s.mu.Lock()
		s.session = SessionDefault
		onReset := s.onReset
		s.mu.Unlock()
		s.logger.Infof("ecu reset %x", sub)
		if onReset != nil {
			onReset(sub)
		}
	}
	return dcm.ResultDone
}

func (s *Server) TesterPresent(op dcm.OpStatus, msg *dcm.MsgContext) dcm.Result {
	if op != dcm.OpInitial {
		return dcm.ResultDone
	}
	if msg.Request[0] != 0x00 {
		msg.SetNegativeResponse(dcm.NrcSubFunctionNotSupported)
		return dcm.ResultDone
	}
	if len(msg.Request) != 1 {
		msg.SetNegativeResponse(dcm.NrcIncorrectMessageLength)
		return dcm.ResultDone
	}
	msg.Response[0] = 0x00
	msg.ResponseLength = 1
	return dcm.ResultDone
}

// Read one or more data identifiers. Responses larger than the response
// buffer are sent page by page.
func (s *Server) ReadDataByIdentifier(op dcm.OpStatus, msg *dcm.MsgContext) dcm.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch op {
	case dcm.OpInitial:
		if len(msg.Request)%2 != 0 {
			msg.SetNegativeResponse(dcm.NrcIncorrectMessageLength)
			return dcm.ResultDone
		}
		var data []byte
		for i := 0; i < len(msg.Request); i += 2 {
			did := binary.BigEndian.Uint16(msg.Request[i:])
			value, ok := s.dids[did]
			if !ok {
				msg.SetNegativeResponse(dcm.NrcRequestOutOfRange)
				return dcm.ResultDone
			}
			data = append(data, msg.Request[i], msg.Request[i+1])
			data = append(data, value...)
		}
		msg.ResponseLength = len(data)
		if len(data) <= len(msg.Response) {
			copy(msg.Response, data)
			return dcm.ResultDone
		}
		pg := &pager{data: data}
		s.pages[msg.Protocol] = pg
		pg.offset = copy(msg.Response, data)
		msg.PageLength = pg.offset
		s.logger.Debugf("paged response of %v bytes", len(data))
		return dcm.ResultProcessPage
	case dcm.OpUpdatePage:
		pg, ok := s.pages[msg.Protocol]
		if !ok {
			return dcm.ResultAbort
		}
		n := copy(msg.Response, pg.data[pg.offset:])
		pg.offset += n
		msg.PageLength = n
		return dcm.ResultProcessPage
	default:
		delete(s.pages, msg.Protocol)
		return dcm.ResultDone
	}
}

// Routine control runs asynchronously, a started routine is polled
// until it reports its result
func (s *Server) RoutineControl(op dcm.OpStatus, msg *dcm.MsgContext) dcm.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := msg.Request[0]
	id := binary.BigEndian.Uint16(msg.Request[1:])
	switch op {
	case dcm.OpInitial:
		routine, ok := s.routines[id]
		if !ok {
			msg.SetNegativeResponse(dcm.NrcRequestOutOfRange)
			return dcm.ResultNotOk
		}
		switch sub {
		case routineStart:
			run := &routineRun{id: id, remaining: routine.Polls}
			s.runs[msg.Protocol] = run
			if routine.ForceResponsePending {
				run.forced = true
				return dcm.ResultForceResponsePending
			}
			return s.poll(run, msg)
		case routineStop:
			delete(s.results, id)
			s.routineResponse(msg, sub, id, nil)
			return dcm.ResultOk
		case routineResults:
			result, ok := s.results[id]
			if !ok {
				msg.SetNegativeResponse(dcm.NrcConditionsNotCorrect)
				return dcm.ResultNotOk
			}
			s.routineResponse(msg, sub, id, result)
			return dcm.ResultOk
		default:
			msg.SetNegativeResponse(dcm.NrcSubFunctionNotSupported)
			return dcm.ResultNotOk
		}
	case dcm.OpPending:
		run, ok := s.runs[msg.Protocol]
		if !ok {
			return dcm.ResultAbort
		}
		return s.poll(run, msg)
	case dcm.OpCancel:
		if run, ok := s.runs[msg.Protocol]; ok {
			s.logger.Infof("routine %x cancelled", run.id)
			delete(s.runs, msg.Protocol)
		}
		return dcm.ResultOk
	default:
		return dcm.ResultOk
	}
}

func (s *Server) poll(run *routineRun, msg *dcm.MsgContext) dcm.Result {
	if run.remaining > 0 {
		run.remaining--
		return dcm.ResultPending
	}
	delete(s.runs, msg.Protocol)
	result := s.routines[run.id].Result
	s.results[run.id] = result
	s.routineResponse(msg, routineStart, run.id, result)
	return dcm.ResultOk
}

func (s *Server) routineResponse(msg *dcm.MsgContext, sub byte, id uint16, record []byte) {
	if 3+len(record) > len(msg.Response) {
		msg.SetNegativeResponse(dcm.NrcResponseTooLong)
		return
	}
	msg.Response[0] = sub
	binary.BigEndian.PutUint16(msg.Response[1:], id)
	msg.ResponseLength = 3 + copy(msg.Response[3:], record)
}

// Periodic data identifiers live in the 0xF2xx range, the request
// carries the low byte
func (s *Server) Periodic(msg *dcm.MsgContext) dcm.Result {
	if len(msg.Request) == 0 {
		return dcm.ResultNotOk
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := msg.Request[0]
	value, ok := s.dids[periodicDidBase|uint16(id)]
	if !ok || 1+len(value) > len(msg.Response) {
		s.logger.Debugf("periodic identifier %x not available", id)
		return dcm.ResultNotOk
	}
	msg.Response[0] = id
	msg.ResponseLength = 1 + copy(msg.Response[1:], value)
	return dcm.ResultOk
}

func (s *Server) confirmation(msg *dcm.MsgContext, status dcm.ConfirmationStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmations[status]++
	s.logger.Debugf("service %x confirmed with status %v", msg.SID, status)
}
