package dcm

import "fmt"

// Protocol instance identifier, unique within an engine
type ProtocolID uint8

// Protocol group identifier, protocols of the same group share one execution slot
type GroupID uint8

const NoProtocol ProtocolID = 0xFF

const (
	NegativeResponseSid    byte = 0x7F
	PositiveResponseOffset byte = 0x40
	SuppressPositiveBit    byte = 0x80
)

// Phase marker passed to a service handler
type OpStatus uint8

const (
	OpInitial OpStatus = iota
	OpPending
	OpCancel
	OpConfirmedOk
	OpConfirmedNotOk
	OpUpdatePage
	OpForceRcrrpOk
)

var opStatusMap = map[OpStatus]string{
	OpInitial:        "INITIAL",
	OpPending:        "PENDING",
	OpCancel:         "CANCEL",
	OpConfirmedOk:    "CONFIRMED_OK",
	OpConfirmedNotOk: "CONFIRMED_NOK",
	OpUpdatePage:     "UPDATE_PAGE",
	OpForceRcrrpOk:   "FORCE_RCRRP_OK",
}

func (op OpStatus) String() string {
	s, ok := opStatusMap[op]
	if !ok {
		return fmt.Sprintf("OpStatus(%d)", uint8(op))
	}
	return s
}

// Outcome of one handler invocation
type Result uint8

const (
	ResultDone Result = iota
	ResultPending
	ResultForceResponsePending
	ResultProcessPage
	ResultAbort
	ResultOk
	ResultNotOk
)

var resultMap = map[Result]string{
	ResultDone:                 "DONE",
	ResultPending:              "PENDING",
	ResultForceResponsePending: "FORCE_RCRRP",
	ResultProcessPage:          "PROCESS_PAGE",
	ResultAbort:                "ABORT",
	ResultOk:                   "OK",
	ResultNotOk:                "NOT_OK",
}

func (r Result) String() string {
	s, ok := resultMap[r]
	if !ok {
		return fmt.Sprintf("Result(%d)", uint8(r))
	}
	return s
}

// Final results of a handler, a cancelled run having reached one of these
// does not need another call
func (r Result) IsFinal() bool {
	return r == ResultOk || r == ResultNotOk || r == ResultDone
}

// Negative response code
type Nrc uint8

const (
	NrcOk                               Nrc = 0x00
	NrcGeneralReject                    Nrc = 0x10
	NrcServiceNotSupported              Nrc = 0x11
	NrcSubFunctionNotSupported          Nrc = 0x12
	NrcIncorrectMessageLength           Nrc = 0x13
	NrcResponseTooLong                  Nrc = 0x14
	NrcBusyRepeatRequest                Nrc = 0x21
	NrcConditionsNotCorrect             Nrc = 0x22
	NrcRequestOutOfRange                Nrc = 0x31
	NrcResponsePending                  Nrc = 0x78
	NrcSubFunctionNotSupportedInSession Nrc = 0x7E
	NrcServiceNotSupportedInSession     Nrc = 0x7F
)

// Handler implementation kind, affects how cancelled results are normalized
type HandlerKind uint8

const (
	HandlerInternal HandlerKind = iota
	HandlerExternal
)

func (k HandlerKind) String() string {
	if k == HandlerExternal {
		return "external"
	}
	return "internal"
}

// Execution mode of a handler for the lifetime of one request
type Mode uint8

const (
	ModeSync Mode = iota
	ModeAsync
)

// Kind of job running on a protocol instance
type RequestKind uint8

const (
	RequestPhysical RequestKind = iota
	RequestFunctional
	RequestPeriodic
	RequestRoeType1
	RequestRoeType2
	RequestBootloader
)

var requestKindMap = map[RequestKind]string{
	RequestPhysical:   "PHYSICAL",
	RequestFunctional: "FUNCTIONAL",
	RequestPeriodic:   "PERIODIC",
	RequestRoeType1:   "ROE_TYPE1",
	RequestRoeType2:   "ROE_TYPE2",
	RequestBootloader: "BOOTLOADER",
}

func (k RequestKind) String() string {
	s, ok := requestKindMap[k]
	if !ok {
		return fmt.Sprintf("RequestKind(%d)", uint8(k))
	}
	return s
}

// Physical or functional tester request
func (k RequestKind) IsNormal() bool {
	return k == RequestPhysical || k == RequestFunctional
}

func (k RequestKind) IsRoe() bool {
	return k == RequestRoeType1 || k == RequestRoeType2
}

// Status handed to confirmation callbacks
type ConfirmationStatus uint8

const (
	ConfirmationPosOk ConfirmationStatus = iota
	ConfirmationPosNotOk
	ConfirmationNegOk
	ConfirmationNegNotOk
)

// Message context shared between the engine and a handler for the duration of a call.
// Response holds the response data following the positive response SID.
type MsgContext struct {
	Protocol         ProtocolID
	Kind             RequestKind
	SID              byte
	Request          []byte
	Response         []byte
	ResponseLength   int
	PageLength       int
	SuppressPositive bool
	Nrc              Nrc
}

// Sets the negative response code, the first one set wins
func (m *MsgContext) SetNegativeResponse(nrc Nrc) {
	if m.Nrc == NrcOk {
		m.Nrc = nrc
	}
}

func (m *MsgContext) IsFunctional() bool {
	return m.Kind == RequestFunctional
}

// Service handler, called once per tick while the request is in progress.
// Sync handlers run inside the tick with the processor and protocol locks held,
// they must not call the engine, a protocol or the processor. Async handlers
// work on a private copy of msg that is merged back when the result is collected.
type Handler func(op OpStatus, msg *MsgContext) Result

// Confirmation callback of external handlers
type ConfirmationFunc func(msg *MsgContext, status ConfirmationStatus)
