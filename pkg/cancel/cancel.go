package cancel

import (
	"fmt"

	dcm "github.com/samsamfire/godcm"
)

// Kind of cancellation, selects which halts must be confirmed
type Kind uint8

const (
	KindNone Kind = iota
	// Only the transmission is running
	KindNormalSending
	// Response on event processing, no transmission expected
	KindRoe
	// Service handler running, no transmission outstanding
	KindNoTx
	// Service handler running and a transmission outstanding
	KindTx
	// Paged buffer transmission, handler and transmission both running
	KindPagedBuffer
)

var kindMap = map[Kind]string{
	KindNone:          "NONE",
	KindNormalSending: "NORMAL_SENDING",
	KindRoe:           "ROE",
	KindNoTx:          "NO_TX",
	KindTx:            "TX",
	KindPagedBuffer:   "PAGED_BUFFER",
}

func (k Kind) String() string {
	s, ok := kindMap[k]
	if !ok {
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
	return s
}

// Whether a cancellation of given kind is finished
func IsComplete(kind Kind, serviceDone bool, txDone bool) bool {
	switch kind {
	case KindNormalSending:
		return txDone
	case KindRoe, KindNoTx:
		return serviceDone
	case KindTx, KindPagedBuffer:
		return serviceDone && txDone
	default:
		return false
	}
}

// Whether the kind halts the service handler
func (k Kind) StopsService() bool {
	return k != KindNone && k != KindNormalSending
}

// Whether the kind halts a transmission
func (k Kind) StopsTx() bool {
	return k == KindNormalSending || k == KindTx || k == KindPagedBuffer
}

// Cancellation state of one protocol instance
type State struct {
	kind        Kind
	serviceDone bool
	txDone      bool
	finished    bool
}

// Arm a new cancellation, the previous one is forgotten
func (s *State) Request(kind Kind) {
	s.kind = kind
	s.serviceDone = false
	s.txDone = false
	s.finished = false
}

func (s *State) Reset() {
	s.Request(KindNone)
}

func (s *State) Kind() Kind {
	return s.kind
}

// Whether a cancellation is requested and not yet finished
func (s *State) Active() bool {
	return s.kind != KindNone && !s.finished
}

func (s *State) ServiceDone() bool {
	return s.serviceDone
}

func (s *State) TxDone() bool {
	return s.txDone
}

// Record the handler halt. Returns true the first time the
// cancellation becomes complete.
func (s *State) NotifyServiceDone() (bool, error) {
	if s.serviceDone {
		return false, fmt.Errorf("%w : service halt of %v", dcm.ErrCancellationNotified, s.kind)
	}
	s.serviceDone = true
	return s.complete(), nil
}

// Record the transmission halt. Returns true the first time the
// cancellation becomes complete.
func (s *State) NotifyTxDone() (bool, error) {
	if s.txDone {
		return false, fmt.Errorf("%w : transmission halt of %v", dcm.ErrCancellationNotified, s.kind)
	}
	s.txDone = true
	return s.complete(), nil
}

func (s *State) complete() bool {
	if s.finished || !IsComplete(s.kind, s.serviceDone, s.txDone) {
		return false
	}
	s.finished = true
	return true
}
