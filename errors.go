package dcm

import "errors"

var (
	ErrIllegalArgument      = errors.New("error in function arguments")
	ErrContractViolation    = errors.New("contract violation")
	ErrProtocolBusy         = errors.New("protocol is already processing a job")
	ErrRequestInhibited     = errors.New("request processing is inhibited")
	ErrQueueFull            = errors.New("event queue is full")
	ErrNoBuffer             = errors.New("no free buffer available")
	ErrBufferTooSmall       = errors.New("buffer too small for data")
	ErrAlreadyReleased      = errors.New("buffers were already released")
	ErrCancellationNotified = errors.New("cancellation already notified")
	ErrUnknownProtocol      = errors.New("unknown protocol")
	ErrUnknownGroup         = errors.New("unknown protocol group")
	ErrUnknownService       = errors.New("unknown service")
	ErrInvalidFrame         = errors.New("invalid transport frame")
	ErrTxBusy               = errors.New("transmission already in progress, try again")
	ErrNoCommunication      = errors.New("communication channel is not available")
)
