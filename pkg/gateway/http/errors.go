package http

import (
	"errors"
	"fmt"

	dcm "github.com/samsamfire/godcm"
	"github.com/samsamfire/godcm/pkg/gateway"
)

var ERROR_GATEWAY_DESCRIPTION_MAP = map[int]string{
	100: "Request not supported",
	101: "Syntax error",
	102: "Request not processed due to internal state",
	106: "Unsupported protocol",
	107: "Unknown data identifier",
	108: "Protocol busy",
	109: "Request processing inhibited",
	600: "Running out of buffers",
	601: "CAN interface currently not available",
}

var (
	ErrGwRequestNotSupported      = &GatewayError{Code: 100}
	ErrGwSyntaxError              = &GatewayError{Code: 101}
	ErrGwRequestNotProcessed      = &GatewayError{Code: 102}
	ErrGwUnsupportedProtocol      = &GatewayError{Code: 106}
	ErrGwUnknownIdentifier        = &GatewayError{Code: 107}
	ErrGwProtocolBusy             = &GatewayError{Code: 108}
	ErrGwRequestInhibited         = &GatewayError{Code: 109}
	ErrGwRunningOutOfBuffers      = &GatewayError{Code: 600}
	ErrGwCANInterfaceNotAvailable = &GatewayError{Code: 601}
)

type GatewayError struct {
	Code int
}

func NewGatewayError(code int) error {
	return &GatewayError{Code: code}
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("ERROR:%d", e.Code)
}

func (e *GatewayError) Description() string {
	return ERROR_GATEWAY_DESCRIPTION_MAP[e.Code]
}

// Map an engine error to the closest gateway error
func toGatewayError(err error) *GatewayError {
	var gwErr *GatewayError
	switch {
	case errors.As(err, &gwErr):
		return gwErr
	case errors.Is(err, dcm.ErrUnknownProtocol):
		return ErrGwUnsupportedProtocol
	case errors.Is(err, gateway.ErrUnknownDID):
		return ErrGwUnknownIdentifier
	case errors.Is(err, dcm.ErrProtocolBusy):
		return ErrGwProtocolBusy
	case errors.Is(err, dcm.ErrRequestInhibited):
		return ErrGwRequestInhibited
	case errors.Is(err, dcm.ErrNoBuffer), errors.Is(err, dcm.ErrBufferTooSmall):
		return ErrGwRunningOutOfBuffers
	case errors.Is(err, dcm.ErrInvalidFrame), errors.Is(err, dcm.ErrIllegalArgument):
		return ErrGwSyntaxError
	case errors.Is(err, dcm.ErrNoCommunication):
		return ErrGwCANInterfaceNotAvailable
	}
	return ErrGwRequestNotProcessed
}
