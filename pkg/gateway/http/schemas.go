package http

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/samsamfire/godcm/pkg/gateway"
)

type GatewayResponse interface {
	GetError() error
	GetSequenceNb() int
}

// HTTP response base
type GatewayResponseBase struct {
	// Sequence number corresponding to a request
	Sequence string `json:"sequence"`
	// Response, can be "OK" or "ERROR:x"
	Response string `json:"response"`
}

func NewResponseBase(sequence int, response string) *GatewayResponseBase {
	return &GatewayResponseBase{
		Sequence: strconv.Itoa(sequence),
		Response: response,
	}
}

func NewResponseError(sequence int, err error) []byte {
	jData, _ := json.Marshal(NewResponseBase(sequence, toGatewayError(err).Error()))
	return jData
}

func NewResponseSuccess(sequence int) []byte {
	jData, _ := json.Marshal(NewResponseBase(sequence, "OK"))
	return jData
}

// Extract error if any inside of reponse
func (resp *GatewayResponseBase) GetError() error {
	if !strings.HasPrefix(resp.Response, "ERROR:") {
		return nil
	}
	parts := strings.Split(resp.Response, ":")
	if len(parts) != 2 {
		return fmt.Errorf("error decoding error field ('ERROR:' : %v)", resp.Response)
	}
	code, err := strconv.ParseUint(parts[1], 0, 64)
	if err != nil {
		return fmt.Errorf("error decoding error field ('ERROR:' : %v)", err)
	}
	return NewGatewayError(int(code))
}

func (resp *GatewayResponseBase) GetSequenceNb() int {
	sequence, _ := strconv.Atoi(resp.Sequence)
	return sequence
}

// HTTP request to the server
type GatewayRequest struct {
	protocolId int    // protocol concerned, negative values are used for "all" & "default"
	command    string // command can be composed of different parts
	sequence   uint32
	parameters json.RawMessage
}

// Job injection body, data is a hex string such as "0x2203"
type JobRequest struct {
	Data     string `json:"data"`
	Type2    bool   `json:"type2,omitempty"`
	Response bool   `json:"response,omitempty"`
}

type DIDWriteRequest struct {
	Value string `json:"value"`
}

type DIDReadResponse struct {
	*GatewayResponseBase
	Data   string `json:"data"`
	Length int    `json:"length,omitempty"`
}

type StatusResponse struct {
	*GatewayResponseBase
	Protocols []gateway.ProtocolStatus `json:"protocols"`
}

type VersionInfo struct {
	*GatewayResponseBase
	*gateway.GatewayVersion
}

type SetDefaultProtocol struct {
	Value string `json:"value"`
}
