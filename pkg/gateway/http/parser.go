package http

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const TOKEN_DEFAULT = -2
const TOKEN_ALL = -1

// Parse raw protocol string param
func parseProtocolParam(param string) (int, error) {
	switch param {
	case "default":
		return TOKEN_DEFAULT, nil
	case "all":
		return TOKEN_ALL, nil
	}
	// This automatically treats 0x,0X,...
	paramUint, err := strconv.ParseUint(param, 0, 8)
	if err != nil {
		return 0, err
	}
	return int(paramUint), nil
}

func parseDID(param string) (uint16, error) {
	did, err := strconv.ParseUint(param, 0, 16)
	if err != nil {
		return 0, ErrGwSyntaxError
	}
	return uint16(did), nil
}

// Decode a hex payload, with or without 0x prefix
func parseHex(value string) ([]byte, error) {
	value = strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X")
	data, err := hex.DecodeString(value)
	if err != nil {
		return nil, ErrGwSyntaxError
	}
	return data, nil
}

// Create a new sanitized api request object from raw http request
// This function also checks that values are within bounds etc.
func (g *GatewayServer) newRequestFromRaw(r *http.Request) (*GatewayRequest, error) {
	match := regURI.FindStringSubmatch(r.URL.Path)
	if len(match) != 5 {
		g.logger.Error("request does not match a known API pattern")
		return nil, ErrGwSyntaxError
	}
	apiVersion := match[1]
	if apiVersion != API_VERSION {
		g.logger.Errorf("api version %v is not supported", apiVersion)
		return nil, ErrGwRequestNotSupported
	}
	sequence, err := strconv.Atoi(match[2])
	if err != nil || sequence > MAX_SEQUENCE_NB {
		g.logger.Errorf("error processing sequence number %v", match[2])
		return nil, ErrGwSyntaxError
	}
	protocolId, err := parseProtocolParam(match[3])
	if err != nil {
		g.logger.Errorf("error processing protocol param %v", match[3])
		return nil, ErrGwUnsupportedProtocol
	}
	var parameters json.RawMessage
	err = json.NewDecoder(r.Body).Decode(&parameters)
	if err != nil && err != io.EOF {
		g.logger.Warnf("failed to unmarshal request body : %v", err)
		return nil, ErrGwSyntaxError
	}
	return &GatewayRequest{
		protocolId: protocolId,
		command:    match[4],
		sequence:   uint32(sequence),
		parameters: parameters,
	}, nil
}
