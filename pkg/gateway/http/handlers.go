package http

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	dcm "github.com/samsamfire/godcm"
)

// Wrapper around [http.ResponseWriter] but keeps track of any writes already done
// This allows us to perform default behaviour if handler has not already sent a response
type doneWriter struct {
	http.ResponseWriter
	done bool
}

// Handle a [GatewayRequest]
type GatewayRequestHandler func(w *doneWriter, req *GatewayRequest) error

func (w *doneWriter) WriteHeader(status int) {
	w.done = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *doneWriter) Write(b []byte) (int, error) {
	w.done = true
	return w.ResponseWriter.Write(b)
}

// Default handler of any HTTP gateway request
// This parses a typical request and forwards it to the correct handler
func (g *GatewayServer) handleRequest(w http.ResponseWriter, raw *http.Request) {
	g.logger.Debugf("new request : %v", raw.URL)
	w.Header().Set("Content-Type", "application/json")
	req, err := g.newRequestFromRaw(raw)
	if err != nil {
		w.Write(NewResponseError(0, err))
		return
	}
	// A command is either registered as is (e.g. 'start/roe') or
	// by its first part (e.g. 'r' for 'r/0xF190')
	route, ok := g.routes[req.command]
	if !ok {
		first, _, _ := strings.Cut(req.command, "/")
		route, ok = g.routes[first]
		if !ok {
			g.logger.Debugf("no handler found for : '%v' or '%v'", req.command, first)
			w.Write(NewResponseError(int(req.sequence), ErrGwRequestNotSupported))
			return
		}
	}
	dw := &doneWriter{ResponseWriter: w}
	err = route(dw, req)
	if err != nil {
		g.logger.Debugf("command '%v' failed : %v", req.command, err)
		w.Write(NewResponseError(int(req.sequence), err))
		return
	}
	if !dw.done {
		// No response specific command has been given, reply with default success
		dw.Write(NewResponseSuccess(int(req.sequence)))
	}
}

func writeJSON(w *doneWriter, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return ErrGwRequestNotProcessed
	}
	_, err = w.Write(raw)
	return err
}

// Protocols targeted by a request
func (g *GatewayServer) targets(req *GatewayRequest) []dcm.ProtocolID {
	switch req.protocolId {
	case TOKEN_DEFAULT:
		return []dcm.ProtocolID{g.DefaultProtocol()}
	case TOKEN_ALL:
		return g.Protocols()
	default:
		return []dcm.ProtocolID{dcm.ProtocolID(req.protocolId)}
	}
}

// Jobs run on exactly one protocol
func (g *GatewayServer) target(req *GatewayRequest) (dcm.ProtocolID, error) {
	if req.protocolId == TOKEN_ALL {
		return dcm.NoProtocol, ErrGwRequestNotSupported
	}
	return g.targets(req)[0], nil
}

func (g *GatewayServer) handleRead(w *doneWriter, req *GatewayRequest) error {
	match := regDID.FindStringSubmatch(req.command)
	if len(match) != 2 {
		return ErrGwSyntaxError
	}
	did, err := parseDID(match[1])
	if err != nil {
		return err
	}
	data, err := g.ReadDID(did)
	if err != nil {
		return err
	}
	return writeJSON(w, DIDReadResponse{
		GatewayResponseBase: NewResponseBase(int(req.sequence), "OK"),
		Data:                "0x" + hex.EncodeToString(data),
		Length:              len(data),
	})
}

func (g *GatewayServer) handleWrite(w *doneWriter, req *GatewayRequest) error {
	match := regDID.FindStringSubmatch(req.command)
	if len(match) != 2 {
		return ErrGwSyntaxError
	}
	did, err := parseDID(match[1])
	if err != nil {
		return err
	}
	var write DIDWriteRequest
	if err := json.Unmarshal(req.parameters, &write); err != nil {
		return ErrGwSyntaxError
	}
	data, err := parseHex(write.Value)
	if err != nil {
		return err
	}
	return g.WriteDID(did, data)
}

func (g *GatewayServer) parseJob(req *GatewayRequest) (dcm.ProtocolID, JobRequest, []byte, error) {
	var job JobRequest
	id, err := g.target(req)
	if err != nil {
		return id, job, nil, err
	}
	if err := json.Unmarshal(req.parameters, &job); err != nil {
		return id, job, nil, ErrGwSyntaxError
	}
	data, err := parseHex(job.Data)
	if err != nil || len(data) == 0 {
		return id, job, nil, ErrGwSyntaxError
	}
	return id, job, data, nil
}

func (g *GatewayServer) handleRoe(w *doneWriter, req *GatewayRequest) error {
	id, job, data, err := g.parseJob(req)
	if err != nil {
		return err
	}
	return g.StartRoe(id, data, job.Type2)
}

func (g *GatewayServer) handlePeriodic(w *doneWriter, req *GatewayRequest) error {
	id, _, data, err := g.parseJob(req)
	if err != nil {
		return err
	}
	return g.StartPeriodic(id, data)
}

func (g *GatewayServer) handleBootloaderReturn(w *doneWriter, req *GatewayRequest) error {
	id, job, data, err := g.parseJob(req)
	if err != nil {
		return err
	}
	return g.ReturnFromBootloader(id, data, job.Response)
}

// Create a handler switching communication of the targeted protocols
func (g *GatewayServer) createCommunicationHandler(enabled bool) GatewayRequestHandler {
	return func(w *doneWriter, req *GatewayRequest) error {
		for _, id := range g.targets(req) {
			if err := g.SetCommunication(id, enabled); err != nil {
				return err
			}
		}
		return nil
	}
}

func (g *GatewayServer) handleStatus(w *doneWriter, req *GatewayRequest) error {
	resp := StatusResponse{GatewayResponseBase: NewResponseBase(int(req.sequence), "OK")}
	for _, id := range g.targets(req) {
		status, err := g.Status(id)
		if err != nil {
			return err
		}
		resp.Protocols = append(resp.Protocols, status)
	}
	return writeJSON(w, resp)
}

func (g *GatewayServer) handleSetDefaultProtocol(w *doneWriter, req *GatewayRequest) error {
	var set SetDefaultProtocol
	if err := json.Unmarshal(req.parameters, &set); err != nil {
		return ErrGwSyntaxError
	}
	id, err := strconv.ParseUint(set.Value, 0, 8)
	if err != nil {
		return ErrGwSyntaxError
	}
	return g.SetDefaultProtocol(dcm.ProtocolID(id))
}

func (g *GatewayServer) handleGetVersion(w *doneWriter, req *GatewayRequest) error {
	version, err := g.GetVersion()
	if err != nil {
		return err
	}
	return writeJSON(w, VersionInfo{
		GatewayResponseBase: NewResponseBase(int(req.sequence), "OK"),
		GatewayVersion:      &version,
	})
}
