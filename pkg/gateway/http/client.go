package http

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/samsamfire/godcm/pkg/gateway"
	log "github.com/sirupsen/logrus"
)

type GatewayClient struct {
	client            *http.Client
	baseURL           string
	apiVersion        string
	currentSequenceNb int
	protocol          string
}

// Create a client for a gateway at baseURL, protocol is either a protocol
// id, "default" or "all"
func NewGatewayClient(baseURL string, apiVersion string, protocol string) *GatewayClient {
	return &GatewayClient{
		client:     &http.Client{},
		baseURL:    baseURL,
		apiVersion: apiVersion,
		protocol:   protocol,
	}
}

// HTTP request to a gateway endpoint
// Does high level error checking : http related errors, json decode errors
// or wrong sequence number
func (client *GatewayClient) do(method string, uri string, body any, response GatewayResponse) error {
	client.currentSequenceNb += 1
	baseUri := client.baseURL + fmt.Sprintf("/dcm/%s/%d/%s", client.apiVersion, client.currentSequenceNb, client.protocol)
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, baseUri+uri, reader)
	if err != nil {
		log.Errorf("[HTTP][CLIENT] http error : %v", err)
		return err
	}
	httpResp, err := client.client.Do(req)
	if err != nil {
		log.Errorf("[HTTP][CLIENT] http error : %v", err)
		return err
	}
	defer httpResp.Body.Close()
	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return err
	}
	// Errors come back as a plain base response
	base := new(GatewayResponseBase)
	if err := json.Unmarshal(raw, base); err != nil {
		log.Errorf("[HTTP][CLIENT] error decoding json response : %v", err)
		return err
	}
	if err := base.GetError(); err != nil {
		if gwErr, ok := err.(*GatewayError); ok {
			log.Debugf("[HTTP][CLIENT][SEQ:%v] %v", base.Sequence, gwErr.Description())
		}
		return err
	}
	if base.GetSequenceNb() != client.currentSequenceNb {
		log.Errorf("[HTTP][CLIENT][SEQ:%v] sequence number does not match expected value (%v)", base.Sequence, client.currentSequenceNb)
		return fmt.Errorf("error in sequence number")
	}
	if response == nil {
		return nil
	}
	return json.Unmarshal(raw, response)
}

func (client *GatewayClient) Status() ([]gateway.ProtocolStatus, error) {
	resp := StatusResponse{}
	err := client.do(http.MethodGet, "/status", nil, &resp)
	return resp.Protocols, err
}

func (client *GatewayClient) ReadDID(did uint16) ([]byte, error) {
	resp := DIDReadResponse{}
	err := client.do(http.MethodGet, fmt.Sprintf("/r/0x%04x", did), nil, &resp)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(strings.TrimPrefix(resp.Data, "0x"))
}

func (client *GatewayClient) WriteDID(did uint16, data []byte) error {
	body := DIDWriteRequest{Value: "0x" + hex.EncodeToString(data)}
	return client.do(http.MethodPut, fmt.Sprintf("/w/0x%04x", did), body, nil)
}

func (client *GatewayClient) StartRoe(data []byte, type2 bool) error {
	body := JobRequest{Data: "0x" + hex.EncodeToString(data), Type2: type2}
	return client.do(http.MethodPut, "/start/roe", body, nil)
}

func (client *GatewayClient) StartPeriodic(data []byte) error {
	body := JobRequest{Data: "0x" + hex.EncodeToString(data)}
	return client.do(http.MethodPut, "/start/periodic", body, nil)
}

func (client *GatewayClient) ReturnFromBootloader(data []byte, responseRequired bool) error {
	body := JobRequest{Data: "0x" + hex.EncodeToString(data), Response: responseRequired}
	return client.do(http.MethodPut, "/bootloader/return", body, nil)
}

func (client *GatewayClient) SetCommunication(enabled bool) error {
	if enabled {
		return client.do(http.MethodPut, "/enable/comm", nil, nil)
	}
	return client.do(http.MethodPut, "/disable/comm", nil, nil)
}

func (client *GatewayClient) SetDefaultProtocol(id uint8) error {
	return client.do(http.MethodPut, "/set/protocol", SetDefaultProtocol{Value: strconv.Itoa(int(id))}, nil)
}

func (client *GatewayClient) Version() (gateway.GatewayVersion, error) {
	resp := VersionInfo{GatewayVersion: &gateway.GatewayVersion{}}
	err := client.do(http.MethodGet, "/info/version", nil, &resp)
	return *resp.GatewayVersion, err
}
