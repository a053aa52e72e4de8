package gateway

import (
	"errors"
	"fmt"
	"sync"

	dcm "github.com/samsamfire/godcm"
	"github.com/samsamfire/godcm/pkg/engine"
	"github.com/samsamfire/godcm/pkg/protocol"
	log "github.com/sirupsen/logrus"
)

var ErrUnknownDID = errors.New("unknown data identifier")

// BaseGateway gives remote tools access to a running engine : protocol
// status, job injection (roe, periodic, bootloader return), communication
// control and the data identifier store of the default server.
// Each gateway maps its own parsing logic to this base gateway
type BaseGateway struct {
	mu              sync.Mutex
	engine          *engine.Engine
	defaultProtocol dcm.ProtocolID
	logger          *log.Entry
}

type GatewayVersion struct {
	VendorId        string `json:"vendor-id"`
	ProductCode     string `json:"product-code"`
	RevisionNumber  string `json:"revision-number"`
	ProtocolVersion string `json:"protocol-version"`
}

// Snapshot of one protocol instance
type ProtocolStatus struct {
	ID            uint8  `json:"id"`
	Name          string `json:"name"`
	Group         uint8  `json:"group"`
	Priority      uint8  `json:"priority"`
	State         string `json:"state"`
	Busy          bool   `json:"busy"`
	Communication bool   `json:"communication"`
	Completed     int    `json:"completed"`
	Nrc           string `json:"nrc"`
	RespPending   uint16 `json:"response-pending"`
}

func NewBaseGateway(e *engine.Engine, defaultProtocol dcm.ProtocolID, logger *log.Logger) *BaseGateway {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &BaseGateway{
		engine:          e,
		defaultProtocol: defaultProtocol,
		logger:          logger.WithField("service", "[GW]"),
	}
}

// Set default protocol to use
func (gw *BaseGateway) SetDefaultProtocol(id dcm.ProtocolID) error {
	if _, ok := gw.engine.Protocol(id); !ok {
		return fmt.Errorf("%w : %v", dcm.ErrUnknownProtocol, id)
	}
	gw.mu.Lock()
	defer gw.mu.Unlock()
	gw.defaultProtocol = id
	return nil
}

func (gw *BaseGateway) DefaultProtocol() dcm.ProtocolID {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.defaultProtocol
}

// Registered protocol ids in ascending order
func (gw *BaseGateway) Protocols() []dcm.ProtocolID {
	return gw.engine.Supervisor().Protocols()
}

func (gw *BaseGateway) GetVersion() (GatewayVersion, error) {
	return GatewayVersion{
		VendorId:        "0x0",
		ProductCode:     "0x0",
		RevisionNumber:  "0x0",
		ProtocolVersion: "01.00",
	}, nil
}

func (gw *BaseGateway) Status(id dcm.ProtocolID) (ProtocolStatus, error) {
	p, ok := gw.engine.Protocol(id)
	if !ok {
		return ProtocolStatus{}, fmt.Errorf("%w : %v", dcm.ErrUnknownProtocol, id)
	}
	sup := gw.engine.Supervisor()
	cfg := p.Config()
	sent, _, forced, _ := p.Counters()
	return ProtocolStatus{
		ID:            uint8(id),
		Name:          cfg.Name,
		Group:         uint8(cfg.Group),
		Priority:      cfg.Priority,
		State:         protocol.StateName(p.State()),
		Busy:          sup.Busy(id),
		Communication: sup.CommunicationEnabled(id),
		Completed:     sup.Completed(id),
		Nrc:           fmt.Sprintf("0x%02x", byte(p.Nrc())),
		RespPending:   sent + forced,
	}, nil
}

func (gw *BaseGateway) StartRoe(id dcm.ProtocolID, data []byte, type2 bool) error {
	gw.logger.Debugf("roe job on %v : %x", id, data)
	return gw.engine.StartRoe(id, data, type2)
}

func (gw *BaseGateway) StartPeriodic(id dcm.ProtocolID, data []byte) error {
	gw.logger.Debugf("periodic job on %v : %x", id, data)
	return gw.engine.StartPeriodic(id, data)
}

func (gw *BaseGateway) ReturnFromBootloader(id dcm.ProtocolID, data []byte, responseRequired bool) error {
	return gw.engine.ReturnFromBootloader(id, data, responseRequired)
}

func (gw *BaseGateway) SetCommunication(id dcm.ProtocolID, enabled bool) error {
	gw.logger.Infof("communication on %v enabled : %v", id, enabled)
	return gw.engine.SetCommunication(id, enabled)
}

// Read a data identifier from the default server
func (gw *BaseGateway) ReadDID(did uint16) ([]byte, error) {
	data, ok := gw.engine.Server().DID(did)
	if !ok {
		return nil, fmt.Errorf("%w : 0x%04x", ErrUnknownDID, did)
	}
	return data, nil
}

func (gw *BaseGateway) WriteDID(did uint16, data []byte) error {
	gw.engine.Server().SetDID(did, data)
	return nil
}
