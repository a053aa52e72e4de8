package transport

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	dcm "github.com/samsamfire/godcm"
	"github.com/samsamfire/godcm/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Default number of ticks waiting for the tester flow control
const DefaultFcTimeout = 100

// CAN identifiers and ISO-TP parameters of one protocol connection
type Connection struct {
	Protocol dcm.ProtocolID
	// Request ids, FunctionalID is optional
	PhysicalID   uint32
	FunctionalID uint32
	ResponseID   uint32
	// Parameters sent in our flow control frames
	BlockSize uint8
	STmin     uint8
	Padding   bool
	// Ticks to wait for a flow control before giving up a transmission
	FcTimeout uint32
	// Longest accepted request, 0 for MaxMessageLength
	MaxRequestLength int
}

// Receives transmission confirmations and page requests of a protocol
type Endpoint interface {
	TransmissionFinished(ok bool)
	ProvideTxBuffer()
}

// Receives complete tester requests
type Receiver interface {
	RequestReceived(id dcm.ProtocolID, data []byte, functional bool) error
}

type rxState struct {
	active    bool
	expected  int
	data      []byte
	sn        uint8
	blockLeft int
}

type txState struct {
	data     []byte
	total    int
	sent     int
	sn       uint8
	simulate bool
	paged    bool
	started  bool
	waitFC   bool
	waitPage bool
	fcTimer  uint32
	// consecutive frames allowed before the next flow control, -1 for all
	blockLeft int
	oneByOne  bool
}

type connection struct {
	cfg      Connection
	endpoint Endpoint
	rx       rxState
	tx       *txState
}

type eventKind uint8

const (
	eventConfirm eventKind = iota
	eventProvide
)

type event struct {
	conn *connection
	kind eventKind
	ok   bool
	tx   *txState
}

type outFrame struct {
	frame can.Frame
	// transmission this frame belongs to, nil for frames without confirmation
	tx   *txState
	conn *connection
}

type request struct {
	id         dcm.ProtocolID
	data       []byte
	functional bool
}

// Minimal ISO-TP (ISO 15765-2) transport over a bus manager. Frames
// received from the bus are queued and handled inside Process, which also
// advances transmissions and reports confirmations. No callback is ever
// made from inside Transmit or its variants.
type Transport struct {
	mu       sync.Mutex
	bm       *BusManager
	logger   *log.Entry
	receiver Receiver
	conns    map[dcm.ProtocolID]*connection
	byRxID   map[uint32]*connection
	rxQueue  []can.Frame
	outQueue []outFrame
	events   []event
}

func NewTransport(bm *BusManager, logger *log.Logger) (*Transport, error) {
	if bm == nil {
		return nil, dcm.ErrIllegalArgument
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Transport{
		bm:     bm,
		logger: logger.WithField("service", "[ISOTP]"),
		conns:  make(map[dcm.ProtocolID]*connection),
		byRxID: make(map[uint32]*connection),
	}, nil
}

// Set the receiver of complete requests
func (t *Transport) SetReceiver(receiver Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver = receiver
}

// Add a protocol connection and subscribe to its request ids
func (t *Transport) AddConnection(cfg Connection, endpoint Endpoint) error {
	if endpoint == nil || cfg.PhysicalID == 0 || cfg.ResponseID == 0 {
		return dcm.ErrIllegalArgument
	}
	if cfg.FcTimeout == 0 {
		cfg.FcTimeout = DefaultFcTimeout
	}
	if cfg.MaxRequestLength <= 0 || cfg.MaxRequestLength > MaxMessageLength {
		cfg.MaxRequestLength = MaxMessageLength
	}
	t.mu.Lock()
	if _, ok := t.conns[cfg.Protocol]; ok {
		t.mu.Unlock()
		return fmt.Errorf("%w : connection for protocol %v already added", dcm.ErrIllegalArgument, cfg.Protocol)
	}
	ids := []uint32{cfg.PhysicalID}
	if cfg.FunctionalID != 0 {
		ids = append(ids, cfg.FunctionalID)
	}
	for _, id := range ids {
		if _, ok := t.byRxID[id]; ok {
			t.mu.Unlock()
			return fmt.Errorf("%w : request id %x already used", dcm.ErrIllegalArgument, id)
		}
	}
	c := &connection{cfg: cfg, endpoint: endpoint}
	t.conns[cfg.Protocol] = c
	for _, id := range ids {
		t.byRxID[id] = c
	}
	t.mu.Unlock()
	for _, id := range ids {
		if err := t.bm.Subscribe(id, false, t); err != nil {
			return err
		}
	}
	t.logger.Debugf("protocol %v listening on %x / %x, responding on %x", cfg.Protocol, cfg.PhysicalID, cfg.FunctionalID, cfg.ResponseID)
	return nil
}

// Implements the FrameListener interface, frames are handled in Process
func (t *Transport) Handle(frame can.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byRxID[frame.ID]; !ok {
		return
	}
	t.rxQueue = append(t.rxQueue, frame)
}

func (t *Transport) connection(id dcm.ProtocolID) (*connection, error) {
	c, ok := t.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w : no connection for %v", dcm.ErrUnknownProtocol, id)
	}
	return c, nil
}

func (t *Transport) start(id dcm.ProtocolID, tx *txState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := t.connection(id)
	if err != nil {
		return err
	}
	if c.tx != nil {
		return dcm.ErrTxBusy
	}
	if tx.total == 0 || len(tx.data) == 0 {
		return fmt.Errorf("%w : empty transmission", dcm.ErrIllegalArgument)
	}
	if tx.total > MaxMessageLength {
		return fmt.Errorf("%w : %v bytes do not fit a transport message", dcm.ErrInvalidFrame, tx.total)
	}
	c.tx = tx
	return nil
}

// Transmit a complete response. Simulated transmissions are confirmed
// without anything being sent.
func (t *Transport) Transmit(id dcm.ProtocolID, data []byte, simulate bool) error {
	return t.start(id, &txState{
		data:     append([]byte(nil), data...),
		total:    len(data),
		simulate: simulate,
	})
}

// Transmit a response of total bytes starting with firstPage, further
// pages are requested from the endpoint with ProvideTxBuffer
func (t *Transport) TransmitPaged(id dcm.ProtocolID, firstPage []byte, total int) error {
	if len(firstPage) > total {
		return fmt.Errorf("%w : first page larger than total", dcm.ErrIllegalArgument)
	}
	return t.start(id, &txState{
		data:  append([]byte(nil), firstPage...),
		total: total,
		paged: true,
	})
}

// Next page of a paged transmission
func (t *Transport) ProcessNextTxBuffer(id dcm.ProtocolID, page []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := t.connection(id)
	if err != nil {
		return err
	}
	if c.tx == nil || !c.tx.paged || !c.tx.waitPage {
		return fmt.Errorf("%w : no page requested on %v", dcm.ErrIllegalArgument, id)
	}
	if len(page) == 0 || c.tx.sent+len(c.tx.data)+len(page) > c.tx.total {
		return fmt.Errorf("%w : page of %v bytes", dcm.ErrIllegalArgument, len(page))
	}
	c.tx.data = append(c.tx.data, page...)
	c.tx.waitPage = false
	return nil
}

// Abort the running transmission, it is confirmed as failed
func (t *Transport) CancelTransmit(id dcm.ProtocolID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[id]
	if !ok || c.tx == nil {
		return
	}
	t.logger.Debugf("transmission on %v cancelled after %v/%v bytes", id, c.tx.sent, c.tx.total)
	t.abort(c, false)
}

// Send a single frame response that needs no confirmation
func (t *Transport) Respond(id dcm.ProtocolID, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := t.connection(id)
	if err != nil {
		return err
	}
	if len(data) == 0 || len(data) > singleFrameMax {
		return fmt.Errorf("%w : %v bytes do not fit a single frame", dcm.ErrInvalidFrame, len(data))
	}
	t.outQueue = append(t.outQueue, outFrame{frame: singleFrame(c.cfg.ResponseID, data, c.cfg.Padding)})
	return nil
}

func (t *Transport) abort(c *connection, ok bool) {
	t.events = append(t.events, event{conn: c, kind: eventConfirm, ok: ok, tx: c.tx})
	c.tx = nil
}

// Handle received frames, advance transmissions and report confirmations.
// This should be called once per tick.
func (t *Transport) Process() error {
	t.mu.Lock()
	frames := t.rxQueue
	t.rxQueue = nil
	var requests []request
	for _, frame := range frames {
		c, ok := t.byRxID[frame.ID]
		if !ok {
			continue
		}
		req, err := t.receive(c, frame)
		if err != nil {
			t.logger.Warnf("protocol %v : %v", c.cfg.Protocol, err)
			continue
		}
		if req != nil {
			requests = append(requests, *req)
		}
	}
	for _, c := range t.sortedConnections() {
		t.advance(c)
	}
	out := t.outQueue
	t.outQueue = nil
	receiver := t.receiver
	t.mu.Unlock()

	var failed []*txState
	for _, o := range out {
		if err := t.bm.Send(o.frame); err != nil && o.tx != nil {
			failed = append(failed, o.tx)
		}
	}

	t.mu.Lock()
	for _, tx := range failed {
		t.failed(tx)
	}
	events := t.events
	t.events = nil
	t.mu.Unlock()

	for _, ev := range events {
		switch ev.kind {
		case eventConfirm:
			ev.conn.endpoint.TransmissionFinished(ev.ok)
		case eventProvide:
			ev.conn.endpoint.ProvideTxBuffer()
		}
	}

	var err error
	if receiver != nil {
		for _, req := range requests {
			rerr := receiver.RequestReceived(req.id, req.data, req.functional)
			switch {
			case rerr == nil:
			case errors.Is(rerr, dcm.ErrProtocolBusy), errors.Is(rerr, dcm.ErrRequestInhibited):
				t.logger.Debugf("request on %v dropped : %v", req.id, rerr)
			case errors.Is(rerr, dcm.ErrContractViolation):
				err = errors.Join(err, rerr)
			default:
				t.logger.Warnf("request on %v rejected : %v", req.id, rerr)
			}
		}
	}
	return errors.Join(err, t.bm.Process())
}

// A frame of transmission tx could not be sent, confirm it as failed
func (t *Transport) failed(tx *txState) {
	for _, c := range t.conns {
		if c.tx == tx {
			t.abort(c, false)
			return
		}
	}
	// confirmed within this tick, the last frame did not make it
	for i := range t.events {
		if t.events[i].kind == eventConfirm && t.events[i].tx == tx {
			t.events[i].ok = false
			return
		}
	}
}

func (t *Transport) sortedConnections() []*connection {
	conns := make([]*connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].cfg.Protocol < conns[j].cfg.Protocol })
	return conns
}

func (t *Transport) send(c *connection, frame can.Frame, tx *txState) {
	t.outQueue = append(t.outQueue, outFrame{frame: frame, tx: tx, conn: c})
}

func (t *Transport) receive(c *connection, frame can.Frame) (*request, error) {
	pci, err := pciOf(frame)
	if err != nil {
		return nil, err
	}
	functional := frame.ID == c.cfg.FunctionalID && frame.ID != c.cfg.PhysicalID
	switch pci {
	case pciSingle:
		data, err := decodeSingle(frame)
		if err != nil {
			return nil, err
		}
		if c.rx.active {
			t.logger.Debugf("multi frame reception on %v interrupted by a single frame", c.cfg.Protocol)
			c.rx = rxState{}
		}
		return &request{id: c.cfg.Protocol, data: data, functional: functional}, nil
	case pciFirst:
		if functional {
			return nil, fmt.Errorf("%w : first frame on functional id", dcm.ErrInvalidFrame)
		}
		length, data, err := decodeFirst(frame)
		if err != nil {
			return nil, err
		}
		if length > c.cfg.MaxRequestLength {
			t.send(c, flowControlFrame(c.cfg.ResponseID, flowOverflow, 0, 0, c.cfg.Padding), nil)
			return nil, fmt.Errorf("%w : request of %v bytes too long", dcm.ErrInvalidFrame, length)
		}
		c.rx = rxState{active: true, expected: length, data: data, sn: 1, blockLeft: int(c.cfg.BlockSize)}
		t.send(c, flowControlFrame(c.cfg.ResponseID, flowContinue, c.cfg.BlockSize, c.cfg.STmin, c.cfg.Padding), nil)
		return nil, nil
	case pciConsecutive:
		if !c.rx.active {
			return nil, nil
		}
		sn, expected := frame.Data[0]&0x0F, c.rx.sn
		if sn != expected {
			c.rx = rxState{}
			return nil, fmt.Errorf("%w : wrong sequence number %v, expected %v", dcm.ErrInvalidFrame, sn, expected)
		}
		n := c.rx.expected - len(c.rx.data)
		if n > consecutiveData {
			n = consecutiveData
		}
		if n > int(frame.DLC)-1 {
			c.rx = rxState{}
			return nil, fmt.Errorf("%w : consecutive frame too short", dcm.ErrInvalidFrame)
		}
		c.rx.data = append(c.rx.data, frame.Data[1:1+n]...)
		c.rx.sn = (c.rx.sn + 1) & 0x0F
		if len(c.rx.data) == c.rx.expected {
			data := c.rx.data
			c.rx = rxState{}
			return &request{id: c.cfg.Protocol, data: data}, nil
		}
		if c.cfg.BlockSize != 0 {
			c.rx.blockLeft--
			if c.rx.blockLeft == 0 {
				c.rx.blockLeft = int(c.cfg.BlockSize)
				t.send(c, flowControlFrame(c.cfg.ResponseID, flowContinue, c.cfg.BlockSize, c.cfg.STmin, c.cfg.Padding), nil)
			}
		}
		return nil, nil
	case pciFlowControl:
		return nil, t.flowControl(c, frame)
	default:
		return nil, fmt.Errorf("%w : unknown pci %x", dcm.ErrInvalidFrame, pci)
	}
}

func (t *Transport) flowControl(c *connection, frame can.Frame) error {
	tx := c.tx
	if tx == nil || !tx.waitFC {
		return nil
	}
	fs, blockSize, stMin, err := decodeFlowControl(frame)
	if err != nil {
		return err
	}
	switch fs {
	case flowContinue:
		tx.waitFC = false
		tx.blockLeft = int(blockSize)
		if blockSize == 0 {
			tx.blockLeft = -1
		}
		tx.oneByOne = stMin != 0
	case flowWait:
		tx.fcTimer = c.cfg.FcTimeout
	case flowOverflow:
		t.logger.Warnf("tester overflow on %v, response of %v bytes dropped", c.cfg.Protocol, tx.total)
		t.abort(c, false)
	}
	return nil
}

// Send what the transmission state of c allows for this tick
func (t *Transport) advance(c *connection) {
	tx := c.tx
	if tx == nil {
		return
	}
	if tx.simulate {
		t.abort(c, true)
		return
	}
	if tx.waitPage {
		return
	}
	if tx.waitFC {
		if tx.fcTimer > 0 {
			tx.fcTimer--
		}
		if tx.fcTimer == 0 {
			t.logger.Warnf("no flow control received on %v", c.cfg.Protocol)
			t.abort(c, false)
		}
		return
	}
	if !tx.started {
		if tx.total <= singleFrameMax {
			if len(tx.data) < tx.total {
				t.requestPage(c)
				return
			}
			t.send(c, singleFrame(c.cfg.ResponseID, tx.data, c.cfg.Padding), tx)
			t.abort(c, true)
			return
		}
		if len(tx.data) < firstFrameData {
			t.requestPage(c)
			return
		}
		t.send(c, firstFrame(c.cfg.ResponseID, tx.total, tx.data[:firstFrameData], c.cfg.Padding), tx)
		tx.data = tx.data[firstFrameData:]
		tx.sent = firstFrameData
		tx.started = true
		tx.sn = 1
		tx.waitFC = true
		tx.fcTimer = c.cfg.FcTimeout
		return
	}
	for tx.blockLeft != 0 && tx.sent < tx.total {
		n := tx.total - tx.sent
		if n > consecutiveData {
			n = consecutiveData
		}
		if len(tx.data) < n {
			t.requestPage(c)
			return
		}
		t.send(c, consecutiveFrame(c.cfg.ResponseID, tx.sn, tx.data[:n], c.cfg.Padding), tx)
		tx.data = tx.data[n:]
		tx.sent += n
		tx.sn = (tx.sn + 1) & 0x0F
		if tx.blockLeft > 0 {
			tx.blockLeft--
		}
		if tx.oneByOne {
			break
		}
	}
	if tx.sent == tx.total {
		t.abort(c, true)
		return
	}
	if tx.blockLeft == 0 {
		tx.waitFC = true
		tx.fcTimer = c.cfg.FcTimeout
	}
}

func (t *Transport) requestPage(c *connection) {
	if !c.tx.paged {
		// non paged data is always complete
		t.abort(c, false)
		return
	}
	c.tx.waitPage = true
	t.events = append(t.events, event{conn: c, kind: eventProvide})
}
