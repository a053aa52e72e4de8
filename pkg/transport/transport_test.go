package transport

import (
	"sync"
	"testing"

	dcm "github.com/samsamfire/godcm"
	"github.com/samsamfire/godcm/pkg/can"
	"github.com/samsamfire/godcm/pkg/can/virtual"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	physicalID   uint32 = 0x7E0
	functionalID uint32 = 0x7DF
	responseID   uint32 = 0x7E8
)

type endpoint struct {
	confirmations []bool
	provides      int
}

func (e *endpoint) TransmissionFinished(ok bool) { e.confirmations = append(e.confirmations, ok) }
func (e *endpoint) ProvideTxBuffer() { e.provides++ }

type receiver struct {
	requests [][]byte
	kinds    []bool
	err      error
}

func (r *receiver) RequestReceived(id dcm.ProtocolID, data []byte, functional bool) error {
	r.requests = append(r.requests, data)
	r.kinds = append(r.kinds, functional)
	return r.err
}

// Tester side of the bus
type tester struct {
	mu     sync.Mutex
	bm     *BusManager
	frames []can.Frame
}

func (ts *tester) Handle(frame can.Frame) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.frames = append(ts.frames, frame)
}

func (ts *tester) send(t *testing.T, id uint32, payload ...byte) {
	frame := can.NewFrame(id, 0, uint8(len(payload)))
	copy(frame.Data[:], payload)
	require.Nil(t, ts.bm.Send(frame))
}

func (ts *tester) payloads() [][]byte {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	payloads := make([][]byte, 0, len(ts.frames))
	for _, frame := range ts.frames {
		payloads = append(payloads, append([]byte(nil), frame.Payload()...))
	}
	return payloads
}

type fixture struct {
	transport *Transport
	endpoint  *endpoint
	receiver  *receiver
	tester    *tester
}

func newFixture(t *testing.T, cfg Connection) *fixture {
	bus, err := virtual.NewVirtualCanBus("")
	require.Nil(t, err)
	require.Nil(t, bus.Connect())
	bm, err := NewBusManager(bus)
	require.Nil(t, err)
	tr, err := NewTransport(bm, nil)
	require.Nil(t, err)
	f := &fixture{transport: tr, endpoint: &endpoint{}, receiver: &receiver{}, tester: &tester{bm: bm}}
	require.Nil(t, bm.Subscribe(responseID, false, f.tester))
	cfg.Protocol = 1
	cfg.PhysicalID = physicalID
	cfg.ResponseID = responseID
	require.Nil(t, tr.AddConnection(cfg, f.endpoint))
	tr.SetReceiver(f.receiver)
	return f
}

func (f *fixture) process(t *testing.T) {
	require.Nil(t, f.transport.Process())
}

func sequence(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func TestAddConnection(t *testing.T) {
	f := newFixture(t, Connection{FunctionalID: functionalID})
	assert.ErrorIs(t, f.transport.AddConnection(Connection{Protocol: 1, PhysicalID: 0x700, ResponseID: 0x708}, f.endpoint), dcm.ErrIllegalArgument)
	assert.ErrorIs(t, f.transport.AddConnection(Connection{Protocol: 2, PhysicalID: physicalID, ResponseID: 0x708}, f.endpoint), dcm.ErrIllegalArgument)
	assert.ErrorIs(t, f.transport.AddConnection(Connection{Protocol: 2, PhysicalID: 0x700}, f.endpoint), dcm.ErrIllegalArgument)
	assert.ErrorIs(t, f.transport.AddConnection(Connection{Protocol: 2, PhysicalID: 0x700, ResponseID: 0x708}, nil), dcm.ErrIllegalArgument)
	_, err := NewTransport(nil, nil)
	assert.ErrorIs(t, err, dcm.ErrIllegalArgument)
}

func TestReceiveSingleFrame(t *testing.T) {
	f := newFixture(t, Connection{FunctionalID: functionalID})
	f.tester.send(t, physicalID, 0x02, 0x3E, 0x00)
	f.tester.send(t, functionalID, 0x02, 0x3E, 0x80)
	f.tester.send(t, 0x123, 0x02, 0x3E, 0x00)
	// frames are only handled during process
	assert.Empty(t, f.receiver.requests)
	f.process(t)
	assert.Equal(t, [][]byte{{0x3E, 0x00}, {0x3E, 0x80}}, f.receiver.requests)
	assert.Equal(t, []bool{false, true}, f.receiver.kinds)

	t.Run("invalid length", func(t *testing.T) {
		f.tester.send(t, physicalID, 0x05, 0x3E, 0x00)
		f.tester.send(t, physicalID, 0x00, 0x3E)
		f.process(t)
		assert.Len(t, f.receiver.requests, 2)
	})

	t.Run("busy receiver is not an error", func(t *testing.T) {
		f.receiver.err = dcm.ErrProtocolBusy
		f.tester.send(t, physicalID, 0x02, 0x3E, 0x00)
		f.process(t)
		assert.Len(t, f.receiver.requests, 3)
	})
}

func TestReceiveMultiFrame(t *testing.T) {
	f := newFixture(t, Connection{BlockSize: 1, STmin: 5})
	f.tester.send(t, physicalID, 0x10, 0x0E, 0x2E, 0xF1, 0x90, 0x01, 0x02, 0x03)
	f.process(t)
	assert.Equal(t, [][]byte{{0x30, 0x01, 0x05}}, f.tester.payloads())
	f.tester.send(t, physicalID, 0x21, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A)
	f.process(t)
	// block size reached, new flow control
	assert.Len(t, f.tester.payloads(), 2)
	assert.Empty(t, f.receiver.requests)
	f.tester.send(t, physicalID, 0x22, 0x0B)
	f.process(t)
	require.Len(t, f.receiver.requests, 1)
	assert.Equal(t, []byte{0x2E, 0xF1, 0x90, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B}, f.receiver.requests[0])

	t.Run("wrong sequence number", func(t *testing.T) {
		f.tester.send(t, physicalID, 0x10, 0x0A, 0x2E, 0xF1, 0x90, 0x01, 0x02, 0x03)
		f.tester.send(t, physicalID, 0x22, 0x04, 0x05, 0x06, 0x07)
		f.tester.send(t, physicalID, 0x21, 0x04, 0x05, 0x06, 0x07)
		f.process(t)
		assert.Len(t, f.receiver.requests, 1)
	})

	t.Run("too long", func(t *testing.T) {
		g := newFixture(t, Connection{MaxRequestLength: 8})
		g.tester.send(t, physicalID, 0x10, 0x0A, 0x2E, 0xF1, 0x90, 0x01, 0x02, 0x03)
		g.process(t)
		assert.Equal(t, [][]byte{{0x32, 0x00, 0x00}}, g.tester.payloads())
	})
}

func TestTransmitSingleFrame(t *testing.T) {
	f := newFixture(t, Connection{})
	require.Nil(t, f.transport.Transmit(1, []byte{0x7E, 0x00}, false))
	assert.ErrorIs(t, f.transport.Transmit(1, []byte{0x7E, 0x00}, false), dcm.ErrTxBusy)
	assert.ErrorIs(t, f.transport.Transmit(2, []byte{0x7E, 0x00}, false), dcm.ErrUnknownProtocol)
	// never confirmed from inside transmit
	assert.Empty(t, f.endpoint.confirmations)
	assert.Empty(t, f.tester.payloads())

	f.process(t)
	assert.Equal(t, [][]byte{{0x02, 0x7E, 0x00}}, f.tester.payloads())
	assert.Equal(t, []bool{true}, f.endpoint.confirmations)

	t.Run("empty", func(t *testing.T) {
		assert.ErrorIs(t, f.transport.Transmit(1, nil, false), dcm.ErrIllegalArgument)
	})
}

func TestTransmitPadding(t *testing.T) {
	f := newFixture(t, Connection{Padding: true})
	require.Nil(t, f.transport.Transmit(1, []byte{0x50, 0x01}, false))
	f.process(t)
	assert.Equal(t, [][]byte{{0x02, 0x50, 0x01, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}}, f.tester.payloads())
}

func TestTransmitSimulated(t *testing.T) {
	f := newFixture(t, Connection{})
	require.Nil(t, f.transport.Transmit(1, []byte{0x7E, 0x00}, true))
	f.process(t)
	assert.Empty(t, f.tester.payloads())
	assert.Equal(t, []bool{true}, f.endpoint.confirmations)
}

func TestTransmitMultiFrame(t *testing.T) {
	f := newFixture(t, Connection{})
	data := sequence(20)
	require.Nil(t, f.transport.Transmit(1, data, false))
	f.process(t)
	assert.Equal(t, [][]byte{append([]byte{0x10, 0x14}, data[:6]...)}, f.tester.payloads())
	assert.Empty(t, f.endpoint.confirmations)

	f.tester.send(t, physicalID, 0x30, 0x00, 0x00)
	f.process(t)
	payloads := f.tester.payloads()
	require.Len(t, payloads, 3)
	assert.Equal(t, append([]byte{0x21}, data[6:13]...), payloads[1])
	assert.Equal(t, append([]byte{0x22}, data[13:]...), payloads[2])
	assert.Equal(t, []bool{true}, f.endpoint.confirmations)
}

func TestFlowControl(t *testing.T) {
	t.Run("block size and separation time", func(t *testing.T) {
		f := newFixture(t, Connection{})
		require.Nil(t, f.transport.Transmit(1, sequence(30), false))
		f.process(t)
		f.tester.send(t, physicalID, 0x30, 0x02, 0x0A)
		f.process(t)
		// one consecutive frame per tick with a separation time
		assert.Len(t, f.tester.payloads(), 2)
		f.process(t)
		assert.Len(t, f.tester.payloads(), 3)
		f.process(t)
		assert.Len(t, f.tester.payloads(), 3)
		f.tester.send(t, physicalID, 0x30, 0x00, 0x00)
		f.process(t)
		assert.Len(t, f.tester.payloads(), 5)
		assert.Equal(t, []bool{true}, f.endpoint.confirmations)
	})

	t.Run("timeout", func(t *testing.T) {
		f := newFixture(t, Connection{FcTimeout: 2})
		require.Nil(t, f.transport.Transmit(1, sequence(20), false))
		f.process(t)
		f.process(t)
		assert.Empty(t, f.endpoint.confirmations)
		f.process(t)
		assert.Equal(t, []bool{false}, f.endpoint.confirmations)
	})

	t.Run("wait", func(t *testing.T) {
		f := newFixture(t, Connection{FcTimeout: 2})
		require.Nil(t, f.transport.Transmit(1, sequence(20), false))
		f.process(t)
		f.process(t)
		f.tester.send(t, physicalID, 0x31, 0x00, 0x00)
		f.process(t)
		assert.Empty(t, f.endpoint.confirmations)
		f.process(t)
		assert.Equal(t, []bool{false}, f.endpoint.confirmations)
	})

	t.Run("overflow", func(t *testing.T) {
		f := newFixture(t, Connection{})
		require.Nil(t, f.transport.Transmit(1, sequence(20), false))
		f.process(t)
		f.tester.send(t, physicalID, 0x32, 0x00, 0x00)
		f.process(t)
		assert.Equal(t, []bool{false}, f.endpoint.confirmations)
		assert.Len(t, f.tester.payloads(), 1)
	})
}

func TestTransmitPaged(t *testing.T) {
	f := newFixture(t, Connection{})
	data := sequence(16)
	require.Nil(t, f.transport.TransmitPaged(1, data[:3], 16))
	assert.ErrorIs(t, f.transport.ProcessNextTxBuffer(1, data[3:11]), dcm.ErrIllegalArgument)

	f.process(t)
	assert.Equal(t, 1, f.endpoint.provides)
	assert.Empty(t, f.tester.payloads())
	require.Nil(t, f.transport.ProcessNextTxBuffer(1, data[3:11]))

	f.process(t)
	assert.Equal(t, [][]byte{append([]byte{0x10, 0x10}, data[:6]...)}, f.tester.payloads())
	f.tester.send(t, physicalID, 0x30, 0x00, 0x00)
	f.process(t)
	assert.Equal(t, 2, f.endpoint.provides)
	assert.Len(t, f.tester.payloads(), 1)

	assert.ErrorIs(t, f.transport.ProcessNextTxBuffer(1, sequence(20)), dcm.ErrIllegalArgument)
	require.Nil(t, f.transport.ProcessNextTxBuffer(1, data[11:]))
	f.process(t)
	payloads := f.tester.payloads()
	require.Len(t, payloads, 3)
	assert.Equal(t, append([]byte{0x21}, data[6:13]...), payloads[1])
	assert.Equal(t, append([]byte{0x22}, data[13:]...), payloads[2])
	assert.Equal(t, []bool{true}, f.endpoint.confirmations)
}

func TestCancelTransmit(t *testing.T) {
	f := newFixture(t, Connection{})
	f.transport.CancelTransmit(1)
	f.process(t)
	assert.Empty(t, f.endpoint.confirmations)

	require.Nil(t, f.transport.Transmit(1, sequence(20), false))
	f.process(t)
	f.transport.CancelTransmit(1)
	f.tester.send(t, physicalID, 0x30, 0x00, 0x00)
	f.process(t)
	assert.Equal(t, []bool{false}, f.endpoint.confirmations)
	assert.Len(t, f.tester.payloads(), 1)

	// connection is free again
	require.Nil(t, f.transport.Transmit(1, []byte{0x7E, 0x00}, false))
}

func TestRespond(t *testing.T) {
	f := newFixture(t, Connection{})
	require.Nil(t, f.transport.Respond(1, []byte{0x7F, 0x22, 0x21}))
	assert.ErrorIs(t, f.transport.Respond(1, sequence(8)), dcm.ErrInvalidFrame)
	assert.ErrorIs(t, f.transport.Respond(3, []byte{0x7F}), dcm.ErrUnknownProtocol)
	f.process(t)
	assert.Equal(t, [][]byte{{0x03, 0x7F, 0x22, 0x21}}, f.tester.payloads())
	assert.Empty(t, f.endpoint.confirmations)
}

func TestSendFailure(t *testing.T) {
	f := newFixture(t, Connection{})
	bus := f.transport.bm.Bus().(*virtual.Bus)
	bus.SetReceiveOwn(false)
	require.Nil(t, f.transport.Transmit(1, []byte{0x7E, 0x00}, false))
	f.process(t)
	assert.Equal(t, []bool{false}, f.endpoint.confirmations)
	assert.EqualValues(t, 1, f.transport.bm.Error())
}
