package protocol

import (
	"context"
	"testing"
	"time"

	dcm "github.com/samsamfire/godcm"
	"github.com/samsamfire/godcm/pkg/buffer"
	"github.com/samsamfire/godcm/pkg/hsm"
	"github.com/samsamfire/godcm/pkg/processor"
	"github.com/samsamfire/godcm/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockTransmitter struct {
	mock.Mock
}

func (m *mockTransmitter) Transmit(id dcm.ProtocolID, data []byte, simulate bool) error {
	args := m.Called(id, append([]byte(nil), data...), simulate)
	return args.Error(0)
}

func (m *mockTransmitter) TransmitPaged(id dcm.ProtocolID, firstPage []byte, total int) error {
	args := m.Called(id, append([]byte(nil), firstPage...), total)
	return args.Error(0)
}

func (m *mockTransmitter) ProcessNextTxBuffer(id dcm.ProtocolID, page []byte) error {
	args := m.Called(id, append([]byte(nil), page...))
	return args.Error(0)
}

func (m *mockTransmitter) CancelTransmit(id dcm.ProtocolID) {
	m.Called(id)
}

// Data of every Transmit call
func (m *mockTransmitter) frames() [][]byte {
	var frames [][]byte
	for _, call := range m.Calls {
		if call.Method == "Transmit" {
			frames = append(frames, call.Arguments.Get(1).([]byte))
		}
	}
	return frames
}

type mockSupervisor struct {
	mock.Mock
}

func (m *mockSupervisor) ProtocolFree(id dcm.ProtocolID) { m.Called(id) }
func (m *mockSupervisor) ProcessingEnd(id dcm.ProtocolID) { m.Called(id) }
func (m *mockSupervisor) InhibitRequestProcessing() { m.Called() }
func (m *mockSupervisor) DisinhibitRequestProcessing() { m.Called() }
func (m *mockSupervisor) CommunicationEnabled(id dcm.ProtocolID) bool {
	return m.Called(id).Bool(0)
}

// Handler returning a fixed sequence of results, the last one repeats
type scripted struct {
	results []dcm.Result
	ops     []dcm.OpStatus
	fill    []byte
}

func (s *scripted) handle(op dcm.OpStatus, msg *dcm.MsgContext) dcm.Result {
	s.ops = append(s.ops, op)
	switch op {
	case dcm.OpCancel, dcm.OpConfirmedOk, dcm.OpConfirmedNotOk:
		return dcm.ResultDone
	}
	index := len(s.ops) - 1
	if index >= len(s.results) {
		index = len(s.results) - 1
	}
	result := s.results[index]
	if result == dcm.ResultDone {
		msg.ResponseLength = copy(msg.Response, s.fill)
	}
	return result
}

type fixture struct {
	p        *Protocol
	tx       *mockTransmitter
	sup      *mockSupervisor
	pool     *buffer.Pool
	proc     *processor.Processor
	services *service.Registry
}

func defaultConfig() Config {
	return Config{
		ID:                 1,
		Name:               "uds",
		P2:                 3,
		P2Star:             5,
		P2ServerMax:        50,
		P2StarServerMax:    5000,
		MaxResponsePending: InfiniteResponsePending,
	}
}

func newFixture(t *testing.T, cfg Config, commEnabled bool) *fixture {
	tx := &mockTransmitter{}
	tx.On("Transmit", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	tx.On("TransmitPaged", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	tx.On("ProcessNextTxBuffer", mock.Anything, mock.Anything).Return(nil)
	tx.On("CancelTransmit", mock.Anything).Return()
	sup := &mockSupervisor{}
	sup.On("ProtocolFree", mock.Anything).Return()
	sup.On("ProcessingEnd", mock.Anything).Return()
	sup.On("InhibitRequestProcessing").Return()
	sup.On("DisinhibitRequestProcessing").Return()
	sup.On("CommunicationEnabled", mock.Anything).Return(commEnabled)
	pool, err := buffer.NewPool(3, 16)
	require.Nil(t, err)
	proc, err := processor.NewProcessor(1, nil)
	require.Nil(t, err)
	services := service.NewRegistry(nil)
	p, err := NewProtocol(cfg, proc, tx, sup, services, nil)
	require.Nil(t, err)
	return &fixture{p: p, tx: tx, sup: sup, pool: pool, proc: proc, services: services}
}

func (f *fixture) start(t *testing.T, kind dcm.RequestKind, request ...byte) {
	set, err := f.pool.Acquire(request)
	require.Nil(t, err)
	require.Nil(t, f.p.Start(Job{Kind: kind, Buffers: set}))
}

func (f *fixture) tick(t *testing.T) {
	f.p.PreDispatch()
	_, err := f.p.Dispatch()
	require.Nil(t, err)
	f.p.ProcessTimers()
}

func (f *fixture) ticks(t *testing.T, n int) {
	for i := 0; i < n; i++ {
		f.tick(t)
	}
}

// Tick until the leaf state is s
func (f *fixture) until(t *testing.T, s hsm.StateID, max int) {
	for i := 0; i < max; i++ {
		if f.p.State() == s {
			return
		}
		f.tick(t)
	}
	require.Equal(t, StateName(s), StateName(f.p.State()))
}

func TestNewProtocolInvalid(t *testing.T) {
	_, err := NewProtocol(defaultConfig(), nil, nil, nil, nil, nil)
	assert.ErrorIs(t, err, dcm.ErrIllegalArgument)
}

func TestInitialState(t *testing.T) {
	f := newFixture(t, defaultConfig(), true)
	assert.Equal(t, StateInitializing, f.p.State())
	assert.True(t, f.p.IsIn(StateOutOfService))
}

func TestSyncPendingThenDone(t *testing.T) {
	f := newFixture(t, defaultConfig(), true)
	h := &scripted{results: []dcm.Result{dcm.ResultPending, dcm.ResultPending, dcm.ResultDone}, fill: []byte{0xAA}}
	require.Nil(t, f.services.Register(service.Entry{SID: 0x2E, Handler: h.handle}))

	f.start(t, dcm.RequestPhysical, 0x2E, 0x01)
	f.tick(t)
	assert.Equal(t, StateAwaitingApplication, f.p.State())
	f.ticks(t, 2)
	assert.Equal(t, StateNormalSendingProcessing, f.p.State())
	assert.Equal(t, [][]byte{{0x6E, 0xAA}}, f.tx.frames())
	assert.Equal(t, []dcm.OpStatus{dcm.OpInitial, dcm.OpPending, dcm.OpPending}, h.ops)

	f.p.TransmissionFinished(true)
	f.sup.AssertCalled(t, "ProtocolFree", dcm.ProtocolID(1))
	f.tick(t)
	assert.Equal(t, StateNotified, f.p.State())
	assert.Equal(t, dcm.OpConfirmedOk, h.ops[len(h.ops)-1])
	f.sup.AssertCalled(t, "ProcessingEnd", dcm.ProtocolID(1))
	assert.Equal(t, 3, f.pool.FreeCount())
	assert.Equal(t, dcm.NoProtocol, f.proc.Owner(0))
}

func TestUnknownService(t *testing.T) {
	f := newFixture(t, defaultConfig(), true)

	t.Run("physical", func(t *testing.T) {
		f.start(t, dcm.RequestPhysical, 0x99)
		f.tick(t)
		f.tx.AssertCalled(t, "Transmit", dcm.ProtocolID(1), []byte{0x7F, 0x99, 0x11}, false)
		f.p.TransmissionFinished(true)
		f.tick(t)
		assert.Equal(t, StateNotified, f.p.State())
	})

	t.Run("functional is suppressed", func(t *testing.T) {
		f.start(t, dcm.RequestFunctional, 0x98)
		f.tick(t)
		f.tx.AssertCalled(t, "Transmit", dcm.ProtocolID(1), []byte{0x7F, 0x98, 0x11}, true)
		f.p.TransmissionFinished(true)
		f.tick(t)
		assert.Equal(t, StateNotified, f.p.State())
		assert.Equal(t, 3, f.pool.FreeCount())
	})
}

func TestSuppressPositiveResponse(t *testing.T) {
	f := newFixture(t, defaultConfig(), true)
	h := &scripted{results: []dcm.Result{dcm.ResultDone}, fill: []byte{0x00}}
	require.Nil(t, f.services.Register(service.Entry{SID: 0x3E, Handler: h.handle, SubFunction: true, MinLength: 1}))

	f.start(t, dcm.RequestPhysical, 0x3E, 0x80)
	f.tick(t)
	f.tx.AssertCalled(t, "Transmit", dcm.ProtocolID(1), []byte{0x7E, 0x00}, true)
}

func TestIncorrectLength(t *testing.T) {
	f := newFixture(t, defaultConfig(), true)
	h := &scripted{results: []dcm.Result{dcm.ResultDone}}
	require.Nil(t, f.services.Register(service.Entry{SID: 0x22, Handler: h.handle, MinLength: 2}))

	f.start(t, dcm.RequestPhysical, 0x22, 0xF1)
	f.tick(t)
	f.tx.AssertCalled(t, "Transmit", dcm.ProtocolID(1), []byte{0x7F, 0x22, 0x13}, false)
	assert.Empty(t, h.ops)
}

func TestResponsePendingAccounting(t *testing.T) {
	f := newFixture(t, defaultConfig(), true)
	h := &scripted{results: []dcm.Result{dcm.ResultPending}}
	require.Nil(t, f.services.Register(service.Entry{SID: 0x2E, Handler: h.handle}))

	f.start(t, dcm.RequestPhysical, 0x2E, 0x01)
	f.until(t, StateSendResponsePendingNormal, 10)
	assert.Equal(t, [][]byte{{0x7F, 0x2E, 0x78}}, f.tx.frames())
	sent, confirmed, _, _ := f.p.Counters()
	assert.EqualValues(t, 1, sent)
	assert.EqualValues(t, 0, confirmed)

	// no second response pending before the first is confirmed
	f.ticks(t, 10)
	assert.Len(t, f.tx.frames(), 1)

	f.p.TransmissionFinished(true)
	sent, confirmed, _, _ = f.p.Counters()
	assert.Equal(t, sent, confirmed)
	f.tick(t)
	assert.Equal(t, StateAwaitingApplication, f.p.State())
	ticks, running := f.p.P2()
	assert.True(t, running)
	assert.LessOrEqual(t, ticks, uint32(5))

	f.until(t, StateSendResponsePendingNormal, 10)
	assert.Len(t, f.tx.frames(), 2)
}

func TestGeneralReject(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxResponsePending = 1
	f := newFixture(t, cfg, true)
	h := &scripted{results: []dcm.Result{dcm.ResultPending}}
	require.Nil(t, f.services.Register(service.Entry{SID: 0x2E, Handler: h.handle}))

	f.start(t, dcm.RequestPhysical, 0x2E, 0x01)
	f.until(t, StateSendResponsePendingNormal, 10)
	f.p.TransmissionFinished(true)
	f.until(t, StateCancelWithGeneralReject, 10)
	assert.Equal(t, [][]byte{{0x7F, 0x2E, 0x78}, {0x7F, 0x2E, 0x10}}, f.tx.frames())
	assert.Contains(t, h.ops, dcm.OpCancel)
	assert.Equal(t, dcm.NoProtocol, f.proc.Owner(0))

	// cancellation needs the reject confirmed
	f.tick(t)
	assert.Equal(t, StateCancelWithGeneralReject, f.p.State())
	f.p.TransmissionFinished(true)
	f.tick(t)
	assert.Equal(t, StateNotified, f.p.State())
	assert.Equal(t, 3, f.pool.FreeCount())
	assert.Equal(t, dcm.NrcGeneralReject, f.p.Nrc())
}

func TestGeneralRejectObd(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxResponsePending = 0
	f := newFixture(t, cfg, true)
	h := &scripted{results: []dcm.Result{dcm.ResultPending}}
	require.Nil(t, f.services.Register(service.Entry{SID: 0x09, Handler: h.handle}))

	f.start(t, dcm.RequestPhysical, 0x09, 0x02)
	f.until(t, StateCancelWithGeneralReject, 10)
	assert.Equal(t, [][]byte{{0x7F, 0x09, 0x22}}, f.tx.frames())
}

func TestForcedResponsePending(t *testing.T) {
	f := newFixture(t, defaultConfig(), true)
	h := &scripted{results: []dcm.Result{dcm.ResultForceResponsePending, dcm.ResultDone}, fill: []byte{0x01}}
	require.Nil(t, f.services.Register(service.Entry{SID: 0x31, Handler: h.handle}))

	f.start(t, dcm.RequestPhysical, 0x31, 0x01, 0xFF, 0x00)
	f.tick(t)
	assert.Equal(t, StateSendResponsePendingForced, f.p.State())
	_, _, forced, forcedConfirmed := f.p.Counters()
	assert.EqualValues(t, 1, forced)
	assert.EqualValues(t, 0, forcedConfirmed)

	f.p.TransmissionFinished(true)
	_, _, forced, forcedConfirmed = f.p.Counters()
	assert.Equal(t, forced, forcedConfirmed)
	f.tick(t)
	assert.Equal(t, []dcm.OpStatus{dcm.OpInitial, dcm.OpForceRcrrpOk}, h.ops)
	assert.Equal(t, StateNormalSendingProcessing, f.p.State())
	assert.Equal(t, [][]byte{{0x7F, 0x31, 0x78}, {0x71, 0x01}}, f.tx.frames())
}

func TestCancelWhileAwaitingApplication(t *testing.T) {
	f := newFixture(t, defaultConfig(), true)
	h := &scripted{results: []dcm.Result{dcm.ResultPending}}
	require.Nil(t, f.services.Register(service.Entry{SID: 0x2E, Handler: h.handle}))

	f.start(t, dcm.RequestPhysical, 0x2E, 0x01)
	f.tick(t)
	f.p.Cancel()
	f.tick(t)
	assert.Equal(t, StateNotified, f.p.State())
	assert.Equal(t, dcm.OpCancel, h.ops[len(h.ops)-1])
	assert.Empty(t, f.tx.frames())
	assert.Equal(t, 3, f.pool.FreeCount())
	assert.Equal(t, dcm.NoProtocol, f.proc.Owner(0))

	t.Run("protocol accepts a new job", func(t *testing.T) {
		f.start(t, dcm.RequestPhysical, 0x2E, 0x02)
		f.tick(t)
		assert.Equal(t, StateAwaitingApplication, f.p.State())
		_, _, forced, _ := f.p.Counters()
		assert.EqualValues(t, 0, forced)
	})
}

func TestCancelDuringResponsePending(t *testing.T) {
	f := newFixture(t, defaultConfig(), true)
	h := &scripted{results: []dcm.Result{dcm.ResultPending}}
	require.Nil(t, f.services.Register(service.Entry{SID: 0x2E, Handler: h.handle}))

	f.start(t, dcm.RequestPhysical, 0x2E, 0x01)
	f.until(t, StateSendResponsePendingNormal, 10)
	f.p.Cancel()
	f.tick(t)
	assert.Equal(t, StateWaitForTxAndProtocol, f.p.State())
	f.tx.AssertCalled(t, "CancelTransmit", dcm.ProtocolID(1))

	// halted handler alone does not finish the cancellation
	f.tick(t)
	assert.Equal(t, StateWaitForTxAndProtocol, f.p.State())
	assert.Less(t, f.pool.FreeCount(), 3)
	f.p.TransmissionFinished(false)
	f.tick(t)
	assert.Equal(t, StateNotified, f.p.State())
	assert.Equal(t, 3, f.pool.FreeCount())
}

func TestCancelDuringSending(t *testing.T) {
	f := newFixture(t, defaultConfig(), true)
	h := &scripted{results: []dcm.Result{dcm.ResultDone}, fill: []byte{0x01}}
	require.Nil(t, f.services.Register(service.Entry{SID: 0x2E, Handler: h.handle}))

	f.start(t, dcm.RequestPhysical, 0x2E, 0x01)
	f.tick(t)
	assert.Equal(t, StateNormalSendingProcessing, f.p.State())
	f.p.Cancel()
	f.tick(t)
	assert.Equal(t, StateNormalSendingCancelling, f.p.State())
	f.p.TransmissionFinished(false)
	f.tick(t)
	assert.Equal(t, StateNotified, f.p.State())
	assert.Equal(t, dcm.OpConfirmedNotOk, h.ops[len(h.ops)-1])
	assert.Equal(t, dcm.NoProtocol, f.proc.Owner(0))
}

func TestPagedResponse(t *testing.T) {
	f := newFixture(t, defaultConfig(), true)
	server := service.NewServer(50, 5000, nil)
	require.Nil(t, server.Register(f.services))
	large := make([]byte, 30)
	for i := range large {
		large[i] = byte(i)
	}
	server.SetDID(0x0100, large)

	f.start(t, dcm.RequestPhysical, 0x22, 0x01, 0x00)
	f.tick(t)
	assert.Equal(t, StatePageAvailable, f.p.State())
	first := append([]byte{0x62, 0x01, 0x00}, large[:13]...)
	f.tx.AssertCalled(t, "TransmitPaged", dcm.ProtocolID(1), first, 33)

	sent := len(first)
	for sent < 33 {
		f.p.ProvideTxBuffer()
		f.tick(t)
		assert.Equal(t, StatePageAvailable, f.p.State())
		call := f.tx.Calls[len(f.tx.Calls)-1]
		require.Equal(t, "ProcessNextTxBuffer", call.Method)
		sent += len(call.Arguments.Get(1).([]byte))
	}
	assert.Equal(t, 33, sent)
	f.p.TransmissionFinished(true)
	f.tick(t)
	assert.Equal(t, StateNotified, f.p.State())
	assert.Equal(t, dcm.NoProtocol, f.proc.Owner(0))
	assert.Equal(t, 3, f.pool.FreeCount())
}

func TestPagedCancel(t *testing.T) {
	f := newFixture(t, defaultConfig(), true)
	server := service.NewServer(50, 5000, nil)
	require.Nil(t, server.Register(f.services))
	server.SetDID(0x0100, make([]byte, 30))

	f.start(t, dcm.RequestPhysical, 0x22, 0x01, 0x00)
	f.tick(t)
	f.p.Cancel()
	f.tick(t)
	assert.Equal(t, StatePagedBufferCancelling, f.p.State())
	// slot kept until the transmission is halted as well
	assert.Equal(t, dcm.ProtocolID(1), f.proc.Owner(0))
	f.p.TransmissionFinished(false)
	f.tick(t)
	assert.Equal(t, StateNotified, f.p.State())
	assert.Equal(t, dcm.NoProtocol, f.proc.Owner(0))
	assert.Equal(t, 3, f.pool.FreeCount())
}

// Handler answering with a first page of first bytes, then pages of next bytes
func pagedHandler(total, first, next int) dcm.Handler {
	return func(op dcm.OpStatus, msg *dcm.MsgContext) dcm.Result {
		switch op {
		case dcm.OpInitial:
			msg.ResponseLength = total
			msg.PageLength = first
			return dcm.ResultProcessPage
		case dcm.OpUpdatePage:
			msg.PageLength = next
			return dcm.ResultProcessPage
		}
		return dcm.ResultDone
	}
}

func TestPagedFirstPageTooLong(t *testing.T) {
	f := newFixture(t, defaultConfig(), true)
	require.Nil(t, f.services.Register(service.Entry{SID: 0x22, Handler: pagedHandler(64, 64, 0)}))

	f.start(t, dcm.RequestPhysical, 0x22, 0x01, 0x00)
	f.tick(t)
	f.tx.AssertNotCalled(t, "TransmitPaged", mock.Anything, mock.Anything, mock.Anything)
	f.tx.AssertCalled(t, "Transmit", dcm.ProtocolID(1), []byte{0x7F, 0x22, 0x14}, false)
	f.p.TransmissionFinished(true)
	f.tick(t)
	assert.Equal(t, StateNotified, f.p.State())
	assert.Equal(t, dcm.NoProtocol, f.proc.Owner(0))
	assert.Equal(t, 3, f.pool.FreeCount())
}

func TestPagedNextPageTooLong(t *testing.T) {
	f := newFixture(t, defaultConfig(), true)
	require.Nil(t, f.services.Register(service.Entry{SID: 0x22, Handler: pagedHandler(40, 4, 64)}))

	f.start(t, dcm.RequestPhysical, 0x22, 0x01, 0x00)
	f.tick(t)
	assert.Equal(t, StatePageAvailable, f.p.State())
	f.tx.AssertCalled(t, "TransmitPaged", dcm.ProtocolID(1), []byte{0x62, 0, 0, 0, 0}, 41)

	f.p.ProvideTxBuffer()
	f.until(t, StatePagedBufferCancelling, 3)
	f.tx.AssertNotCalled(t, "ProcessNextTxBuffer", mock.Anything, mock.Anything)
	f.tx.AssertCalled(t, "CancelTransmit", dcm.ProtocolID(1))
	f.p.TransmissionFinished(false)
	f.tick(t)
	assert.Equal(t, StateNotified, f.p.State())
	assert.Equal(t, dcm.NoProtocol, f.proc.Owner(0))
	assert.Equal(t, 3, f.pool.FreeCount())
}

func TestAsyncHandlerNrc(t *testing.T) {
	cfg := defaultConfig()
	cfg.P2 = 1000
	f := newFixture(t, cfg, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.proc.Run(ctx) }()

	release := make(chan struct{})
	handler := func(op dcm.OpStatus, msg *dcm.MsgContext) dcm.Result {
		if op == dcm.OpInitial {
			<-release
			msg.SetNegativeResponse(dcm.NrcRequestOutOfRange)
		}
		return dcm.ResultDone
	}
	require.Nil(t, f.services.Register(service.Entry{SID: 0x2E, Handler: handler, Mode: dcm.ModeAsync}))

	f.start(t, dcm.RequestPhysical, 0x2E, 0x01)
	f.tick(t)
	assert.Equal(t, StateAwaitingApplication, f.p.State())
	assert.Equal(t, dcm.NrcOk, f.p.Nrc())
	close(release)

	// the status may be read while the worker runs the handler
	deadline := time.Now().Add(time.Second)
	for f.p.State() != StateNormalSendingProcessing && time.Now().Before(deadline) {
		assert.Contains(t, []dcm.Nrc{dcm.NrcOk, dcm.NrcRequestOutOfRange}, f.p.Nrc())
		f.tick(t)
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, StateName(StateNormalSendingProcessing), StateName(f.p.State()))
	assert.Equal(t, dcm.NrcRequestOutOfRange, f.p.Nrc())
	f.tx.AssertCalled(t, "Transmit", dcm.ProtocolID(1), []byte{0x7F, 0x2E, 0x31}, false)
}

func TestEcuResetInhibits(t *testing.T) {
	f := newFixture(t, defaultConfig(), true)
	server := service.NewServer(50, 5000, nil)
	require.Nil(t, server.Register(f.services))

	f.start(t, dcm.RequestPhysical, 0x11, 0x01)
	f.tick(t)
	f.tx.AssertCalled(t, "Transmit", dcm.ProtocolID(1), []byte{0x51, 0x01}, false)
	f.sup.AssertNotCalled(t, "InhibitRequestProcessing")
	f.p.TransmissionFinished(true)
	f.sup.AssertCalled(t, "InhibitRequestProcessing")
}

func TestReturnFromBootloader(t *testing.T) {
	f := newFixture(t, defaultConfig(), true)
	set, err := f.pool.Acquire([]byte{0x10, 0x02})
	require.Nil(t, err)
	require.Nil(t, f.p.Start(Job{Kind: dcm.RequestBootloader, Buffers: set, ResponseRequired: true}))

	f.tick(t)
	assert.Equal(t, StateAwaitingFullCom, f.p.State())
	f.until(t, StateNormalSendingProcessing, 5)
	f.tx.AssertCalled(t, "Transmit", dcm.ProtocolID(1), []byte{0x50, 0x02, 0x00, 0x32, 0x01, 0xF4}, false)
	f.p.TransmissionFinished(true)
	f.sup.AssertCalled(t, "DisinhibitRequestProcessing")
	f.tick(t)
	assert.Equal(t, StateNotified, f.p.State())
	f.sup.AssertCalled(t, "ProcessingEnd", dcm.ProtocolID(1))

	t.Run("only from initializing", func(t *testing.T) {
		set, err := f.pool.Acquire([]byte{0x10, 0x02})
		require.Nil(t, err)
		assert.ErrorIs(t, f.p.Start(Job{Kind: dcm.RequestBootloader, Buffers: set}), dcm.ErrProtocolBusy)
	})
}

func TestReturnFromBootloaderWaitsForCommunication(t *testing.T) {
	f := newFixture(t, defaultConfig(), false)
	set, err := f.pool.Acquire([]byte{0x10, 0x02})
	require.Nil(t, err)
	require.Nil(t, f.p.Start(Job{Kind: dcm.RequestBootloader, Buffers: set, ResponseRequired: true}))

	f.ticks(t, 5)
	assert.Equal(t, StateAwaitingFullCom, f.p.State())
	assert.Empty(t, f.tx.frames())

	for _, call := range f.sup.ExpectedCalls {
		if call.Method == "CommunicationEnabled" {
			call.ReturnArguments = mock.Arguments{true}
		}
	}
	f.until(t, StateNormalSendingProcessing, 5)
	f.tx.AssertCalled(t, "Transmit", dcm.ProtocolID(1), []byte{0x50, 0x02, 0x00, 0x32, 0x01, 0xF4}, false)
}

func TestReturnFromBootloaderNoResponse(t *testing.T) {
	f := newFixture(t, defaultConfig(), true)
	set, err := f.pool.Acquire([]byte{0x11, 0x01})
	require.Nil(t, err)
	require.Nil(t, f.p.Start(Job{Kind: dcm.RequestBootloader, Buffers: set}))
	f.until(t, StateNotified, 5)
	assert.Empty(t, f.tx.frames())
	assert.Equal(t, 3, f.pool.FreeCount())
}

func TestRoeWithoutCommunication(t *testing.T) {
	f := newFixture(t, defaultConfig(), false)
	f.start(t, dcm.RequestRoeType1, 0x22, 0xF1, 0x90)
	f.tick(t)
	assert.Equal(t, StateNotified, f.p.State())
	f.sup.AssertCalled(t, "ProtocolFree", dcm.ProtocolID(1))
	assert.Equal(t, 3, f.pool.FreeCount())
}

func TestRoeNeverSendsResponsePending(t *testing.T) {
	f := newFixture(t, defaultConfig(), true)
	h := &scripted{results: []dcm.Result{dcm.ResultPending, dcm.ResultPending, dcm.ResultPending, dcm.ResultDone}, fill: []byte{0xF1, 0x90}}
	require.Nil(t, f.services.Register(service.Entry{SID: 0x22, Handler: h.handle}))

	f.start(t, dcm.RequestRoeType1, 0x22, 0xF1, 0x90)
	f.until(t, StateNormalSendingProcessing, 10)
	assert.Equal(t, [][]byte{{0x62, 0xF1, 0x90}}, f.tx.frames())
	f.p.TransmissionFinished(true)
	f.tick(t)
	assert.Equal(t, StateNotified, f.p.State())
}

func TestPeriodic(t *testing.T) {
	cfg := defaultConfig()
	cfg.Periodic = func(msg *dcm.MsgContext) dcm.Result {
		msg.Response[0] = msg.Request[0]
		msg.ResponseLength = 1
		return dcm.ResultOk
	}
	f := newFixture(t, cfg, true)
	f.start(t, dcm.RequestPeriodic, 0x2A, 0x05)
	f.tick(t)
	f.tx.AssertCalled(t, "Transmit", dcm.ProtocolID(1), []byte{0x6A, 0x05}, false)
	f.p.TransmissionFinished(true)
	f.tick(t)
	assert.Equal(t, StateNotified, f.p.State())
	f.sup.AssertNotCalled(t, "ProcessingEnd", mock.Anything)
}

func TestStartBusy(t *testing.T) {
	f := newFixture(t, defaultConfig(), true)
	f.start(t, dcm.RequestPhysical, 0x99)
	_, err := f.pool.Acquire([]byte{0x3E, 0x00})
	assert.ErrorIs(t, err, dcm.ErrNoBuffer)

	other, _ := buffer.NewPool(3, 16)
	set, err := other.Acquire([]byte{0x3E, 0x00})
	require.Nil(t, err)
	assert.ErrorIs(t, f.p.Start(Job{Kind: dcm.RequestPhysical, Buffers: set}), dcm.ErrProtocolBusy)
	assert.ErrorIs(t, f.p.Start(Job{Kind: dcm.RequestPhysical}), dcm.ErrIllegalArgument)
}
