package virtual

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/samsamfire/godcm/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Virtual CAN bus over TCP, used for testing and simulation.
// Frames are exchanged through a broker that forwards them to all connected clients
// More information : https://github.com/windelbouwman/virtualcan
// Without a channel the bus works in loopback only mode.

func init() {
	can.RegisterInterface("virtual", NewVirtualCanBus)
	can.RegisterInterface("virtualcan", NewVirtualCanBus)
}

var errNoConnection = errors.New("no active connection")

type Bus struct {
	logger        *log.Entry
	mu            sync.Mutex
	handlerMu     sync.Mutex
	channel       string
	conn          net.Conn
	receiveOwn    bool
	framehandler  can.FrameListener
	stopChan      chan bool
	wg            sync.WaitGroup
	isRunning     bool
	errSubscriber bool
}

func NewVirtualCanBus(channel string) (can.Bus, error) {
	return &Bus{
		logger:     log.WithField("service", "[CAN]"),
		channel:    channel,
		stopChan:   make(chan bool),
		receiveOwn: channel == "",
	}, nil
}

// Helper function for serializing a CAN frame into the expected binary format
func serializeFrame(frame can.Frame) ([]byte, error) {
	buffer := new(bytes.Buffer)
	err := binary.Write(buffer, binary.BigEndian, frame)
	if err != nil {
		return nil, err
	}
	dataBytes := buffer.Bytes()
	frameBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(frameBytes, uint32(len(dataBytes)))
	frameBytes = append(frameBytes, dataBytes...)
	return frameBytes, nil
}

// Helper function for deserializing a CAN frame from expected binary format
func deserializeFrame(buffer []byte) (*can.Frame, error) {
	var frame can.Frame
	buf := bytes.NewBuffer(buffer)
	err := binary.Read(buf, binary.BigEndian, &frame)
	if err != nil {
		return nil, err
	}
	return &frame, nil
}

// "Connect" to server e.g. localhost:18000
func (b *Bus) Connect(...any) error {
	if b.channel == "" {
		return nil
	}
	conn, err := net.Dial("tcp", b.channel)
	if err != nil {
		return err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conn = conn
	if b.framehandler != nil {
		b.startReception()
	}
	return nil
}

// "Disconnect" from server
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	running := !b.errSubscriber && b.isRunning
	b.mu.Unlock()
	if running {
		b.stopChan <- true
		b.wg.Wait()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		err := b.conn.Close()
		b.conn = nil
		return err
	}
	return nil
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame can.Frame) error {
	b.mu.Lock()
	conn := b.conn
	loopback := b.receiveOwn
	b.mu.Unlock()
	if loopback {
		b.deliver(frame)
	} else if conn == nil {
		return fmt.Errorf("%w, abort send", errNoConnection)
	}
	if conn == nil {
		return nil
	}
	frameBytes, err := serializeFrame(frame)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Millisecond))
	_, err = conn.Write(frameBytes)
	return err
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(framehandler can.FrameListener) error {
	b.handlerMu.Lock()
	b.framehandler = framehandler
	b.handlerMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.startReception()
	}
	return nil
}

func (b *Bus) startReception() {
	if b.isRunning {
		return
	}
	b.wg.Add(1)
	b.isRunning = true
	b.errSubscriber = false
	go b.handleReception()
}

func (b *Bus) deliver(frame can.Frame) {
	b.handlerMu.Lock()
	handler := b.framehandler
	b.handlerMu.Unlock()
	if handler != nil {
		handler.Handle(frame)
	}
}

// Receive new CAN message
func (b *Bus) Recv() (*can.Frame, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("%w, abort receive", errNoConnection)
	}
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	headerBytes := make([]byte, 4)
	n, err := conn.Read(headerBytes)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return nil, err
	}
	if n < 4 || err != nil {
		return nil, fmt.Errorf("error deserializing : expected %v, got %v, err : %v", 4, n, err)
	}
	length := binary.BigEndian.Uint32(headerBytes)
	frameBytes := make([]byte, length)
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	n, err = conn.Read(frameBytes)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return nil, err
	}
	if n != int(length) || err != nil {
		return nil, fmt.Errorf("error deserializing : expected %v, got %v", length, n)
	}
	return deserializeFrame(frameBytes)
}

// Handle incoming traffic
func (b *Bus) handleReception() {
	defer func() {
		b.mu.Lock()
		b.isRunning = false
		b.mu.Unlock()
		b.wg.Done()
	}()
	for {
		select {
		case <-b.stopChan:
			return
		default:
			frame, err := b.Recv()
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// No message received, this is OK
				continue
			}
			if err != nil {
				b.logger.Errorf("listening routine has closed because : %v", err)
				b.mu.Lock()
				b.errSubscriber = true
				b.mu.Unlock()
				return
			}
			b.deliver(*frame)
		}
	}
}

// Deliver sent frames to the local subscriber as well
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}
