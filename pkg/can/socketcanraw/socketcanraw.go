//go:build linux

package socketcanraw

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"unsafe"

	"github.com/samsamfire/godcm/pkg/can"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Raw socketcan driver without third party socket wrapper. Supports kernel
// side filtering so that only diagnostic CAN ids reach the engine.

const (
	SocketCANFrameSize  = 16
	DefaultRcvTimeoutUs = 100000
)

func init() {
	can.RegisterInterface("socketcanraw", NewSocketCanBus)
}

type canFrame struct {
	id   uint32
	dlc  uint8
	pad  uint8
	res0 uint8
	res1 uint8
	data [8]uint8
}

type SocketcanBus struct {
	mu         sync.Mutex
	channel    string
	f          *os.File
	fd         int
	rxCallback can.FrameListener
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *log.Entry
}

// Create a new SocketCAN bus. This expects the CAN channel to be up.
// e.g. running "ip a" should show can0 or something similar.
func NewSocketCanBus(channel string) (can.Bus, error) {
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("failed to create CAN socket : %v", err)
	}
	tv := unix.NsecToTimeval(DefaultRcvTimeoutUs * 1000)
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to set read timeout %v", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &SocketcanBus{
		channel: channel,
		fd:      fd,
		logger:  log.WithFields(log.Fields{"service": "[CAN]", "channel": channel}),
	}, nil
}

// "Connect" implementation of Bus interface
func (s *SocketcanBus) Connect(...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	if s.f == nil {
		s.f = os.NewFile(uintptr(s.fd), fmt.Sprintf("fd %d", s.fd))
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processIncoming(ctx)
	}()
	return nil
}

// "Disconnect" implementation of Bus interface
func (s *SocketcanBus) Disconnect() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()
	return nil
}

// "Send" implementation of Bus interface
func (s *SocketcanBus) Send(frame can.Frame) error {
	if s.f == nil {
		return fmt.Errorf("socketcan %v not connected", s.channel)
	}
	raw := canFrame{id: frame.ID, dlc: frame.DLC, pad: frame.Flags, data: frame.Data}
	rawData := (*(*[SocketCANFrameSize]byte)(unsafe.Pointer(&raw)))[:]
	n, err := s.f.Write(rawData)
	if err != nil {
		return err
	}
	if n != SocketCANFrameSize {
		return fmt.Errorf("short write on %v : %v bytes", s.channel, n)
	}
	return nil
}

// process incoming frames. This is meant to be run inside of a goroutine
func (s *SocketcanBus) processIncoming(ctx context.Context) {
	rxFrame := make([]byte, SocketCANFrameSize)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("exiting CAN bus reception, closed")
			return
		default:
			n, err := s.f.Read(rxFrame)
			if os.IsTimeout(err) {
				continue
			}
			if n != SocketCANFrameSize || err != nil {
				s.logger.Warnf("exiting CAN bus reception : %v", err)
				return
			}
			raw := (*canFrame)(unsafe.Pointer(&rxFrame[0]))
			frame := can.Frame{ID: raw.id, DLC: raw.dlc, Flags: raw.pad, Data: raw.data}
			s.mu.Lock()
			callback := s.rxCallback
			s.mu.Unlock()
			if callback != nil {
				callback.Handle(frame)
			}
		}
	}
}

// "Subscribe" implementation of Bus interface
func (s *SocketcanBus) Subscribe(rxCallback can.FrameListener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rxCallback = rxCallback
	return nil
}

// Enable own reception on the bus. CAN be useful when testing for example
func (s *SocketcanBus) SetReceiveOwn(enabled bool) error {
	enabledInt := 0
	if enabled {
		enabledInt = 1
	}
	s.logger.Infof("setting option 'CAN_RAW_RECV_OWN_MSGS' to %v", enabled)
	return unix.SetsockoptInt(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, enabledInt)
}

// Only receive the given standard identifiers
func (s *SocketcanBus) SetFilters(ids ...uint32) error {
	filters := make([]unix.CanFilter, 0, len(ids))
	for _, id := range ids {
		filters = append(filters, unix.CanFilter{Id: id & can.CanSffMask, Mask: can.CanSffMask})
	}
	s.logger.Infof("setting option 'CAN_RAW_FILTER' to %x", ids)
	return unix.SetsockoptCanRawFilter(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters)
}
