package transport

import (
	"sync"

	"github.com/samsamfire/godcm/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Bus manager is a wrapper around the CAN bus interface
// Used by the transport to dispatch received frames per CAN id and to
// keep track of bus errors
type BusManager struct {
	mu             sync.Mutex
	bus            can.Bus // Bus interface that can be adapted
	frameListeners map[uint32][]can.FrameListener
	sendErrors     uint16
	canError       uint16
}

// Implements the FrameListener interface
// This handles all received CAN frames from Bus
func (bm *BusManager) Handle(frame can.Frame) {
	bm.mu.Lock()
	listeners := bm.frameListeners[frame.ID]
	bm.mu.Unlock()
	for _, listener := range listeners {
		listener.Handle(frame)
	}
}

// Set bus
func (bm *BusManager) SetBus(bus can.Bus) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bus = bus
	return bus.Subscribe(bm)
}

func (bm *BusManager) Bus() can.Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

// Send a CAN message
// Limited error handling
func (bm *BusManager) Send(frame can.Frame) error {
	bm.mu.Lock()
	bus := bm.bus
	bm.mu.Unlock()
	err := bus.Send(frame)
	if err != nil {
		log.Warnf("[CAN] %v", err)
		bm.mu.Lock()
		bm.sendErrors++
		bm.mu.Unlock()
	}
	return err
}

// This should be called cyclically to update errors
func (bm *BusManager) Process() error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if bm.sendErrors != 0 && bm.canError == 0 {
		log.Warnf("[CAN] %v frames could not be sent", bm.sendErrors)
	}
	bm.canError = bm.sendErrors
	bm.sendErrors = 0
	return nil
}

// Subscribe to a specific CAN ID
func (bm *BusManager) Subscribe(ident uint32, rtr bool, callback can.FrameListener) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	ident = ident & can.CanSffMask
	if rtr {
		ident |= can.CanRtrFlag
	}
	// Iterate over all callbacks and verify that we are not adding the same one twice
	for _, existing := range bm.frameListeners[ident] {
		if existing == callback {
			log.Warnf("[CAN] callback for frame id %x already added", ident)
			return nil
		}
	}
	bm.frameListeners[ident] = append(bm.frameListeners[ident], callback)
	return nil
}

// Number of failed sends during the last process period
func (bm *BusManager) Error() uint16 {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.canError
}

func NewBusManager(bus can.Bus) (*BusManager, error) {
	bm := &BusManager{
		frameListeners: make(map[uint32][]can.FrameListener),
	}
	if bus == nil {
		return bm, nil
	}
	return bm, bm.SetBus(bus)
}
