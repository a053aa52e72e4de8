package can

import (
	"fmt"
	"sort"
	"sync"
)

const CanRtrFlag uint32 = 0x40000000
const CanSffMask uint32 = 0x000007FF
const CanEffFlag uint32 = 0x80000000
const CanEffMask uint32 = 0x1FFFFFFF

// Maximum payload of a classic CAN frame
const MaxDLC = 8

// A CAN frame
type Frame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

func NewFrame(id uint32, flags uint8, dlc uint8) Frame {
	return Frame{ID: id, Flags: flags, DLC: dlc}
}

// Payload of the frame, limited to its DLC
func (f Frame) Payload() []byte {
	dlc := f.DLC
	if dlc > MaxDLC {
		dlc = MaxDLC
	}
	return f.Data[:dlc]
}

// Interface for handling a received CAN frame
type FrameListener interface {
	Handle(frame Frame)
}

// A CAN Bus interface
type Bus interface {
	Connect(...any) error                   // Connect to the CAN bus
	Disconnect() error                      // Disconnect from CAN bus
	Send(frame Frame) error                 // Send a frame on the bus
	Subscribe(callback FrameListener) error // Subscribe to all received CAN frames
}

type NewInterfaceFunc func(channel string) (Bus, error)

var (
	registryMu        sync.Mutex
	interfaceRegistry = make(map[string]NewInterfaceFunc)
)

// Register a new CAN bus interface type
// This should be called inside an init() function of plugin
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	interfaceRegistry[interfaceType] = newInterface
}

// Names of the registered interfaces
func Interfaces() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(interfaceRegistry))
	for name := range interfaceRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create a new CAN bus with given interface
// Currently supported : socketcan, virtualcan
func NewBus(canInterface string, channel string) (Bus, error) {
	registryMu.Lock()
	createInterface, ok := interfaceRegistry[canInterface]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unsupported interface : %v", canInterface)
	}
	return createInterface(channel)
}
