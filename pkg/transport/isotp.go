package transport

import (
	"fmt"

	dcm "github.com/samsamfire/godcm"
	"github.com/samsamfire/godcm/pkg/can"
)

// ISO-TP protocol control information on classic CAN
type pciType uint8

const (
	pciSingle      pciType = 0x0
	pciFirst       pciType = 0x1
	pciConsecutive pciType = 0x2
	pciFlowControl pciType = 0x3
)

type flowStatus uint8

const (
	flowContinue flowStatus = 0x0
	flowWait     flowStatus = 0x1
	flowOverflow flowStatus = 0x2
)

const (
	singleFrameMax  = 7
	firstFrameData  = 6
	consecutiveData = 7
	// Largest length that fits the 12 bit first frame length
	MaxMessageLength = 0xFFF
	paddingByte      = 0xAA
)

func pciOf(frame can.Frame) (pciType, error) {
	if frame.DLC == 0 {
		return 0, fmt.Errorf("%w : empty frame on %x", dcm.ErrInvalidFrame, frame.ID)
	}
	return pciType(frame.Data[0] >> 4), nil
}

func newFrame(id uint32, payload []byte, padding bool) can.Frame {
	frame := can.NewFrame(id, 0, uint8(len(payload)))
	copy(frame.Data[:], payload)
	if padding {
		for i := len(payload); i < can.MaxDLC; i++ {
			frame.Data[i] = paddingByte
		}
		frame.DLC = can.MaxDLC
	}
	return frame
}

func singleFrame(id uint32, data []byte, padding bool) can.Frame {
	payload := append([]byte{byte(pciSingle)<<4 | byte(len(data))}, data...)
	return newFrame(id, payload, padding)
}

func firstFrame(id uint32, total int, data []byte, padding bool) can.Frame {
	payload := append([]byte{byte(pciFirst)<<4 | byte(total>>8&0x0F), byte(total)}, data...)
	return newFrame(id, payload, padding)
}

func consecutiveFrame(id uint32, sn uint8, data []byte, padding bool) can.Frame {
	payload := append([]byte{byte(pciConsecutive)<<4 | sn&0x0F}, data...)
	return newFrame(id, payload, padding)
}

func flowControlFrame(id uint32, fs flowStatus, blockSize uint8, stMin uint8, padding bool) can.Frame {
	return newFrame(id, []byte{byte(pciFlowControl)<<4 | byte(fs), blockSize, stMin}, padding)
}

// Payload of a single frame
func decodeSingle(frame can.Frame) ([]byte, error) {
	length := int(frame.Data[0] & 0x0F)
	if length == 0 || length > singleFrameMax || length > int(frame.DLC)-1 {
		return nil, fmt.Errorf("%w : single frame length %v with dlc %v", dcm.ErrInvalidFrame, length, frame.DLC)
	}
	return append([]byte(nil), frame.Data[1:1+length]...), nil
}

// Announced message length and first data bytes of a first frame
func decodeFirst(frame can.Frame) (int, []byte, error) {
	if frame.DLC < can.MaxDLC {
		return 0, nil, fmt.Errorf("%w : first frame with dlc %v", dcm.ErrInvalidFrame, frame.DLC)
	}
	length := int(frame.Data[0]&0x0F)<<8 | int(frame.Data[1])
	if length <= singleFrameMax {
		return 0, nil, fmt.Errorf("%w : first frame length %v", dcm.ErrInvalidFrame, length)
	}
	return length, append([]byte(nil), frame.Data[2:8]...), nil
}

func decodeFlowControl(frame can.Frame) (flowStatus, uint8, uint8, error) {
	if frame.DLC < 3 {
		return 0, 0, 0, fmt.Errorf("%w : flow control with dlc %v", dcm.ErrInvalidFrame, frame.DLC)
	}
	fs := flowStatus(frame.Data[0] & 0x0F)
	if fs > flowOverflow {
		return 0, 0, 0, fmt.Errorf("%w : flow status %v", dcm.ErrInvalidFrame, fs)
	}
	return fs, frame.Data[1], frame.Data[2], nil
}
