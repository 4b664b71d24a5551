// Package canbus provides the transport abstraction the sniffer drives: a
// small Bus interface plus a SocketCAN adapter built on brutella/can. It is
// modeled directly on the upstream pkg/can package (Frame, FrameListener,
// Bus, RegisterInterface) and is deliberately narrower: this analyzer only
// ever needs to send and receive raw frames, never run a CANopen node stack
// on top of them.
package canbus

import "fmt"

// SocketCAN id flag bits (classic CAN_EFF_FLAG / CAN_RTR_FLAG / CAN_ERR_FLAG).
const (
	EffFlag uint32 = 0x80000000
	RtrFlag uint32 = 0x40000000
	ErrFlag uint32 = 0x20000000
	SffMask uint32 = 0x000007FF
)

// Frame is a single CAN frame as observed or transmitted on the bus.
type Frame struct {
	ID   uint32 // raw arbitration id, flag bits included
	Data []byte // 0-8 bytes of payload
}

// ArbitrationID returns the 11-bit standard arbitration id with flag bits
// masked off.
func (f Frame) ArbitrationID() uint32 {
	return f.ID & SffMask
}

// IsError reports whether this frame represents a SocketCAN error frame.
func (f Frame) IsError() bool {
	return f.ID&ErrFlag != 0
}

// FrameHandler receives frames pushed by a Bus as they arrive.
type FrameHandler interface {
	Handle(frame Frame)
}

// Bus is the minimal transport contract the sniffer needs.
type Bus interface {
	Connect() error
	Disconnect() error
	Send(frame Frame) error
	Subscribe(handler FrameHandler) error
}

// NewBusFunc constructs a Bus bound to the given channel name (e.g. "can0").
type NewBusFunc func(channel string) (Bus, error)

var registry = make(map[string]NewBusFunc)

// Register makes a named bus implementation available to New. Implementors
// call this from an init() function, mirroring the upstream plugin pattern.
func Register(name string, ctor NewBusFunc) {
	registry[name] = ctor
}

// New constructs a Bus using the implementation registered under name.
func New(name string, channel string) (Bus, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("canbus: unsupported interface %q", name)
	}
	return ctor(channel)
}
