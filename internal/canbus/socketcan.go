package canbus

import (
	sockcan "github.com/brutella/can"
)

func init() {
	Register("socketcan", NewSocketCAN)
}

// SocketCAN adapts brutella/can onto the Bus interface, the same wiring the
// upstream pkg/can/socketcan package performs.
type SocketCAN struct {
	bus     *sockcan.Bus
	handler FrameHandler
}

// NewSocketCAN opens a SocketCAN bus on the named interface (e.g. "can0").
func NewSocketCAN(channel string) (Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(channel)
	if err != nil {
		return nil, err
	}
	return &SocketCAN{bus: bus}, nil
}

// Connect starts the underlying receive loop.
func (s *SocketCAN) Connect() error {
	go s.bus.ConnectAndPublish()
	return nil
}

// Disconnect closes the underlying socket.
func (s *SocketCAN) Disconnect() error {
	return s.bus.Disconnect()
}

// Send transmits a frame on the bus.
func (s *SocketCAN) Send(frame Frame) error {
	var data [8]byte
	copy(data[:], frame.Data)
	return s.bus.Publish(sockcan.Frame{
		ID:     frame.ID,
		Length: uint8(len(frame.Data)),
		Data:   data,
	})
}

// Subscribe registers handler to receive every frame observed on the bus.
func (s *SocketCAN) Subscribe(handler FrameHandler) error {
	s.handler = handler
	s.bus.Subscribe(s)
	return nil
}

// Handle implements brutella/can's receive callback and translates into our
// own Frame type.
func (s *SocketCAN) Handle(frame sockcan.Frame) {
	if s.handler == nil {
		return
	}
	s.handler.Handle(Frame{ID: frame.ID, Data: append([]byte(nil), frame.Data[:frame.Length]...)})
}
