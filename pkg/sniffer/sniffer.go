// Package sniffer owns the CAN bus handle and drives the receive/transmit
// side of the pipeline: it forwards every observed frame onto an ingress
// queue for the processor and drains a request queue of outgoing control
// frames requested by a front-end. It is grounded on the upstream
// pkg/can/socketcan wiring for bus lifecycle management, generalized from a
// single always-on CANopen node to a passive analyzer that can also inject
// raw SDO/PDO traffic.
package sniffer

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iota2/canopen-analyzer/internal/canbus"
	"github.com/iota2/canopen-analyzer/pkg/frame"
)

// RequestKind tags an outgoing control frame request.
type RequestKind uint8

const (
	SDODownload RequestKind = iota
	SDOUpload
	PDO
)

// Request is an outgoing control frame as requested by a front-end.
type Request struct {
	Kind  RequestKind
	Node  uint8  // 1..127, SDODownload/SDOUpload only
	Index uint16 // SDODownload/SDOUpload only
	Sub   uint8  // SDODownload/SDOUpload only
	Value uint32 // SDODownload only
	Size  uint8  // SDODownload only: 1, 2 or 4

	CobID uint16 // PDO only
	Data  []byte // PDO only, <= 8 bytes
}

var downloadCS = map[uint8]byte{1: 0x2F, 2: 0x2B, 4: 0x23}

func (r Request) validate() error {
	switch r.Kind {
	case SDODownload:
		if r.Node < 1 || r.Node > 127 {
			return fmt.Errorf("sniffer: node %d out of range 1..127", r.Node)
		}
		if _, ok := downloadCS[r.Size]; !ok {
			return fmt.Errorf("sniffer: sdo download size %d not in {1,2,4}", r.Size)
		}
	case SDOUpload:
		if r.Node < 1 || r.Node > 127 {
			return fmt.Errorf("sniffer: node %d out of range 1..127", r.Node)
		}
	case PDO:
		if len(r.Data) > 8 {
			return fmt.Errorf("sniffer: pdo payload length %d exceeds 8", len(r.Data))
		}
	default:
		return fmt.Errorf("sniffer: unknown request kind %d", r.Kind)
	}
	return nil
}

// encode renders the request as a wire-format CAN frame per the outgoing
// request table.
func (r Request) encode() canbus.Frame {
	switch r.Kind {
	case SDODownload:
		data := make([]byte, 8)
		data[0] = downloadCS[r.Size]
		data[1] = byte(r.Index & 0xFF)
		data[2] = byte(r.Index >> 8)
		data[3] = r.Sub
		for i := uint8(0); i < r.Size; i++ {
			data[4+i] = byte(r.Value >> (8 * i))
		}
		return canbus.Frame{ID: 0x600 + uint32(r.Node), Data: data}
	case SDOUpload:
		data := make([]byte, 8)
		data[0] = 0x40
		data[1] = byte(r.Index & 0xFF)
		data[2] = byte(r.Index >> 8)
		data[3] = r.Sub
		return canbus.Frame{ID: 0x600 + uint32(r.Node), Data: data}
	case PDO:
		return canbus.Frame{ID: uint32(r.CobID), Data: append([]byte(nil), r.Data...)}
	}
	return canbus.Frame{}
}

// nowFunc is indirected so tests can control timestamps.
type nowFunc func() float64

func defaultNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Sniffer drives the bus: received frames are pushed onto Ingress, and
// values sent to Requests are transmitted and mirrored onto Ingress as TX
// records for downstream export.
type Sniffer struct {
	bus canbus.Bus
	log *logrus.Entry
	now nowFunc

	ingress  chan frame.Raw
	requests chan Request
	recv     chan canbus.Frame

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// New wraps bus with a receive/transmit loop. ingressCapacity bounds the
// ingress queue; once full, the oldest frame is dropped to make room for
// the newest, per the documented drop-oldest backpressure policy.
func New(bus canbus.Bus, ingressCapacity, requestCapacity int, log *logrus.Entry) *Sniffer {
	s := &Sniffer{
		bus:      bus,
		log:      log,
		now:      defaultNow,
		ingress:  make(chan frame.Raw, ingressCapacity),
		requests: make(chan Request, requestCapacity),
		recv:     make(chan canbus.Frame, ingressCapacity),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	return s
}

// Ingress is the queue the processor reads raw frames from.
func (s *Sniffer) Ingress() <-chan frame.Raw { return s.ingress }

// Requests is the queue a front-end pushes outgoing control frames onto.
func (s *Sniffer) Requests() chan<- Request { return s.requests }

// Handle implements canbus.FrameHandler: every frame the bus delivers is
// pushed onto the internal recv channel for the run loop to pick up.
func (s *Sniffer) Handle(f canbus.Frame) {
	select {
	case s.recv <- f:
	default:
		s.log.Warn("sniffer: receive buffer full, dropping frame")
	}
}

// Run opens the bus and drives the receive loop until Stop is called. It
// returns the error from Subscribe/Connect, if any; a failure to open the
// bus is fatal and the loop never starts. stopped is always closed before
// Run returns, so Stop never blocks regardless of which path exits.
func (s *Sniffer) Run() error {
	defer close(s.stopped)

	// Subscribe before Connect: Connect starts the bus's receive loop
	// (SocketCAN runs ConnectAndPublish in its own goroutine; MemoryBus's
	// Connect is a no-op), and a frame delivered before a handler is
	// registered is silently lost.
	if err := s.bus.Subscribe(s); err != nil {
		return fmt.Errorf("sniffer: failed to subscribe: %w", err)
	}
	if err := s.bus.Connect(); err != nil {
		return fmt.Errorf("sniffer: failed to open bus: %w", err)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			s.bus.Disconnect()
			return nil
		default:
		}

		s.drainRequests()

		select {
		case <-s.stop:
			s.bus.Disconnect()
			return nil
		case f := <-s.recv:
			s.enqueue(frame.Raw{
				Timestamp: s.now(),
				Direction: frame.RX,
				COBID:     uint16(f.ArbitrationID()),
				Error:     f.IsError(),
				Payload:   f.Data,
			})
		case <-ticker.C:
		}
	}
}

func (s *Sniffer) drainRequests() {
	for {
		select {
		case req := <-s.requests:
			s.dispatch(req)
		default:
			return
		}
	}
}

// dispatch validates and transmits req, never propagating the failure past
// a log line: a malformed request from the front-end must not interrupt
// the receive loop.
func (s *Sniffer) dispatch(req Request) {
	if err := req.validate(); err != nil {
		s.log.Warnf("sniffer: rejecting request: %v", err)
		return
	}
	wire := req.encode()
	if err := s.bus.Send(wire); err != nil {
		s.log.Warnf("sniffer: send failed: %v", err)
		return
	}
	s.enqueue(frame.Raw{
		Timestamp: s.now(),
		Direction: frame.TX,
		COBID:     uint16(wire.ID) & 0x7FF,
		Payload:   wire.Data,
	})
}

// enqueue pushes raw onto the ingress queue, dropping the oldest entry if
// the queue is full.
func (s *Sniffer) enqueue(raw frame.Raw) {
	select {
	case s.ingress <- raw:
		return
	default:
	}
	select {
	case <-s.ingress:
	default:
	}
	select {
	case s.ingress <- raw:
	default:
	}
}

// Stop signals the run loop to exit and blocks until it has. Safe to call
// more than once. Run must already be running, or Stop blocks forever.
func (s *Sniffer) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.stopped
}
