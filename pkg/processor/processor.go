// Package processor implements the frame processor: it consumes raw frames
// from the sniffer, classifies them by COB-ID, decodes their payloads
// against an Object Dictionary, updates the statistics engine, and emits
// decoded events. Decoding is split by message class across sibling files
// (decode_sdo.go, decode_pdo.go, decode_time.go, decode_emcy.go,
// decode_hb.go) the way the upstream protocol stack splits pdo.go/sdo*.go
// by concern rather than keeping one large switch.
package processor

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iota2/canopen-analyzer/pkg/eds"
	"github.com/iota2/canopen-analyzer/pkg/frame"
	"github.com/iota2/canopen-analyzer/pkg/stats"
)

// Processor drains an ingress queue of raw frames and produces decoded
// events on its egress queue.
type Processor struct {
	stats *stats.Engine
	eds   *eds.Map
	log   *logrus.Entry

	ingress <-chan frame.Raw
	egress  chan frame.Processed

	stop    chan struct{}
	stopped chan struct{}
}

// New constructs a Processor reading from ingress and writing decoded
// events to an egress queue of the given capacity.
func New(ingress <-chan frame.Raw, egressCapacity int, st *stats.Engine, edsMap *eds.Map, log *logrus.Entry) *Processor {
	return &Processor{
		stats:   st,
		eds:     edsMap,
		log:     log,
		ingress: ingress,
		egress:  make(chan frame.Processed, egressCapacity),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Egress is the queue a presentation layer reads decoded events from.
func (p *Processor) Egress() <-chan frame.Processed { return p.egress }

// Run drains the ingress queue until Stop is called or the queue is closed.
func (p *Processor) Run() {
	defer close(p.stopped)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case raw, ok := <-p.ingress:
			if !ok {
				return
			}
			p.process(raw)
		case <-ticker.C:
		}
	}
}

// Stop signals the run loop to exit and blocks until it has.
func (p *Processor) Stop() {
	close(p.stop)
	<-p.stopped
}

// process classifies and decodes a single raw frame, updating statistics
// and emitting zero or more processed events.
func (p *Processor) process(raw frame.Raw) {
	if raw.Direction == frame.TX {
		return
	}

	class := frame.Classify(raw.COBID)
	p.stats.CountTalker(raw.COBID)

	nodeID := uint8(raw.COBID & 0x7F)
	if nodeID >= 1 && nodeID <= 127 {
		p.stats.AddNode(nodeID, raw.Timestamp)
	}
	p.stats.IncrementFrame(class)
	if raw.Error {
		p.stats.RecordError(raw.Timestamp, hexString(raw.Payload))
	}

	var events []frame.Processed
	switch class {
	case frame.ClassSDOReq:
		events = p.decodeSDOReq(raw)
	case frame.ClassSDORes:
		events = p.decodeSDORes(raw)
	case frame.ClassPDO:
		events = p.decodePDO(raw)
	case frame.ClassTIME:
		events = []frame.Processed{p.decodeTIME(raw)}
	case frame.ClassEMCY:
		events = []frame.Processed{p.decodeEMCY(raw)}
	case frame.ClassHeartbeat:
		events = []frame.Processed{p.decodeHeartbeat(raw)}
	default:
		events = []frame.Processed{p.passthrough(raw, class)}
	}

	for _, ev := range events {
		p.emit(ev, class)
	}
}

// passthrough renders NMT, SYNC and UNKNOWN frames, none of which carry an
// OD reference to decode.
func (p *Processor) passthrough(raw frame.Raw, class frame.Class) frame.Processed {
	return frame.Processed{
		Time:    formatTime(raw.Timestamp),
		COBID:   raw.COBID,
		Class:   class,
		Raw:     hexString(raw.Payload),
		Decoded: "",
	}
}

// emit applies the drop policy for unresolvable OD addresses before
// pushing ev onto the egress queue: SDO events with index == 0 are noise
// from malformed frames (index/sub are parsed straight out of the
// payload, so all-zero means garbage) and are dropped with a log line
// instead of surfacing to the presentation layer. PDO events are exempt:
// a PDO's index always comes from its EDS mapping entry, except for the
// deliberate "no reference in EDS" placeholder decodePDO emits for an
// unmapped COB-ID, which must reach the presentation layer rather than be
// silently dropped.
func (p *Processor) emit(ev frame.Processed, class frame.Class) {
	if (class == frame.ClassSDOReq || class == frame.ClassSDORes) && ev.Index == 0 {
		p.log.Errorf("dropping %s event with unresolved index 0 (cob=0x%03X)", class, ev.COBID)
		return
	}
	select {
	case p.egress <- ev:
	default:
		select {
		case <-p.egress:
		default:
		}
		select {
		case p.egress <- ev:
		default:
		}
	}
}

func formatTime(ts float64) string {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC().Format("15:04:05.000")
}

func hexString(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	out := make([]byte, 0, len(data)*3-1)
	for i, b := range data {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, fmt.Sprintf("%02X", b)...)
	}
	return string(out)
}

func leUint(b []byte) uint64 {
	var v uint64
	for i, bb := range b {
		v |= uint64(bb) << (8 * i)
	}
	return v
}
