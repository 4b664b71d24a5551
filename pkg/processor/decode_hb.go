package processor

import (
	"fmt"

	"github.com/iota2/canopen-analyzer/pkg/frame"
)

var heartbeatStates = map[byte]string{
	0x00: "Bootup",
	0x04: "Stopped",
	0x05: "Operational",
	0x7F: "Pre-operational",
}

// decodeHeartbeat decodes a node guarding / heartbeat frame.
func (p *Processor) decodeHeartbeat(raw frame.Raw) frame.Processed {
	ev := frame.Processed{
		Time:  formatTime(raw.Timestamp),
		COBID: raw.COBID,
		Class: frame.ClassHeartbeat,
		Name:  "HB",
	}
	if len(raw.Payload) < 1 {
		ev.Decoded = "Decode error (short HEARTBEAT payload)"
		return ev
	}

	state := raw.Payload[0]
	label, ok := heartbeatStates[state]
	if !ok {
		label = "Unknown"
	}
	ev.Raw = hexString(raw.Payload)
	ev.Decoded = fmt.Sprintf("Node=%d, state=0x%02X [%s]", raw.COBID&0x7F, state, label)
	return ev
}
