package processor

import (
	"fmt"
	"strconv"

	"github.com/iota2/canopen-analyzer/pkg/frame"
)

// decodeSDOReq decodes an SDO request (client -> server) frame.
func (p *Processor) decodeSDOReq(raw frame.Raw) []frame.Processed {
	base := frame.Processed{
		Time:  formatTime(raw.Timestamp),
		COBID: raw.COBID,
		Class: frame.ClassSDOReq,
		Raw:   hexString(raw.Payload),
	}
	if len(raw.Payload) < 4 {
		base.Decoded = "Decode error (short SDO_REQ payload)"
		return []frame.Processed{base}
	}

	cs := raw.Payload[0]
	index := uint16(raw.Payload[1]) | uint16(raw.Payload[2])<<8
	sub := raw.Payload[3]
	base.Index = index
	base.Sub = sub
	base.Name = p.eds.Name(index, sub)

	p.stats.UpdateSDORequestTime(index, sub, raw.Timestamp)

	payloadLen := 0
	switch {
	case cs == 0x40:
		base.Decoded = "READ"
	case cs == 0x2F || cs == 0x2B || cs == 0x23:
		unused := (cs >> 2) & 0x03
		payloadLen = 4 - int(unused)
		if len(raw.Payload) < 4+payloadLen {
			base.Decoded = "Decode error (short SDO_REQ payload)"
			payloadLen = 0
		} else {
			base.Decoded = strconv.FormatUint(leUint(raw.Payload[4:4+payloadLen]), 10)
		}
	case cs == 0x80:
		base.Decoded = "ABORT"
	default:
		base.Decoded = ""
	}

	if err := p.stats.IncrementPayload(frame.ClassSDOReq, payloadLen); err != nil {
		p.log.Warnf("sdo req payload accounting: %v", err)
	}
	return []frame.Processed{base}
}

// decodeSDORes decodes an SDO response (server -> client) frame.
func (p *Processor) decodeSDORes(raw frame.Raw) []frame.Processed {
	base := frame.Processed{
		Time:  formatTime(raw.Timestamp),
		COBID: raw.COBID,
		Class: frame.ClassSDORes,
		Raw:   hexString(raw.Payload),
	}
	if len(raw.Payload) < 4 {
		base.Decoded = "Decode error (short SDO_RES payload)"
		return []frame.Processed{base}
	}

	cs := raw.Payload[0]
	index := uint16(raw.Payload[1]) | uint16(raw.Payload[2])<<8
	sub := raw.Payload[3]
	base.Index = index
	base.Sub = sub
	base.Name = p.eds.Name(index, sub)

	payloadLen := 0
	switch {
	case cs == 0x80 && len(raw.Payload) >= 8:
		p.stats.IncrementSDOAbort()
		abortCode := leUint(raw.Payload[4:8])
		base.Decoded = fmt.Sprintf("ABORT 0x%08X", uint32(abortCode))
	case (cs == 0x43 || cs == 0x4B || cs == 0x4F) && len(raw.Payload) == 8:
		p.stats.IncrementSDOSuccess()
		nUnused := (cs >> 2) & 0x03
		dataLen := 4 - int(nUnused)
		base.Decoded = strconv.FormatUint(leUint(raw.Payload[4:4+dataLen]), 10)
		payloadLen = dataLen
	case cs == 0x60:
		p.stats.IncrementSDOSuccess()
		base.Decoded = "OK"
	default:
		base.Decoded = ""
	}

	if err := p.stats.IncrementPayload(frame.ClassSDORes, payloadLen); err != nil {
		p.log.Warnf("sdo res payload accounting: %v", err)
	}
	p.stats.UpdateSDOResponseTime(index, sub, raw.Timestamp)
	return []frame.Processed{base}
}
