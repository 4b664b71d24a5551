package processor

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/iota2/canopen-analyzer/pkg/frame"
)

// decodeEMCY decodes an emergency frame: a 16-bit error code, an 8-bit
// error register and up to 5 manufacturer-specific bytes.
func (p *Processor) decodeEMCY(raw frame.Raw) frame.Processed {
	ev := frame.Processed{
		Time:  formatTime(raw.Timestamp),
		COBID: raw.COBID,
		Class: frame.ClassEMCY,
		Raw:   hexString(raw.Payload),
	}
	if len(raw.Payload) < 3 {
		ev.Decoded = "Decode error (short EMCY payload)"
		return ev
	}

	errorCode := binary.LittleEndian.Uint16(raw.Payload[0:2])
	errorReg := raw.Payload[2]
	end := len(raw.Payload)
	if end > 8 {
		end = 8
	}
	var manuf []byte
	if end > 3 {
		manuf = raw.Payload[3:end]
	}

	ev.Decoded = fmt.Sprintf("[0x%04X], reg=0x%02X[%08b], manuf=%s",
		errorCode, errorReg, errorReg, asciiSafe(manuf))
	return ev
}

// asciiSafe replaces non-printable bytes with '.' and strips trailing dots,
// producing a best-effort human-readable rendering of manufacturer bytes.
func asciiSafe(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 32 && c <= 126 {
			out[i] = c
		} else {
			out[i] = '.'
		}
	}
	return strings.TrimRight(string(out), ".")
}
