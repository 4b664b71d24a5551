package processor

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"

	"github.com/iota2/canopen-analyzer/pkg/frame"
)

// decodePDO decodes a process data object against the mapping table for
// its COB-ID, emitting one event per mapped entry. An unmapped COB-ID
// produces a single placeholder event.
func (p *Processor) decodePDO(raw frame.Raw) []frame.Processed {
	if err := p.stats.IncrementPayload(frame.ClassPDO, len(raw.Payload)); err != nil {
		p.log.Warnf("pdo payload accounting: %v", err)
	}

	entries, ok := p.eds.PDOMap[raw.COBID]
	if !ok {
		return []frame.Processed{{
			Time:    formatTime(raw.Timestamp),
			COBID:   raw.COBID,
			Class:   frame.ClassPDO,
			Name:    "",
			Raw:     hexString(raw.Payload),
			Decoded: "No reference in EDS",
		}}
	}

	var out []frame.Processed
	offset := 0
	for _, e := range entries {
		sizeBytes := int(e.SizeBits / 8)
		if sizeBytes < 1 {
			sizeBytes = 1
		}
		end := offset + sizeBytes
		if end > len(raw.Payload) {
			break
		}
		chunk := raw.Payload[offset:end]

		var decoded string
		if sizeBytes == 4 {
			bits := binary.LittleEndian.Uint32(chunk)
			decoded = formatFloat32(math.Float32frombits(bits))
		} else {
			decoded = strconv.FormatUint(leUint(chunk), 10)
		}

		out = append(out, frame.Processed{
			Time:    formatTime(raw.Timestamp),
			COBID:   raw.COBID,
			Class:   frame.ClassPDO,
			Index:   e.Index,
			Sub:     e.Sub,
			Name:    p.eds.Name(e.Index, e.Sub),
			Raw:     hexString(chunk),
			Decoded: decoded,
		})
		offset = end
	}
	return out
}

// formatFloat32 renders f the way a dynamically-typed source would stringify
// a float: always with a decimal point, even for whole numbers.
func formatFloat32(f float32) string {
	s := strconv.FormatFloat(float64(f), 'f', -1, 32)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
