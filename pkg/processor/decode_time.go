package processor

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/iota2/canopen-analyzer/pkg/frame"
)

var epoch1984 = time.Date(1984, time.January, 1, 0, 0, 0, 0, time.UTC)

// decodeTIME decodes a CiA-301 TIME_OF_DAY frame: milliseconds since
// midnight plus days since 1984-01-01.
func (p *Processor) decodeTIME(raw frame.Raw) frame.Processed {
	ev := frame.Processed{
		Time:  formatTime(raw.Timestamp),
		COBID: raw.COBID,
		Class: frame.ClassTIME,
		Raw:   hexString(raw.Payload),
	}
	if len(raw.Payload) < 6 {
		ev.Decoded = "Decode error (short TIME payload)"
		return ev
	}

	msAfterMidnight := binary.LittleEndian.Uint32(raw.Payload[0:4])
	days := binary.LittleEndian.Uint16(raw.Payload[4:6])

	tod := msAfterMidnight % 86_400_000
	hh := tod / 3_600_000
	mm := (tod / 60_000) % 60
	ss := (tod / 1_000) % 60
	ms := tod % 1_000

	date := epoch1984.AddDate(0, 0, int(days))
	year := date.Year()
	suffix := ""
	if year < 1990 || year > time.Now().Year()+1 {
		suffix = " (likely-invalid)"
	}

	ev.Decoded = fmt.Sprintf("[%s %02d:%02d:%02d.%03d]%s, Days=%d",
		date.Format("2006-01-02"), hh, mm, ss, ms, suffix, days)
	return ev
}
