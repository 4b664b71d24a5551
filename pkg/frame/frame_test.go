package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyBoundaries(t *testing.T) {
	cases := []struct {
		cob      uint16
		expected Class
	}{
		{0x000, ClassNMT},
		{0x001, ClassUnknown},
		{0x07F, ClassUnknown},
		{0x080, ClassSYNC},
		{0x081, ClassEMCY},
		{0x0FF, ClassEMCY},
		{0x100, ClassTIME},
		{0x17F, ClassTIME},
		{0x180, ClassPDO},
		{0x4FF, ClassPDO},
		{0x580, ClassSDORes},
		{0x5FF, ClassSDORes},
		{0x600, ClassSDOReq},
		{0x67F, ClassSDOReq},
		{0x700, ClassHeartbeat},
		{0x7FF, ClassHeartbeat},
	}
	for _, c := range cases {
		assert.Equal(t, c.expected, Classify(c.cob), "cob 0x%03X", c.cob)
	}
}

func TestClassifyIsTotalOverElevenBits(t *testing.T) {
	for cob := uint16(0); cob <= 0x7FF; cob++ {
		assert.NotEqual(t, Class(255), Classify(cob))
	}
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "SYNC", ClassSYNC.String())
	assert.Equal(t, "UNKNOWN", ClassUnknown.String())
}
