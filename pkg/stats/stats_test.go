package stats

import (
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota2/canopen-analyzer/pkg/frame"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	log := logrus.New()
	log.SetOutput(os.Stderr)
	cfg := DefaultConfig()
	cfg.SampleInterval = time.Hour // keep the background sampler from firing during tests
	e := New(cfg, logrus.NewEntry(log))
	t.Cleanup(e.Stop)
	return e
}

// P1: total always equals the sum of per-class frame counts, including
// ClassUnknown, which is itself a genuine classification (spec §4.4:
// 0x001-0x07F, 0x500-0x57F, 0x680-0x6FF all classify UNKNOWN) and must not
// be conflated with the synthetic total bucket.
func TestTotalEqualsSumOfFrameCounts(t *testing.T) {
	e := testEngine(t)
	e.IncrementFrame(frame.ClassPDO)
	e.IncrementFrame(frame.ClassPDO)
	e.IncrementFrame(frame.ClassHeartbeat)
	e.IncrementFrame(frame.ClassUnknown)

	snap := e.GetSnapshot()
	var sum uint64
	for _, n := range snap.FrameCount {
		sum += n
	}
	assert.Equal(t, snap.Total, sum)
	assert.Equal(t, uint64(4), snap.Total)
	assert.Equal(t, uint64(1), snap.FrameCount[frame.ClassUnknown])
	assert.Equal(t, uint64(4), e.GetTotalFrames())
}

func TestIncrementPayloadRejectsUntrackedClass(t *testing.T) {
	e := testEngine(t)
	err := e.IncrementPayload(frame.ClassHeartbeat, 8)
	assert.Error(t, err)

	require.NoError(t, e.IncrementPayload(frame.ClassPDO, 4))
	snap := e.GetSnapshot()
	assert.Equal(t, uint64(4), snap.PayloadSize[frame.ClassPDO])
}

// P3: a matched request/response pair appends exactly one non-negative
// latency sample; an unmatched response changes nothing.
func TestSDOResponseLatency(t *testing.T) {
	e := testEngine(t)
	e.UpdateSDORequestTime(0x6000, 0, 10.0)
	latency, ok := e.UpdateSDOResponseTime(0x6000, 0, 10.5)
	assert.True(t, ok)
	assert.InDelta(t, 0.5, latency, 1e-9)

	snap := e.GetSnapshot()
	require.Len(t, snap.SDOLatencies, 1)
	assert.GreaterOrEqual(t, snap.SDOLatencies[0], 0.0)

	_, ok = e.UpdateSDOResponseTime(0x7000, 0, 11.0)
	assert.False(t, ok)
	snap2 := e.GetSnapshot()
	assert.Len(t, snap2.SDOLatencies, 1)
}

// R2, engine side: a success bump leaves abort untouched. The full
// download/ack pair is exercised in the processor tests.
func TestSDOSuccessAbortCounters(t *testing.T) {
	e := testEngine(t)
	e.IncrementSDOSuccess()
	snap := e.GetSnapshot()
	assert.Equal(t, uint64(1), snap.SDOSuccess)
	assert.Equal(t, uint64(0), snap.SDOAbort)
}

// P4: bus_util_percent is 0 whenever there are no active nodes.
func TestBusUtilZeroWithNoNodes(t *testing.T) {
	e := testEngine(t)
	e.cfg.SampleInterval = time.Nanosecond
	e.updateRates(1.0)
	snap := e.GetSnapshot()
	assert.Equal(t, 0.0, snap.BusUtilPercent)
	assert.Equal(t, "Idle", snap.BusState)
}

// B3: a rate sample before 0.9x the interval has elapsed is a no-op.
func TestUpdateRatesIsTimeGated(t *testing.T) {
	e := testEngine(t)
	e.SetStartTime(0)
	e.IncrementFrame(frame.ClassHeartbeat)
	e.updateRates(0.1) // far short of the 1-hour configured interval
	snap := e.GetSnapshot()
	assert.Equal(t, 0.0, snap.Latest[frame.ClassHeartbeat])
}

// R1: reset zeroes everything and restores Idle state.
func TestReset(t *testing.T) {
	e := testEngine(t)
	e.IncrementFrame(frame.ClassPDO)
	e.AddNode(5, 1.0)
	e.Reset()

	snap := e.GetSnapshot()
	assert.Equal(t, uint64(0), snap.Total)
	assert.Equal(t, uint64(0), snap.FrameCount[frame.ClassPDO])
	assert.Empty(t, snap.Nodes)
	assert.Equal(t, "Idle", snap.BusState)
}

// P5: two consecutive snapshots with no intervening mutation are equal.
func TestConsecutiveSnapshotsStable(t *testing.T) {
	e := testEngine(t)
	e.IncrementFrame(frame.ClassSYNC)
	a := e.GetSnapshot()
	b := e.GetSnapshot()
	assert.Equal(t, a, b)
}

func TestRecordError(t *testing.T) {
	e := testEngine(t)
	e.RecordError(12.5, "DEADBEEF")
	snap := e.GetSnapshot()
	assert.Equal(t, 12.5, snap.ErrorLastTime)
	assert.Equal(t, "DEADBEEF", snap.ErrorLastFrame)
}

func TestNodeInactivityPruning(t *testing.T) {
	e := testEngine(t)
	e.cfg.NodeInactiveTimeout = time.Second
	e.cfg.SampleInterval = time.Nanosecond
	e.AddNode(3, 0)
	e.updateRates(10) // 10s later, well past the 1s timeout

	snap := e.GetSnapshot()
	assert.NotContains(t, snap.Nodes, uint8(3))
}
