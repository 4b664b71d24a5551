package sniffer

import (
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota2/canopen-analyzer/internal/canbus"
	"github.com/iota2/canopen-analyzer/pkg/frame"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return logrus.NewEntry(log)
}

func newTestSniffer(t *testing.T) (*Sniffer, *canbus.MemoryBus) {
	t.Helper()
	bus, err := canbus.NewMemoryBus("test")
	require.NoError(t, err)
	mem := bus.(*canbus.MemoryBus)
	s := New(bus, 16, 16, testLogger())
	go s.Run()
	t.Cleanup(s.Stop)
	return s, mem
}

func TestReceivesInjectedFrame(t *testing.T) {
	s, mem := newTestSniffer(t)
	mem.Inject(canbus.Frame{ID: 0x080, Data: nil})

	select {
	case raw := <-s.Ingress():
		assert.Equal(t, frame.RX, raw.Direction)
		assert.EqualValues(t, 0x080, raw.COBID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ingress frame")
	}
}

func TestSDODownloadEncoding(t *testing.T) {
	s, mem := newTestSniffer(t)
	s.Requests() <- Request{Kind: SDODownload, Node: 2, Index: 0x6000, Sub: 0, Value: 42, Size: 1}

	require.Eventually(t, func() bool { return len(mem.Sent()) == 1 }, time.Second, 10*time.Millisecond)
	sent := mem.Sent()[0]
	assert.EqualValues(t, 0x602, sent.ID)
	assert.Equal(t, []byte{0x2F, 0x00, 0x60, 0x00, 0x2A, 0x00, 0x00, 0x00}, sent.Data)
}

func TestSDOUploadEncoding(t *testing.T) {
	s, mem := newTestSniffer(t)
	s.Requests() <- Request{Kind: SDOUpload, Node: 2, Index: 0x6000, Sub: 0}

	require.Eventually(t, func() bool { return len(mem.Sent()) == 1 }, time.Second, 10*time.Millisecond)
	sent := mem.Sent()[0]
	assert.EqualValues(t, 0x602, sent.ID)
	assert.Equal(t, []byte{0x40, 0x00, 0x60, 0x00, 0x00, 0x00, 0x00, 0x00}, sent.Data)
}

func TestInvalidRequestIsRejectedNotCrashed(t *testing.T) {
	s, mem := newTestSniffer(t)
	s.Requests() <- Request{Kind: SDODownload, Node: 200, Index: 0x6000, Size: 1}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, mem.Sent())

	// the loop must still be alive for subsequent valid requests
	s.Requests() <- Request{Kind: SDOUpload, Node: 2, Index: 0x6000}
	require.Eventually(t, func() bool { return len(mem.Sent()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestTransmittedFrameIsMirroredAsTX(t *testing.T) {
	s, _ := newTestSniffer(t)
	s.Requests() <- Request{Kind: PDO, CobID: 0x181, Data: []byte{1, 2, 3}}

	deadline := time.After(time.Second)
	for {
		select {
		case raw := <-s.Ingress():
			if raw.Direction == frame.TX {
				assert.EqualValues(t, 0x181, raw.COBID)
				return
			}
		case <-deadline:
			t.Fatal("never observed a TX-direction mirrored frame")
		}
	}
}
