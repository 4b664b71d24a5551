// Package stats implements the statistics engine: the mutex-protected
// aggregate of frame counts, payload totals, SDO latencies, rolling rates
// and bus utilization that the processor feeds and the presentation layer
// reads back through GetSnapshot. It is grounded on the upstream network
// package's pattern of a single struct guarding its state behind one mutex
// with small, single-purpose methods (network.go's nodes map + sync.Mutex),
// generalized to the richer aggregate this analyzer tracks.
package stats

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iota2/canopen-analyzer/internal/window"
	"github.com/iota2/canopen-analyzer/pkg/frame"
)

// rateKeys are the classes the rate sampler tracks individually; TotalKey
// is tracked alongside them as a synthetic "total" bucket. Order is
// insignificant.
var rateKeys = []frame.Class{frame.ClassHeartbeat, frame.ClassEMCY, frame.ClassPDO, frame.ClassSDORes, frame.ClassSDOReq}

// payloadTrackedClasses are the classes increment_payload accepts: the three
// classes whose payload totals the snapshot reports, all pre-seeded by reset.
var payloadTrackedClasses = map[frame.Class]bool{
	frame.ClassPDO:    true,
	frame.ClassSDORes: true,
	frame.ClassSDOReq: true,
}

// TotalKey is the rate-tracking key the "total" bucket is stored under in
// ratesState's per-key maps. It deliberately sits outside the valid
// frame.Class range (0..NumClasses-1): frame.ClassUnknown is a genuine,
// frequently-reached classification on its own (see frame.Classify's
// UNKNOWN ranges), so reusing it as the total sentinel would double-count
// every UNKNOWN-classified frame into both buckets.
const TotalKey frame.Class = frame.Class(frame.NumClasses)

// Config parameterizes the engine's background sampler and utilization
// estimate.
type Config struct {
	Window              int           // rolling-history capacity per rate key
	SampleInterval      time.Duration // target interval between rate samples
	NodeInactiveTimeout time.Duration // a node is pruned after this much silence
	BitrateHz           int           // nominal bus bitrate, for utilization estimation
}

// DefaultConfig returns the engine defaults: a 1s sampler, a 5x-sampler
// inactivity timeout, and a 1 Mbit/s bus.
func DefaultConfig() Config {
	return Config{
		Window:              20,
		SampleInterval:      time.Second,
		NodeInactiveTimeout: 5 * time.Second,
		BitrateHz:           1_000_000,
	}
}

type sdoKey struct {
	index uint16
	sub   uint8
}

type sdoState struct {
	success      uint64
	abort        uint64
	requestTime  map[sdoKey]float64
	responseTime *window.Window[float64]
}

type ratesState struct {
	busUtilPercent  float64
	peakFPS         float64
	lastUpdateTime  float64
	lastFrameCounts map[frame.Class]uint64
	history         map[frame.Class]*window.Window[float32]
	latest          map[frame.Class]float64
	busState        string
}

type errorState struct {
	lastTime  float64
	lastFrame string
}

// Engine is the thread-safe statistics aggregate. All mutation happens
// through its methods; state is never exposed directly.
type Engine struct {
	cfg Config
	log *logrus.Entry

	mu           sync.Mutex
	startTime    float64
	nodes        map[uint8]bool
	nodeLastSeen map[uint8]float64
	topTalkers   map[uint16]uint64
	frameCount   map[frame.Class]uint64
	total        uint64
	payloadSize  map[frame.Class]uint64
	sdo          sdoState
	rates        ratesState
	err          errorState

	stop    chan struct{}
	stopped chan struct{}
}

// Snapshot is a point-in-time, lock-free copy of the engine's state,
// suitable for handing to a presentation layer.
type Snapshot struct {
	StartTime      float64
	Nodes          []uint8
	TopTalkers     map[uint16]uint64
	FrameCount     map[frame.Class]uint64
	Total          uint64
	PayloadSize    map[frame.Class]uint64
	SDOSuccess     uint64
	SDOAbort       uint64
	SDOLatencies   []float64
	BusUtilPercent float64
	PeakFPS        float64
	Latest         map[frame.Class]float64
	History        map[frame.Class][]float32
	BusState       string
	ErrorLastTime  float64
	ErrorLastFrame string
}

// New constructs an Engine and starts its background rate sampler.
func New(cfg Config, log *logrus.Entry) *Engine {
	e := &Engine{
		cfg:     cfg,
		log:     log,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	e.reset()
	go e.rateSampler()
	return e
}

func (e *Engine) reset() {
	e.startTime = 0
	e.err = errorState{}
	e.nodes = map[uint8]bool{}
	e.nodeLastSeen = map[uint8]float64{}
	e.topTalkers = map[uint16]uint64{}
	e.frameCount = map[frame.Class]uint64{}
	e.total = 0
	e.payloadSize = map[frame.Class]uint64{
		frame.ClassPDO:    0,
		frame.ClassSDORes: 0,
		frame.ClassSDOReq: 0,
	}
	e.sdo = sdoState{
		requestTime:  map[sdoKey]float64{},
		responseTime: window.New[float64](e.cfg.Window * 5),
	}
	history := map[frame.Class]*window.Window[float32]{TotalKey: window.New[float32](e.cfg.Window)}
	latest := map[frame.Class]float64{TotalKey: 0}
	lastCounts := map[frame.Class]uint64{TotalKey: 0}
	for _, k := range rateKeys {
		history[k] = window.New[float32](e.cfg.Window)
		latest[k] = 0
		lastCounts[k] = 0
	}
	e.rates = ratesState{
		peakFPS:         0,
		history:         history,
		latest:          latest,
		lastFrameCounts: lastCounts,
		busState:        "Idle",
	}
}

// SetStartTime records the capture session's start time, used to compute
// uptime in a snapshot.
func (e *Engine) SetStartTime(t float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startTime = t
	e.rates.lastUpdateTime = t
}

// IncrementFrame bumps the frame counter for class by one, plus the
// synthetic total bucket. The total is tracked in a dedicated field, not a
// frameCount map entry, so it cannot collide with (and double-count) a
// real class's own counter.
func (e *Engine) IncrementFrame(class frame.Class) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frameCount[class]++
	e.total++
}

// IncrementPayload adds n bytes to the running payload total for class. It
// is only valid for PDO, SDO_RES and SDO_REQ, the three keys reset
// pre-seeds in the payload table; any other class is a programmer
// error and returns an error instead of silently tracking an unbounded set
// of keys.
func (e *Engine) IncrementPayload(class frame.Class, n int) error {
	if !payloadTrackedClasses[class] {
		return fmt.Errorf("stats: class %s is not payload-tracked", class)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.payloadSize[class] += uint64(n)
	return nil
}

// AddNode records node as seen at time t, refreshing its last-seen time so
// the rate sampler won't prune it as inactive.
func (e *Engine) AddNode(nodeID uint8, t float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodes[nodeID] = true
	e.nodeLastSeen[nodeID] = t
}

// CountTalker bumps cobID's frame count in the top-talkers table. The table
// is intentionally unbounded across a session; see the open question on
// bounding it for very long runs.
func (e *Engine) CountTalker(cobID uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.topTalkers[cobID]++
}

// IncrementSDOSuccess/IncrementSDOAbort bump the SDO outcome counters.
func (e *Engine) IncrementSDOSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sdo.success++
}

func (e *Engine) IncrementSDOAbort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sdo.abort++
}

// UpdateSDORequestTime records the send time of an outstanding SDO request
// to (index, sub).
func (e *Engine) UpdateSDORequestTime(index uint16, sub uint8, t float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sdo.requestTime[sdoKey{index, sub}] = t
}

// UpdateSDOResponseTime pairs a response arriving at time t with the
// pending request recorded for (index, sub), pushes the resulting latency
// into the rolling history, and returns it. ok is false if no matching
// request is pending, in which case no latency is recorded.
func (e *Engine) UpdateSDOResponseTime(index uint16, sub uint8, t float64) (latency float64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := sdoKey{index, sub}
	reqTime, found := e.sdo.requestTime[key]
	if !found {
		return 0, false
	}
	delete(e.sdo.requestTime, key)
	latency = t - reqTime
	e.sdo.responseTime.Push(latency)
	return latency, true
}

// RecordError records the most recent error frame's arrival time and
// description under the engine's lock. The upstream processor wrote these
// fields directly on the shared struct from the processing goroutine,
// bypassing the mutex; this method is the proper replacement.
func (e *Engine) RecordError(t float64, desc string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err.lastTime = t
	e.err.lastFrame = desc
}

// GetFrameCount returns the running count for class.
func (e *Engine) GetFrameCount(class frame.Class) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frameCount[class]
}

// GetTotalFrames returns the running count across all classes.
func (e *Engine) GetTotalFrames() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// Reset zeroes every counter and rolling window, as if the engine had just
// been constructed, without restarting the sampler goroutine.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reset()
}

// GetSnapshot returns a deep copy of the engine's current state.
func (e *Engine) GetSnapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	nodes := make([]uint8, 0, len(e.nodes))
	for n := range e.nodes {
		nodes = append(nodes, n)
	}
	history := make(map[frame.Class][]float32, len(e.rates.history))
	for k, w := range e.rates.history {
		history[k] = w.Values()
	}
	latencies := make([]float64, 0, e.sdo.responseTime.Len())
	for _, v := range e.sdo.responseTime.Values() {
		latencies = append(latencies, v)
	}

	return Snapshot{
		StartTime:      e.startTime,
		Nodes:          nodes,
		TopTalkers:     copyU16U64Map(e.topTalkers),
		FrameCount:     copyClassU64Map(e.frameCount),
		Total:          e.total,
		PayloadSize:    copyClassU64Map(e.payloadSize),
		SDOSuccess:     e.sdo.success,
		SDOAbort:       e.sdo.abort,
		SDOLatencies:   latencies,
		BusUtilPercent: e.rates.busUtilPercent,
		PeakFPS:        e.rates.peakFPS,
		Latest:         copyClassF64Map(e.rates.latest),
		History:        history,
		BusState:       e.rates.busState,
		ErrorLastTime:  e.err.lastTime,
		ErrorLastFrame: e.err.lastFrame,
	}
}

// Stop terminates the background rate sampler and waits for it to exit.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.stopped
}

// rateSampler runs in its own goroutine for the engine's lifetime, sampling
// rates roughly once per cfg.SampleInterval.
func (e *Engine) rateSampler() {
	defer close(e.stopped)
	ticker := time.NewTicker(e.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case now := <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						e.log.Errorf("rate sampler panic: %v", r)
					}
				}()
				e.updateRates(float64(now.UnixNano()) / 1e9)
			}()
		}
	}
}

// updateRates recomputes per-class rates, peak fps, bus state and bus
// utilization. It is time-gated: a call before 0.9x the configured sample
// interval has elapsed is a no-op, guarding against a slow consumer or a
// burst of manual calls producing a noisy, too-frequent sample.
func (e *Engine) updateRates(now float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	elapsed := now - e.rates.lastUpdateTime
	interval := e.cfg.SampleInterval.Seconds()
	if elapsed <= 0 || elapsed < interval*0.9 {
		return
	}

	timeout := e.cfg.NodeInactiveTimeout.Seconds()
	for node, last := range e.nodeLastSeen {
		if now-last > timeout {
			delete(e.nodes, node)
			delete(e.nodeLastSeen, node)
		}
	}
	active := len(e.nodes) > 0
	if active {
		e.rates.busState = "Active"
	} else {
		e.rates.busState = "Idle"
	}

	keys := append([]frame.Class{TotalKey}, rateKeys...)
	var totalRate float64
	for _, k := range keys {
		var cur uint64
		if k == TotalKey {
			cur = e.total
		} else {
			cur = e.frameCount[k]
		}
		delta := cur - e.rates.lastFrameCounts[k]
		rate := float64(delta) / elapsed
		e.rates.history[k].Push(float32(rate))
		e.rates.latest[k] = rate
		e.rates.lastFrameCounts[k] = cur
		if k == TotalKey {
			totalRate = rate
		}
	}
	if totalRate > e.rates.peakFPS {
		e.rates.peakFPS = totalRate
	}

	totalCnt := e.total
	if totalCnt < 1 {
		totalCnt = 1
	}
	var payloadTotal uint64
	for k := range payloadTrackedClasses {
		payloadTotal += e.payloadSize[k]
	}
	avgPayloadBytes := float64(payloadTotal) / float64(totalCnt)
	avgFrameBits := float64(int64(avgPayloadBytes*8)) + 64
	if avgFrameBits < 64 {
		avgFrameBits = 64
	}

	if active && e.cfg.BitrateHz > 0 {
		e.rates.busUtilPercent = 100 * totalRate * avgFrameBits / float64(e.cfg.BitrateHz)
	} else {
		e.rates.busUtilPercent = 0
	}

	e.rates.lastUpdateTime = now
}

func copyU16U64Map(m map[uint16]uint64) map[uint16]uint64 {
	out := make(map[uint16]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyClassU64Map(m map[frame.Class]uint64) map[frame.Class]uint64 {
	out := make(map[frame.Class]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyClassF64Map(m map[frame.Class]float64) map[frame.Class]float64 {
	out := make(map[frame.Class]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
