// internal/fetcher/backoff.go
package fetcher

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// ratioDecay is the weight of history in the rolling success ratio.
const ratioDecay = 0.9

// penaltyPerRateLimit is the extra delay added when a rate-limit signature
// is seen. It decays by one second per subsequent call.
const penaltyPerRateLimit = 8 * time.Second

// sourceState tracks the per-source rolling success ratio and penalty.
// The ratio is stored as float64 bits so readers never need a lock.
type sourceState struct {
	ratioBits      atomic.Uint64 // math.Float64bits of the rolling ratio
	penaltySeconds atomic.Int64
}

func newSourceState() *sourceState {
	s := &sourceState{}
	s.ratioBits.Store(math.Float64bits(1.0))
	return s
}

func (s *sourceState) ratio() float64 {
	return math.Float64frombits(s.ratioBits.Load())
}

func (s *sourceState) observe(success bool) {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	for {
		old := s.ratioBits.Load()
		next := math.Float64bits(ratioDecay*math.Float64frombits(old) + (1-ratioDecay)*outcome)
		if s.ratioBits.CompareAndSwap(old, next) {
			return
		}
	}
}

// BackoffController computes per-source inter-request delays. The base
// delay is drawn uniformly from [minDelay, maxDelay] and stretched as the
// rolling success ratio of the source degrades. Rate-limit signatures add
// a flat penalty that drains one second per call.
type BackoffController struct {
	minDelay time.Duration
	maxDelay time.Duration
	sources  map[string]*sourceState
	mu       sync.Mutex
	rng      *rand.Rand
	rngMu    sync.Mutex
}

// NewBackoffController builds a controller with the configured delay range.
func NewBackoffController(minDelay, maxDelay time.Duration, seed int64) *BackoffController {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &BackoffController{
		minDelay: minDelay,
		maxDelay: maxDelay,
		sources:  make(map[string]*sourceState),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func (b *BackoffController) state(source string) *sourceState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sources[source]
	if !ok {
		s = newSourceState()
		b.sources[source] = s
	}
	return s
}

// Delay returns how long to wait before the next request to source.
func (b *BackoffController) Delay(source string) time.Duration {
	s := b.state(source)

	b.rngMu.Lock()
	base := b.minDelay
	if span := b.maxDelay - b.minDelay; span > 0 {
		base += time.Duration(b.rng.Int63n(int64(span)))
	}
	b.rngMu.Unlock()

	multiplier := 1.0
	switch ratio := s.ratio(); {
	case ratio < 0.3:
		multiplier = 2.0
	case ratio < 0.6:
		multiplier = 1.5
	case ratio < 0.8:
		multiplier = 1.2
	}

	delay := time.Duration(float64(base) * multiplier)

	// Drain one second of penalty per call.
	if pending := s.penaltySeconds.Load(); pending > 0 {
		delay += time.Duration(pending) * time.Second
		s.penaltySeconds.Add(-1)
	}

	return delay
}

// ReportOutcome feeds one request outcome into the rolling ratio.
func (b *BackoffController) ReportOutcome(source string, success bool) {
	b.state(source).observe(success)
}

// ReportRateLimit registers a rate-limit signature for the source.
func (b *BackoffController) ReportRateLimit(source string) {
	b.state(source).penaltySeconds.Add(int64(penaltyPerRateLimit / time.Second))
}

// SuccessRatio exposes the rolling ratio, mainly for tests and stats.
func (b *BackoffController) SuccessRatio(source string) float64 {
	return b.state(source).ratio()
}
