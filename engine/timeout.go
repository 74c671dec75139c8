package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const timeoutChannelSize = 100

// RoundStep is the engine's position inside one consensus round.
type RoundStep uint8

const (
	RoundStepNewHeight RoundStep = iota + 1
	RoundStepNewRound
	RoundStepPropose
	RoundStepPrevote
	RoundStepPrevoteWait
	RoundStepPrecommit
	RoundStepPrecommitWait
	RoundStepCommit
)

// String returns the step name.
func (s RoundStep) String() string {
	switch s {
	case RoundStepNewHeight:
		return "NewHeight"
	case RoundStepNewRound:
		return "NewRound"
	case RoundStepPropose:
		return "Propose"
	case RoundStepPrevote:
		return "Prevote"
	case RoundStepPrevoteWait:
		return "PrevoteWait"
	case RoundStepPrecommit:
		return "Precommit"
	case RoundStepPrecommitWait:
		return "PrecommitWait"
	case RoundStepCommit:
		return "Commit"
	default:
		return "Unknown"
	}
}

// TimeoutInfo is a scheduled deadline for a (height, round, step). Timer
// fires are delivered into the engine's single event loop, so a timeout is
// just another inbound event with auditable ordering.
type TimeoutInfo struct {
	Duration time.Duration
	Height   uint64
	Round    uint32
	Step     RoundStep
}

// TimeoutConfig holds the per-step base deadlines and the per-round
// escalation deltas. Deadlines grow linearly with the round number, which
// guarantees that under eventual synchrony some round completes.
type TimeoutConfig struct {
	Propose        time.Duration
	ProposeDelta   time.Duration
	Prevote        time.Duration
	PrevoteDelta   time.Duration
	Precommit      time.Duration
	PrecommitDelta time.Duration
	Commit         time.Duration
}

// DefaultTimeoutConfig returns production defaults.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Propose:        3000 * time.Millisecond,
		ProposeDelta:   500 * time.Millisecond,
		Prevote:        1000 * time.Millisecond,
		PrevoteDelta:   500 * time.Millisecond,
		Precommit:      1000 * time.Millisecond,
		PrecommitDelta: 500 * time.Millisecond,
		Commit:         1000 * time.Millisecond,
	}
}

// TimeoutTicker schedules at most one pending timeout; scheduling a new one
// cancels the previous, which is exactly the "entering a new round cancels
// the old round's wait" rule.
type TimeoutTicker struct {
	mu     sync.Mutex
	config TimeoutConfig

	timer   *time.Timer
	tickCh  chan TimeoutInfo
	tockCh  chan TimeoutInfo
	stopCh  chan struct{}
	running bool

	droppedTimeouts uint64

	log *logrus.Entry
}

// NewTimeoutTicker creates a ticker with the given config.
func NewTimeoutTicker(config TimeoutConfig, logger *logrus.Logger) *TimeoutTicker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TimeoutTicker{
		config: config,
		tickCh: make(chan TimeoutInfo, timeoutChannelSize),
		tockCh: make(chan TimeoutInfo, timeoutChannelSize),
		stopCh: make(chan struct{}),
		log:    logger.WithField("module", "consensus"),
	}
}

// Start starts the ticker goroutine.
func (tt *TimeoutTicker) Start() {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.running {
		return
	}
	tt.running = true
	go tt.run()
}

// Stop stops the ticker.
func (tt *TimeoutTicker) Stop() {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if !tt.running {
		return
	}
	tt.running = false
	close(tt.stopCh)
	if tt.timer != nil {
		tt.timer.Stop()
	}
}

// Chan delivers fired timeouts.
func (tt *TimeoutTicker) Chan() <-chan TimeoutInfo {
	return tt.tockCh
}

// ScheduleTimeout replaces any pending timeout with ti.
func (tt *TimeoutTicker) ScheduleTimeout(ti TimeoutInfo) {
	tt.tickCh <- ti
}

func (tt *TimeoutTicker) run() {
	for {
		select {
		case <-tt.stopCh:
			return

		case ti := <-tt.tickCh:
			tt.mu.Lock()
			if tt.timer != nil {
				tt.timer.Stop()
			}
			ti.Duration = tt.durationFor(ti)
			tiCopy := ti
			tt.timer = time.AfterFunc(ti.Duration, func() {
				select {
				case tt.tockCh <- tiCopy:
				case <-tt.stopCh:
				default:
					count := atomic.AddUint64(&tt.droppedTimeouts, 1)
					tt.log.WithFields(logrus.Fields{
						"height":  tiCopy.Height,
						"round":   tiCopy.Round,
						"step":    tiCopy.Step.String(),
						"dropped": count,
					}).Warn("dropped timeout: channel full")
				}
			})
			tt.mu.Unlock()
		}
	}
}

func (tt *TimeoutTicker) durationFor(ti TimeoutInfo) time.Duration {
	round := time.Duration(ti.Round)
	switch ti.Step {
	case RoundStepPropose:
		return tt.config.Propose + round*tt.config.ProposeDelta
	case RoundStepPrevoteWait:
		return tt.config.Prevote + round*tt.config.PrevoteDelta
	case RoundStepPrecommitWait:
		return tt.config.Precommit + round*tt.config.PrecommitDelta
	case RoundStepCommit:
		return tt.config.Commit
	default:
		return time.Second
	}
}

// DroppedTimeouts returns the number of timeouts dropped on a full channel.
func (tt *TimeoutTicker) DroppedTimeouts() uint64 {
	return atomic.LoadUint64(&tt.droppedTimeouts)
}
