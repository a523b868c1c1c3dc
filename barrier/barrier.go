// Package barrier implements the frame lock: the render goroutine blocks in
// Wait until every expected node acknowledged the armed frame, or the
// deadline passes.
//
// Acknowledgments may arrive on any goroutine and before the frame is armed;
// those for a frame ahead of the last armed one are held back and applied
// when that frame is armed.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

const (
	// early acknowledgments are kept for at most this many frames ahead
	defaultMaxPendingFrames uint64 = 16
)

var (
	ErrNotArmed     = errors.New("barrier not armed")
	ErrAlreadyArmed = errors.New("barrier already armed")
	ErrStaleFrame   = errors.New("frame older than last armed frame")
	ErrInvalidArm   = errors.New("invalid arm parameters")
)

type Mode uint8

const (
	ModeInvalid Mode = 0
	ModeSoft    Mode = 1
	ModeFirm    Mode = 2
)

func (md Mode) String() string {
	switch md {
	case ModeInvalid:
		return "Invalid Mode"
	case ModeSoft:
		return "Soft"
	case ModeFirm:
		return "Firm"
	default:
		return "Unknown Mode"
	}
}

type State uint8

const (
	StateIdle     State = 0
	StateArmed    State = 1
	StateReleased State = 2
	StateTimedOut State = 3
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateArmed:
		return "Armed"
	case StateReleased:
		return "Released"
	case StateTimedOut:
		return "Timed Out"
	default:
		return "Unknown State"
	}
}

type Outcome uint8

const (
	OutcomeInvalid   Outcome = 0
	OutcomeReleased  Outcome = 1
	OutcomeTimedOut  Outcome = 2
	OutcomeCancelled Outcome = 3
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInvalid:
		return "Invalid Outcome"
	case OutcomeReleased:
		return "Released"
	case OutcomeTimedOut:
		return "Timed Out"
	case OutcomeCancelled:
		return "Cancelled"
	default:
		return "Unknown Outcome"
	}
}

type Result struct {
	FrameNumber uint64
	Outcome     Outcome
	Missing     []int // expected nodes without acknowledgment at timeout
	Evicted     []int // nodes dropped from all future frames, firm mode only
	Elapsed     time.Duration
}

type barrierState struct {
	frameNumber uint64
	acked       map[int]struct{}
	expected    map[int]struct{}
	mode        Mode
	armedAt     time.Time
	deadline    time.Time
	releasech   chan struct{}
	released    bool
}

// invoked with Barrier mutex held
func (bs *barrierState) checkRelease() bool {
	if bs.released {
		return true
	}
	if len(bs.acked) != len(bs.expected) {
		return false
	}
	bs.released = true
	close(bs.releasech)
	return true
}

type Options struct {
	MaxPendingFrames uint64

	LogPrefix string
	LogDebug  bool
}

type Barrier struct {
	options *Options

	mutex     sync.Mutex
	state     State
	current   *barrierState
	lastArmed uint64
	evicted   map[int]struct{}
	pending   map[uint64]map[int]struct{} // frameNumber -> early acknowledgments
}

func NewBarrier(options *Options) *Barrier {
	if options.MaxPendingFrames == 0 {
		options.MaxPendingFrames = defaultMaxPendingFrames
	}

	return &Barrier{
		options:   options,
		state:     StateIdle,
		current:   nil,
		lastArmed: 0,
		evicted:   make(map[int]struct{}),
		pending:   make(map[uint64]map[int]struct{}),
	}
}

func sortedKeys(set map[int]struct{}) []int {
	keys := make([]int, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Arm starts the cycle for frameNumber. Evicted nodes are left out of expected.
// An empty expected set releases immediately.
func (b *Barrier) Arm(frameNumber uint64, expected []int, mode Mode, timeout time.Duration) error {
	if mode != ModeSoft && mode != ModeFirm {
		return fmt.Errorf("%w: mode=%s", ErrInvalidArm, mode)
	}
	if timeout <= 0 {
		return fmt.Errorf("%w: timeout=%v", ErrInvalidArm, timeout)
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.state == StateArmed {
		return fmt.Errorf("%w: frame=%d, requested=%d", ErrAlreadyArmed, b.current.frameNumber, frameNumber)
	}
	if frameNumber < b.lastArmed {
		return fmt.Errorf("%w: frame=%d, lastArmed=%d", ErrStaleFrame, frameNumber, b.lastArmed)
	}

	now := time.Now()
	bs := &barrierState{
		frameNumber: frameNumber,
		acked:       make(map[int]struct{}),
		expected:    make(map[int]struct{}),
		mode:        mode,
		armedAt:     now,
		deadline:    now.Add(timeout),
		releasech:   make(chan struct{}),
		released:    false,
	}

	for _, nodeIndex := range expected {
		_, gone := b.evicted[nodeIndex]
		if gone {
			continue
		}
		bs.expected[nodeIndex] = struct{}{}
	}

	early := b.pending[frameNumber]
	for nodeIndex := range early {
		_, found := bs.expected[nodeIndex]
		if found {
			bs.acked[nodeIndex] = struct{}{}
		}
	}
	for f := range b.pending {
		if f <= frameNumber {
			delete(b.pending, f)
		}
	}

	b.current = bs
	b.lastArmed = frameNumber
	b.state = StateArmed
	bs.checkRelease()

	if b.options.LogDebug {
		log.Printf(
			"%s: frame=%d armed, mode=%s, expected=%v, acked=%v, timeout=%v",
			b.options.LogPrefix,
			frameNumber,
			mode,
			sortedKeys(bs.expected),
			sortedKeys(bs.acked),
			timeout,
		)
	}

	return nil
}

// Acknowledge records that nodeIndex reached frameNumber. It reports whether
// the acknowledgment counted toward the armed frame; stale ones are ignored.
// invoked on any goroutine
func (b *Barrier) Acknowledge(nodeIndex int, frameNumber uint64) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	bs := b.current
	if bs != nil && b.state == StateArmed && frameNumber == bs.frameNumber {
		_, found := bs.expected[nodeIndex]
		if !found {
			if b.options.LogDebug {
				log.Printf("%s: frame=%d, ack from unexpected node%d ignored", b.options.LogPrefix, frameNumber, nodeIndex)
			}
			return false
		}

		bs.acked[nodeIndex] = struct{}{}
		bs.checkRelease()
		return true
	}

	if frameNumber > b.lastArmed && frameNumber-b.lastArmed <= b.options.MaxPendingFrames {
		early, found := b.pending[frameNumber]
		if !found {
			early = make(map[int]struct{})
			b.pending[frameNumber] = early
		}
		early[nodeIndex] = struct{}{}
		return false
	}

	if b.options.LogDebug {
		log.Printf("%s: stale ack from node%d for frame=%d, lastArmed=%d, state=%s", b.options.LogPrefix, nodeIndex, frameNumber, b.lastArmed, b.state)
	}
	return false
}

// Evict drops nodeIndex from the armed frame and from every future frame.
// invoked on any goroutine
func (b *Barrier) Evict(nodeIndex int) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.evicted[nodeIndex] = struct{}{}

	bs := b.current
	if bs == nil || b.state != StateArmed {
		return
	}

	delete(bs.expected, nodeIndex)
	delete(bs.acked, nodeIndex)
	bs.checkRelease()
}

// Admit lets an evicted node take part again from the next armed frame.
// invoked on any goroutine
func (b *Barrier) Admit(nodeIndex int) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	delete(b.evicted, nodeIndex)
}

func (b *Barrier) IsEvicted(nodeIndex int) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	_, found := b.evicted[nodeIndex]
	return found
}

func (b *Barrier) State() State {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.state
}

// Rebase forgets early acknowledgments and lets the next Arm start from
// lastArmed, used when the frame sequence restarts after a reconnect.
func (b *Barrier) Rebase(lastArmed uint64) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	clear(b.pending)
	b.lastArmed = lastArmed
}

// Reset returns a released or timed out barrier to Idle.
func (b *Barrier) Reset() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.state != StateArmed {
		b.state = StateIdle
	}
}

// Wait blocks until the armed frame is released, its deadline passes or ctx
// is done. In firm mode nodes missing at the deadline are evicted.
// invoked on render goroutine
func (b *Barrier) Wait(ctx context.Context) (*Result, error) {
	var bs *barrierState

	func() {
		b.mutex.Lock()
		defer b.mutex.Unlock()

		if b.state == StateArmed {
			bs = b.current
		}
	}()
	if bs == nil {
		return nil, ErrNotArmed
	}

	timer := time.NewTimer(time.Until(bs.deadline))
	defer timer.Stop()

	select {
	case <-bs.releasech:
		return b.finish(bs, false), nil
	case <-timer.C:
		return b.finish(bs, true), nil
	case <-ctx.Done():
		b.mutex.Lock()
		defer b.mutex.Unlock()

		if b.current == bs && b.state == StateArmed {
			b.state = StateIdle
		}
		return &Result{
			FrameNumber: bs.frameNumber,
			Outcome:     OutcomeCancelled,
			Elapsed:     time.Since(bs.armedAt),
		}, ctx.Err()
	}
}

func (b *Barrier) finish(bs *barrierState, deadlinePassed bool) *Result {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	result := &Result{
		FrameNumber: bs.frameNumber,
		Elapsed:     time.Since(bs.armedAt),
	}

	// the last ack may have raced the timer
	if !deadlinePassed || bs.released {
		result.Outcome = OutcomeReleased
		if b.current == bs {
			b.state = StateReleased
		}
		return result
	}

	result.Outcome = OutcomeTimedOut
	for nodeIndex := range bs.expected {
		_, found := bs.acked[nodeIndex]
		if !found {
			result.Missing = append(result.Missing, nodeIndex)
		}
	}
	slices.Sort(result.Missing)

	if bs.mode == ModeFirm {
		for _, nodeIndex := range result.Missing {
			b.evicted[nodeIndex] = struct{}{}
		}
		result.Evicted = result.Missing

		log.Printf(
			"%s: frame=%d firm barrier timed out after %v, evicting nodes %v",
			b.options.LogPrefix,
			bs.frameNumber,
			result.Elapsed,
			result.Missing,
		)
	} else {
		log.Printf(
			"%s: frame=%d soft barrier timed out after %v, proceeding without nodes %v",
			b.options.LogPrefix,
			bs.frameNumber,
			result.Elapsed,
			result.Missing,
		)
	}

	if b.current == bs {
		b.state = StateTimedOut
	}
	return result
}
