// Package schedule generates the TagTime ping schedule.
//
// Pings form a Poisson process: gaps between consecutive pings are drawn from
// an exponential distribution with a configured mean. The draws come from a
// multiplicative linear congruential generator (ran0 from Numerical Recipes),
// so every client seeded identically produces the same pings. The generator
// cannot be seeked, so locating the ping before an arbitrary time means
// replaying the sequence from Epoch.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Generator constants (see p37 of Simulation by Ross).
const (
	IA int64 = 16807
	IM int64 = 2147483647 // 2^31-1
)

// Epoch is the first ping of every schedule: the birth of timepie/tagtime.
const Epoch int64 = 1184083200

// Defaults used by the reference clients.
const (
	DefaultSeed int64 = 666
	DefaultGap        = 45 * time.Minute
)

// Errors
var (
	ErrInvalidSeed     = errors.New("schedule: seed must be in (0, IM)")
	ErrInvalidGap      = errors.New("schedule: gap must be positive")
	ErrStateCorruption = errors.New("schedule: generator state corrupted")
)

// StateCorruptionError reports a seed that left the valid range.
// It only occurs when the generator state was damaged from outside.
type StateCorruptionError struct {
	Seed int64
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("schedule: generator state corrupted (seed %d outside (0, %d))", e.Seed, IM)
}

func (e *StateCorruptionError) Unwrap() error {
	return ErrStateCorruption
}

// State is a snapshot of the generator.
type State struct {
	Seed int64
}

// Valid reports whether the state could have been produced by the generator.
func (s State) Valid() bool {
	return s.Seed > 0 && s.Seed < IM
}

// Schedule owns one generator. It is not safe for concurrent use; each merge
// or query builds its own.
type Schedule struct {
	seed     int64
	initSeed int64
	gap      float64 // mean gap in seconds
}

// New creates a schedule positioned at Epoch.
func New(seed int64, gap time.Duration) (*Schedule, error) {
	if seed <= 0 || seed >= IM {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSeed, seed)
	}
	if gap <= 0 {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidGap, gap)
	}
	return &Schedule{
		seed:     seed,
		initSeed: seed,
		gap:      gap.Seconds(),
	}, nil
}

// Default returns the schedule shared by the reference clients.
func Default() *Schedule {
	s, _ := New(DefaultSeed, DefaultGap)
	return s
}

// Gap returns the mean gap between pings.
func (s *Schedule) Gap() time.Duration {
	return time.Duration(s.gap * float64(time.Second))
}

// InitialSeed returns the seed the schedule restarts from.
func (s *Schedule) InitialSeed() int64 {
	return s.initSeed
}

// State returns the current generator state.
func (s *Schedule) State() State {
	return State{Seed: s.seed}
}

// Restore rewinds or advances the generator to a previously captured state.
func (s *Schedule) Restore(st State) error {
	if !st.Valid() {
		return &StateCorruptionError{Seed: st.Seed}
	}
	s.seed = st.Seed
	return nil
}

// Reset puts the generator back at its initial seed.
func (s *Schedule) Reset() {
	s.seed = s.initSeed
}

// ran0 advances the generator and returns the new seed in [1, IM-1].
func (s *Schedule) ran0() (int64, error) {
	if s.seed <= 0 || s.seed >= IM {
		return 0, &StateCorruptionError{Seed: s.seed}
	}
	s.seed = IA * s.seed % IM
	if s.seed <= 0 {
		return 0, &StateCorruptionError{Seed: s.seed}
	}
	return s.seed, nil
}

// exprand draws an exponential gap in seconds.
func (s *Schedule) exprand() (float64, error) {
	r, err := s.ran0()
	if err != nil {
		return 0, err
	}
	u := float64(r) / float64(IM)
	gap := -s.gap * math.Log(u)
	if math.IsNaN(gap) || math.IsInf(gap, 0) {
		return 0, &StateCorruptionError{Seed: r}
	}
	return gap, nil
}

// Next returns the ping following prev and advances the generator by exactly
// one draw. Call it once per ping; extra calls desynchronize the schedule.
func (s *Schedule) Next(prev int64) (int64, error) {
	gap, err := s.exprand()
	if err != nil {
		return 0, err
	}
	next := int64(math.Round(float64(prev) + gap))
	if next < prev+1 {
		next = prev + 1
	}
	return next, nil
}

// Prev returns the last ping strictly before t and leaves the generator in
// the state it had at that ping, so Next continues the same sequence. For
// t <= Epoch it returns Epoch with the initial state.
func (s *Schedule) Prev(t int64) (int64, State, error) {
	s.Reset()

	next := Epoch
	last := next
	lastState := s.State()
	for next < t {
		last = next
		lastState = s.State()
		var err error
		if next, err = s.Next(next); err != nil {
			return 0, State{}, err
		}
	}

	s.seed = lastState.Seed
	return last, lastState, nil
}

// Between returns every ping p with from <= p <= to. The generator is left
// positioned after the last returned ping.
func (s *Schedule) Between(from, to int64) ([]int64, error) {
	if to < from {
		return nil, nil
	}

	p, _, err := s.Prev(from)
	if err != nil {
		return nil, err
	}

	var pings []int64
	if p >= from && p <= to {
		pings = append(pings, p)
	}
	for {
		st := s.State()
		next, err := s.Next(p)
		if err != nil {
			return nil, err
		}
		if next > to {
			s.seed = st.Seed
			return pings, nil
		}
		pings = append(pings, next)
		p = next
	}
}
