package charge

import (
	"fmt"
	"math"
	"time"

	"github.com/zeusync/gridsync/internal/core/protocol"
	"github.com/zeusync/gridsync/internal/core/sync"
)

// Status is the externally visible state of a controller.
type Status uint8

const (
	StatusFull Status = iota
	StatusCharging
	// StatusDepleted has no charge left; it still recharges like StatusCharging.
	StatusDepleted
)

func (s Status) String() string {
	switch s {
	case StatusFull:
		return "full"
	case StatusCharging:
		return "charging"
	case StatusDepleted:
		return "depleted"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Recharging reports whether the timer runs in this status.
func (s Status) Recharging() bool {
	return s != StatusFull
}

// State is the replicated unit: charge count and recharge timer always travel
// and change together. Timer is the seconds left until the next charge.
type State struct {
	Charges int
	Timer   float64
}

func (s State) Status(maxCharges int) Status {
	switch {
	case s.Charges >= maxCharges:
		return StatusFull
	case s.Charges <= 0:
		return StatusDepleted
	default:
		return StatusCharging
	}
}

// String renders the toolbar form: remaining seconds while recharging, then the charge count.
func (s State) String() string {
	switch {
	case s.Timer >= 10:
		return fmt.Sprintf("%.0fs C:%d", math.Round(s.Timer), s.Charges)
	case s.Timer > 0:
		return fmt.Sprintf("%.1fs C:%d", s.Timer, s.Charges)
	default:
		return fmt.Sprintf("C:%d", s.Charges)
	}
}

func (s State) timeToNext() time.Duration {
	return time.Duration(s.Timer * float64(time.Second))
}

// normalize clamps s into the valid range and restores the pairing between
// charges and timer.
func normalize(s State, cfg Config) State {
	recharge := cfg.Recharge.Seconds()
	switch {
	case s.Charges >= cfg.MaxCharges:
		return State{Charges: cfg.MaxCharges}
	case s.Charges < 0:
		s.Charges = 0
	}
	if math.IsNaN(s.Timer) || s.Timer <= 0 || s.Timer > recharge {
		s.Timer = recharge
	}
	return s
}

// advance runs the timer down by dt. At most one charge is restored per call;
// time left over after the timer hits zero is not carried into the next unit.
func advance(s State, dt float64, cfg Config) State {
	if s.Charges >= cfg.MaxCharges {
		return State{Charges: cfg.MaxCharges}
	}
	s.Timer -= dt
	if s.Timer > 0 {
		return s
	}
	s.Charges++
	s.Timer = 0
	if s.Charges < cfg.MaxCharges {
		s.Timer = cfg.Recharge.Seconds()
	}
	return s
}

const (
	fieldCharges protocol.FieldNumber = 1
	fieldTimer   protocol.FieldNumber = 2
)

// StateCodec encodes State as {1: charges, 2: timer seconds}.
func StateCodec() sync.Codec[State] {
	return sync.CodecFuncs[State]{
		EncodeFunc: func(s State) []byte {
			charges := s.Charges
			if charges < 0 {
				charges = 0
			}
			return protocol.NewEncoder(16).
				Uint(fieldCharges, uint64(charges)).
				Float(fieldTimer, s.Timer).
				Encode()
		},
		DecodeFunc: func(b []byte) (State, error) {
			var s State
			d := protocol.NewDecoder(b)
			for d.Next() {
				switch d.Field() {
				case fieldCharges:
					s.Charges = int(min(d.Uint(), math.MaxInt32))
				case fieldTimer:
					s.Timer = d.Float()
				}
			}
			if err := d.Err(); err != nil {
				return State{}, fmt.Errorf("decode charge state: %w", err)
			}
			return s, nil
		},
	}
}
