package charge

import (
	"fmt"
	"time"
)

// Config sizes a charge controller.
type Config struct {
	MaxCharges int           `yaml:"max_charges"`
	Recharge   time.Duration `yaml:"recharge"`
	// PowerDrawCharging and PowerDrawIdle are the power requested from the grid
	// while the timer runs and while full.
	PowerDrawCharging float64 `yaml:"power_draw_charging"`
	PowerDrawIdle     float64 `yaml:"power_draw_idle"`
	// PublishInterval is how much timer progress accumulates before the
	// authority broadcasts a new snapshot. Charge changes are always sent.
	PublishInterval time.Duration `yaml:"publish_interval"`
}

func DefaultConfig() Config {
	return Config{
		MaxCharges:        3,
		Recharge:          60 * time.Second,
		PowerDrawCharging: 100,
		PowerDrawIdle:     0.25,
		PublishInterval:   time.Second,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MaxCharges <= 0:
		return fmt.Errorf("%w: max_charges must be positive, got %d", ErrInvalidConfig, c.MaxCharges)
	case c.Recharge <= 0:
		return fmt.Errorf("%w: recharge must be positive, got %s", ErrInvalidConfig, c.Recharge)
	case c.PublishInterval < 0:
		return fmt.Errorf("%w: publish_interval must not be negative", ErrInvalidConfig)
	case c.PowerDrawCharging < 0 || c.PowerDrawIdle < 0:
		return fmt.Errorf("%w: power draw must not be negative", ErrInvalidConfig)
	}
	return nil
}
