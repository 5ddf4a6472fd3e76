package tracking

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"time"

	"github.com/laserguidance/targeting/pkg/core"
)

// State is the phase the controller was in when it evaluated the last tick.
type State int

const (
	StateAwaitingDetection State = iota + 1
	StateCooldown
	StateEligible
)

func (s State) String() string {
	switch s {
	case StateAwaitingDetection:
		return "AWAITING_DETECTION"
	case StateCooldown:
		return "COOLDOWN"
	case StateEligible:
		return "ELIGIBLE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Suppression explains why a tick produced no command.
type Suppression string

const (
	SuppressedNone     Suppression = ""
	SuppressedNoOffset Suppression = "no_offset"
	SuppressedNoise    Suppression = "noise"
	SuppressedCooldown Suppression = "cooldown"
)

// Config bundles the decision thresholds.
type Config struct {
	// Pointer is the color class of the marker being steered.
	Pointer string `mapstructure:"pointer" validate:"required"`
	// Targets are the color classes the pointer is sent to, one at a time.
	Targets []string `mapstructure:"targets" validate:"required,min=1,dive,required"`
	// HitRadius is the per-axis offset below which the pointer is on target.
	HitRadius int `mapstructure:"hitRadius" validate:"gt=0"`
	// NoiseThreshold is the per-axis change in offset, relative to the last
	// emitted one, that counts as the pointer having reacted.
	NoiseThreshold int `mapstructure:"noiseThreshold" validate:"gte=0"`
	// CommandInterval is the cooldown between emitted commands.
	CommandInterval time.Duration `mapstructure:"commandInterval" validate:"gte=0"`
}

// DefaultConfig returns the thresholds the rig was tuned with.
func DefaultConfig() Config {
	return Config{
		Pointer:         "green",
		Targets:         []string{"blue"},
		HitRadius:       50,
		NoiseThreshold:  15,
		CommandInterval: 2 * time.Second,
	}
}

// Decision is the outcome of one tick.
type Decision struct {
	Time       time.Time
	Command    core.Command
	Offset     core.Offset
	HasOffset  bool
	Target     string
	Retargeted bool
	Previous   string
	Suppressed Suppression
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithRand sets the source used to pick the next target after a hit.
func WithRand(r *rand.Rand) Option {
	return func(c *Controller) {
		c.rng = r
	}
}

// Controller turns offsets into debounced commands. It is not safe for
// concurrent use; the vision loop owns it.
type Controller struct {
	cfg Config
	now func() time.Time
	rng *rand.Rand

	state        State
	lastEmitted  core.Offset
	emitted      bool
	nextEligible time.Time
	active       string
}

// NewController constructs a controller aimed at the first configured target.
func NewController(cfg Config, opts ...Option) (*Controller, error) {
	if cfg.Pointer == "" {
		return nil, errors.New("tracking: pointer class is required")
	}
	if len(cfg.Targets) == 0 {
		return nil, errors.New("tracking: at least one target class is required")
	}
	if slices.Contains(cfg.Targets, cfg.Pointer) {
		return nil, fmt.Errorf("tracking: pointer class %q cannot also be a target", cfg.Pointer)
	}
	if cfg.HitRadius <= 0 {
		return nil, fmt.Errorf("tracking: hit radius must be positive, got %d", cfg.HitRadius)
	}

	c := &Controller{
		cfg:    cfg,
		now:    time.Now,
		state:  StateAwaitingDetection,
		active: cfg.Targets[0],
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return c, nil
}

// ActiveTarget returns the color class currently being aimed at.
func (c *Controller) ActiveTarget() string {
	return c.active
}

// State returns the phase of the last evaluated tick.
func (c *Controller) State() State {
	return c.state
}

// Classes lists the color classes the detector has to look for.
func (c *Controller) Classes() []string {
	return append([]string{c.cfg.Pointer}, c.cfg.Targets...)
}

// Observe estimates the offset between the pointer and the active target
// in a frame's detections and steps the state machine.
func (c *Controller) Observe(detections map[string]*core.MarkerDetection) Decision {
	offset, ok := Estimate(detections[c.cfg.Pointer], detections[c.active])
	return c.Step(offset, ok)
}

// Step runs one decision tick. ok is false when the offset is undefined.
func (c *Controller) Step(offset core.Offset, ok bool) Decision {
	now := c.now()
	d := Decision{Time: now, Offset: offset, HasOffset: ok, Target: c.active}

	if !ok {
		c.state = StateAwaitingDetection
		d.Suppressed = SuppressedNoOffset
		return d
	}

	// Before the first emission there is no previous command to react to.
	if c.emitted &&
		abs(offset.DX-c.lastEmitted.DX) <= c.cfg.NoiseThreshold &&
		abs(offset.DY-c.lastEmitted.DY) <= c.cfg.NoiseThreshold {
		c.state = StateCooldown
		d.Suppressed = SuppressedNoise
		return d
	}

	if now.Before(c.nextEligible) {
		c.state = StateCooldown
		d.Suppressed = SuppressedCooldown
		return d
	}

	c.state = StateEligible
	d.Command = c.decide(offset)
	c.lastEmitted = offset
	c.emitted = true
	c.nextEligible = now.Add(c.cfg.CommandInterval)

	if d.Command == core.CommandHit {
		d.Previous = c.active
		c.active = c.nextTarget()
		d.Target = c.active
		d.Retargeted = d.Previous != c.active
	}
	return d
}

// decide maps an eligible offset to a command. Positive dx means the target
// is to the pointer's right in image coordinates, which the rig closes with
// a left move; the same applies to dy and up.
func (c *Controller) decide(o core.Offset) core.Command {
	if abs(o.DX) < c.cfg.HitRadius && abs(o.DY) < c.cfg.HitRadius {
		return core.CommandHit
	}
	if abs(o.DX) > abs(o.DY) {
		if o.DX > 0 {
			return core.CommandMoveLeft
		}
		return core.CommandMoveRight
	}
	if o.DY > 0 {
		return core.CommandMoveUp
	}
	return core.CommandMoveDown
}

// nextTarget picks uniformly among the configured targets other than the
// active one. With a single target it stays put.
func (c *Controller) nextTarget() string {
	candidates := make([]string, 0, len(c.cfg.Targets))
	for _, t := range c.cfg.Targets {
		if t != c.active {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return c.active
	}
	return candidates[c.rng.Intn(len(candidates))]
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
