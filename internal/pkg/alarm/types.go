package alarm

import (
	"time"

	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/config"
)

// StateKind is the security state of the panel.
type StateKind int

const (
	Disarmed StateKind = iota
	Arming
	Armed
	Pending
	Triggered
)

func (k StateKind) String() string {
	switch k {
	case Disarmed:
		return "disarmed"
	case Arming:
		return "arming"
	case Armed:
		return "armed"
	case Pending:
		return "pending"
	case Triggered:
		return "triggered"
	}
	return "unknown"
}

// State is the in-memory alarm state. StartedAt is only meaningful for the
// timed states (Arming, Armed, Pending) and is never persisted: a restart
// cannot resume a timer against a timestamp that no longer exists.
type State struct {
	Kind      StateKind
	StartedAt time.Time
}

// PersistedState is the 3-valued durable projection of State. The transient
// states collapse to their stable neighbor: Arming persists as armed,
// Pending as triggered.
type PersistedState string

const (
	PersistedDisarmed  PersistedState = "disarmed"
	PersistedArmed     PersistedState = "armed"
	PersistedTriggered PersistedState = "triggered"
)

// State expands the projection back into a runtime state, stamping timed
// states with now.
func (p PersistedState) State(now time.Time) State {
	switch p {
	case PersistedArmed:
		return State{Kind: Armed, StartedAt: now}
	case PersistedTriggered:
		return State{Kind: Triggered}
	default:
		return State{Kind: Disarmed}
	}
}

// Project reduces a runtime state to its durable form.
func Project(s State) PersistedState {
	switch s.Kind {
	case Arming, Armed:
		return PersistedArmed
	case Pending, Triggered:
		return PersistedTriggered
	default:
		return PersistedDisarmed
	}
}

// Settings is the durable alarm configuration. Timeouts are in seconds.
type Settings struct {
	InitialState   PersistedState `cbor:"initial_state"`
	ArmingTimeout  uint16         `cbor:"arming_timeout"`
	PendingTimeout uint16         `cbor:"pending_timeout"`
}

func DefaultSettings() Settings {
	return Settings{
		InitialState:   PersistedDisarmed,
		ArmingTimeout:  90,
		PendingTimeout: 30,
	}
}

// CommandKind is an inbound control command.
type CommandKind int

const (
	CmdArm CommandKind = iota
	CmdArmInstantly
	CmdDisarm
	CmdManualPending
	CmdManualTrigger
	CmdUntrigger
	CmdUpdateSettings
)

type Command struct {
	Kind CommandKind
	// Settings is set only for CmdUpdateSettings.
	Settings *Settings
}

// EventKind is an outward alarm event.
type EventKind int

const (
	EventMotionDetected EventKind = iota
	EventMotionCleared
	EventStateChanged
)

type Event struct {
	Kind   EventKind
	Entity config.Entity
	// State is set only for EventStateChanged.
	State State
}

// MotionInput is the sampled level of a motion sensor.
type MotionInput interface {
	High() bool
}

// Siren drives the siren output.
type Siren interface {
	Set(high bool)
}

// MotionEntity binds a Home Assistant entity to its input pin. Motion holds
// the last observed level and is mutated only by the polling loop.
type MotionEntity struct {
	Entity config.Entity
	Pin    MotionInput
	Motion bool
}
