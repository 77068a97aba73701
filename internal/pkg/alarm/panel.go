// Package alarm implements the security state machine: motion edge
// detection, command processing, timeout transitions, siren actuation and
// persistence of the durable state projection.
package alarm

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/config"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/queue"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/settings"
)

// TickPeriod is the polling loop period.
const TickPeriod = 250 * time.Millisecond

// persistBufLen bounds the encoded size of anything the panel writes back to
// the settings store.
const persistBufLen = 1024

// Panel runs the alarm polling loop. It owns its motion entities and the
// siren exclusively; the settings store is shared and locks per call.
type Panel struct {
	entity   config.Entity
	motion   []*MotionEntity
	siren    Siren
	events   *queue.Queue[Event]
	commands <-chan Command
	store    *settings.Store
	logger   *zap.SugaredLogger

	settings   Settings
	state      State
	persistBuf []byte

	// now is the clock, replaceable in tests.
	now func() time.Time
}

func NewPanel(entity config.Entity, motion []*MotionEntity, siren Siren, events *queue.Queue[Event], commands <-chan Command, store *settings.Store, logger *zap.SugaredLogger) *Panel {
	return &Panel{
		entity:     entity,
		motion:     motion,
		siren:      siren,
		events:     events,
		commands:   commands,
		store:      store,
		logger:     logger,
		persistBuf: make([]byte, persistBufLen),
		now:        time.Now,
	}
}

// Recover loads the alarm settings and the persisted state projection from
// the store and emits one state-changed event so downstream consumers learn
// the recovered state without waiting for a transition.
//
// Every read failure degrades to a safe default: missing settings become
// DefaultSettings, a missing persisted state seeds from the configured
// initial state, and any other store error falls back to Disarmed.
func (p *Panel) Recover() {
	p.settings = DefaultSettings()
	if err := p.store.GetStructured(config.KeyAlarmSettings, &p.settings); err != nil {
		if !errors.Is(err, settings.ErrNotFound) {
			p.logger.Errorf("failed getting %q setting, using defaults: %s", config.KeyAlarmSettings, err)
		}
		p.settings = DefaultSettings()
	}
	p.logger.Infof("loaded alarm settings: %+v", p.settings)

	var persisted PersistedState
	err := p.store.GetStructured(config.KeyPersistedAlarmState, &persisted)
	switch {
	case err == nil:
		p.logger.Infof("loaded persisted alarm state: %s", persisted)
		p.state = persisted.State(p.now())
	case errors.Is(err, settings.ErrNotFound):
		p.logger.Infof("no persisted alarm state found, using configured initial state %s", p.settings.InitialState)
		p.state = p.settings.InitialState.State(p.now())
	default:
		p.logger.Errorf("failed getting %q setting, failing safe to disarmed: %s", config.KeyPersistedAlarmState, err)
		p.state = State{Kind: Disarmed}
	}

	p.events.Push(Event{Kind: EventStateChanged, Entity: p.entity, State: p.state})
}

// Run recovers the persisted state and then polls forever. It panics when
// the command channel closes: there is no recovery from a broken control
// path, the supervisor restarts the whole process.
func (p *Panel) Run() {
	p.Recover()
	for {
		p.Tick()
		time.Sleep(TickPeriod)
	}
}

// Tick executes one polling cycle in the fixed order: motion sampling,
// command processing, timeout evaluation, siren actuation, persistence. The
// order guarantees a motion edge is reflected in this tick's siren output
// and persisted state.
func (p *Panel) Tick() {
	motionDetected := p.sampleMotion()

	lastState := p.state

	select {
	case cmd, ok := <-p.commands:
		if !ok {
			panic("alarm: command channel closed")
		}
		p.apply(cmd)
	default:
	}

	p.evaluate(motionDetected)

	p.siren.Set(p.state.Kind == Triggered)

	if p.state.Kind != lastState.Kind {
		p.logger.Infof("alarm state changed: %s", p.state.Kind)
		p.persistState()
		p.events.Push(Event{Kind: EventStateChanged, Entity: p.entity, State: p.state})
	}
}

// sampleMotion reads every motion input, emits edge events, and reports
// whether any rising edge occurred this tick.
func (p *Panel) sampleMotion() bool {
	detected := false
	for _, e := range p.motion {
		motion := e.Pin.High()
		if motion == e.Motion {
			continue
		}

		p.logger.Infof("motion at %s: %t", e.Entity.Name, motion)
		e.Motion = motion
		if motion {
			detected = true
			p.events.Push(Event{Kind: EventMotionDetected, Entity: e.Entity})
		} else {
			p.events.Push(Event{Kind: EventMotionCleared, Entity: e.Entity})
		}
	}
	return detected
}

func (p *Panel) apply(cmd Command) {
	switch cmd.Kind {
	case CmdArm:
		if p.state.Kind == Disarmed {
			p.state = State{Kind: Arming, StartedAt: p.now()}
		}
	case CmdArmInstantly:
		if p.state.Kind == Disarmed {
			p.state = State{Kind: Armed, StartedAt: p.now()}
		}
	case CmdDisarm:
		p.state = State{Kind: Disarmed}
	case CmdManualPending:
		if p.state.Kind == Armed {
			p.state = State{Kind: Pending, StartedAt: p.now()}
		}
	case CmdManualTrigger:
		if p.state.Kind == Armed {
			p.state = State{Kind: Triggered}
		}
	case CmdUntrigger:
		if p.state.Kind == Triggered || p.state.Kind == Pending {
			p.state = State{Kind: Armed, StartedAt: p.now()}
		}
	case CmdUpdateSettings:
		if cmd.Settings == nil {
			p.logger.Error("update settings command without settings payload")
			return
		}
		// The in-memory settings stay authoritative even if the write
		// fails: timeouts take effect immediately.
		p.settings = *cmd.Settings
		if err := p.store.SetStructured(config.KeyAlarmSettings, &p.settings, p.persistBuf); err != nil {
			p.logger.Errorf("failed to write new alarm settings: %s", err)
		}
	}
}

// evaluate applies the autonomous transitions: arming and pending timeouts,
// and motion while armed.
func (p *Panel) evaluate(motionDetected bool) {
	now := p.now()
	switch p.state.Kind {
	case Arming:
		if now.Sub(p.state.StartedAt) >= time.Duration(p.settings.ArmingTimeout)*time.Second {
			p.state = State{Kind: Armed, StartedAt: now}
		}
	case Armed:
		if motionDetected {
			p.state = State{Kind: Pending, StartedAt: now}
		}
	case Pending:
		if now.Sub(p.state.StartedAt) >= time.Duration(p.settings.PendingTimeout)*time.Second {
			p.state = State{Kind: Triggered}
		}
	}
}

func (p *Panel) persistState() {
	persisted := Project(p.state)
	if err := p.store.SetStructured(config.KeyPersistedAlarmState, &persisted, p.persistBuf); err != nil {
		p.logger.Errorf("failed to persist alarm state: %s", err)
	}
}

// State returns the current in-memory state. Used by tests and diagnostics.
func (p *Panel) State() State {
	return p.state
}

// Settings returns the current in-memory settings.
func (p *Panel) Settings() Settings {
	return p.settings
}

// SetClock replaces the panel's clock. Tests only.
func (p *Panel) SetClock(now func() time.Time) {
	p.now = now
}
