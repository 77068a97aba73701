package alarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/config"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/flash"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/queue"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/settings"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

type fakePin struct {
	level bool
}

func (p *fakePin) High() bool {
	return p.level
}

type fakeSiren struct {
	on bool
}

func (s *fakeSiren) Set(high bool) {
	s.on = high
}

type testPanel struct {
	panel    *Panel
	store    *settings.Store
	dev      *flash.MemDevice
	events   *queue.Queue[Event]
	commands chan Command
	clock    *fakeClock
	siren    *fakeSiren
	pin      *fakePin
}

func newTestPanel(t *testing.T) *testPanel {
	t.Helper()

	dev := flash.NewMemDevice(flash.EraseSize)
	u, err := settings.New(dev, 0, flash.EraseSize, 1024, zap.NewNop().Sugar())
	require.NoError(t, err)
	store, err := u.Reset()
	require.NoError(t, err)
	t.Cleanup(store.Close)

	pinNum := uint8(23)
	motionEntity := config.Entity{
		Name:       "Hallway Motion",
		Variant:    config.VariantBinarySensor,
		UniqueID:   "hallway_motion",
		StateTopic: "pi-alarm/motion/hallway",
		GPIOPin:    &pinNum,
	}
	alarmEntity := config.Entity{
		Name:         "Alarm Panel",
		Variant:      config.VariantAlarmControlPanel,
		UniqueID:     "alarm_panel",
		StateTopic:   "pi-alarm/alarm",
		CommandTopic: "pi-alarm/alarm/set",
	}

	events := queue.New[Event]()
	commands := make(chan Command, 4)
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	siren := &fakeSiren{}
	pin := &fakePin{}

	panel := NewPanel(alarmEntity, []*MotionEntity{{Entity: motionEntity, Pin: pin}}, siren, events, commands, store, zap.NewNop().Sugar())
	panel.SetClock(clock.now)

	return &testPanel{
		panel:    panel,
		store:    store,
		dev:      dev,
		events:   events,
		commands: commands,
		clock:    clock,
		siren:    siren,
		pin:      pin,
	}
}

func (tp *testPanel) drainEvents() []Event {
	var out []Event
	for {
		e, ok := tp.events.TryPop()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

func (tp *testPanel) persistedState(t *testing.T) PersistedState {
	t.Helper()
	var p PersistedState
	require.NoError(t, tp.store.GetStructured(config.KeyPersistedAlarmState, &p))
	return p
}

func Test_RecoverDefaults(t *testing.T) {
	tp := newTestPanel(t)
	tp.panel.Recover()

	assert.Equal(t, Disarmed, tp.panel.State().Kind)
	assert.Equal(t, DefaultSettings(), tp.panel.Settings())

	events := tp.drainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventStateChanged, events[0].Kind)
	assert.Equal(t, Disarmed, events[0].State.Kind)
}

func Test_RecoverPersistedState(t *testing.T) {
	tp := newTestPanel(t)

	armed := PersistedArmed
	buf := make([]byte, 64)
	require.NoError(t, tp.store.SetStructured(config.KeyPersistedAlarmState, &armed, buf))

	tp.panel.Recover()

	assert.Equal(t, Armed, tp.panel.State().Kind)
	events := tp.drainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventStateChanged, events[0].Kind)
	assert.Equal(t, Armed, events[0].State.Kind)
}

func Test_RecoverInitialStateFromSettings(t *testing.T) {
	tp := newTestPanel(t)

	cfg := Settings{InitialState: PersistedArmed, ArmingTimeout: 90, PendingTimeout: 30}
	buf := make([]byte, 64)
	require.NoError(t, tp.store.SetStructured(config.KeyAlarmSettings, &cfg, buf))

	tp.panel.Recover()
	assert.Equal(t, Armed, tp.panel.State().Kind)
}

func Test_RecoverStoreErrorFailsSafe(t *testing.T) {
	tp := newTestPanel(t)

	triggered := PersistedTriggered
	buf := make([]byte, 64)
	require.NoError(t, tp.store.SetStructured(config.KeyPersistedAlarmState, &triggered, buf))

	// Both startup reads fail: settings degrade to defaults, state falls
	// safe to disarmed instead of resuming triggered.
	tp.dev.FailReads = 2
	tp.panel.Recover()

	assert.Equal(t, Disarmed, tp.panel.State().Kind)
	assert.Equal(t, DefaultSettings(), tp.panel.Settings())
}

func Test_CrashRecoveryScenario(t *testing.T) {
	tp := newTestPanel(t)
	tp.panel.Recover()
	tp.drainEvents()

	tp.commands <- Command{Kind: CmdArmInstantly}
	tp.panel.Tick()
	require.Equal(t, Armed, tp.panel.State().Kind)
	assert.Equal(t, PersistedArmed, tp.persistedState(t))

	// Abrupt restart: a fresh panel over the same store, in-memory timers
	// discarded. Only the 3-valued projection survives.
	events := queue.New[Event]()
	fresh := NewPanel(tp.panel.entity, nil, &fakeSiren{}, events, make(chan Command), tp.store, zap.NewNop().Sugar())
	fresh.Recover()

	assert.Equal(t, Armed, fresh.State().Kind)
	e, ok := events.TryPop()
	require.True(t, ok)
	assert.Equal(t, EventStateChanged, e.Kind)
	assert.Equal(t, Armed, e.State.Kind)
	_, ok = events.TryPop()
	assert.False(t, ok)
}

func Test_ArmThenArmingTimeout(t *testing.T) {
	tp := newTestPanel(t)
	tp.panel.Recover()

	tp.commands <- Command{Kind: CmdArm}
	tp.panel.Tick()
	assert.Equal(t, Arming, tp.panel.State().Kind)

	tp.clock.advance(89 * time.Second)
	tp.panel.Tick()
	assert.Equal(t, Arming, tp.panel.State().Kind)

	tp.clock.advance(1 * time.Second)
	tp.panel.Tick()
	assert.Equal(t, Armed, tp.panel.State().Kind)
	assert.Equal(t, PersistedArmed, tp.persistedState(t))
}

func Test_ArmInstantly(t *testing.T) {
	tp := newTestPanel(t)
	tp.panel.Recover()

	tp.commands <- Command{Kind: CmdArmInstantly}
	tp.panel.Tick()
	assert.Equal(t, Armed, tp.panel.State().Kind)
}

func Test_DisarmFromEveryState(t *testing.T) {
	states := []struct {
		name  string
		setup func(tp *testPanel)
	}{
		{"disarmed", func(tp *testPanel) {}},
		{"arming", func(tp *testPanel) {
			tp.commands <- Command{Kind: CmdArm}
			tp.panel.Tick()
		}},
		{"armed", func(tp *testPanel) {
			tp.commands <- Command{Kind: CmdArmInstantly}
			tp.panel.Tick()
		}},
		{"pending", func(tp *testPanel) {
			tp.commands <- Command{Kind: CmdArmInstantly}
			tp.panel.Tick()
			tp.pin.level = true
			tp.panel.Tick()
		}},
		{"triggered", func(tp *testPanel) {
			tp.commands <- Command{Kind: CmdArmInstantly}
			tp.panel.Tick()
			tp.commands <- Command{Kind: CmdManualTrigger}
			tp.panel.Tick()
		}},
	}

	for _, tc := range states {
		t.Run(tc.name, func(t *testing.T) {
			tp := newTestPanel(t)
			tp.panel.Recover()
			tc.setup(tp)

			tp.commands <- Command{Kind: CmdDisarm}
			tp.panel.Tick()
			assert.Equal(t, Disarmed, tp.panel.State().Kind)
			assert.False(t, tp.siren.on)
		})
	}
}

func Test_MotionWhileArmedEscalates(t *testing.T) {
	tp := newTestPanel(t)
	tp.panel.Recover()
	tp.commands <- Command{Kind: CmdArmInstantly}
	tp.panel.Tick()
	tp.drainEvents()

	tp.pin.level = true
	tp.panel.Tick()
	assert.Equal(t, Pending, tp.panel.State().Kind)
	// Pending projects to triggered on flash.
	assert.Equal(t, PersistedTriggered, tp.persistedState(t))
	assert.False(t, tp.siren.on)

	events := tp.drainEvents()
	require.Len(t, events, 2)
	assert.Equal(t, EventMotionDetected, events[0].Kind)
	assert.Equal(t, EventStateChanged, events[1].Kind)

	tp.clock.advance(30 * time.Second)
	tp.panel.Tick()
	assert.Equal(t, Triggered, tp.panel.State().Kind)
	assert.True(t, tp.siren.on)
}

func Test_UntriggerReturnsToArmed(t *testing.T) {
	tp := newTestPanel(t)
	tp.panel.Recover()
	tp.commands <- Command{Kind: CmdArmInstantly}
	tp.panel.Tick()
	tp.commands <- Command{Kind: CmdManualTrigger}
	tp.panel.Tick()
	require.Equal(t, Triggered, tp.panel.State().Kind)
	require.True(t, tp.siren.on)

	tp.commands <- Command{Kind: CmdUntrigger}
	tp.panel.Tick()
	assert.Equal(t, Armed, tp.panel.State().Kind)
	// Siren clears in the same tick as the transition.
	assert.False(t, tp.siren.on)
}

func Test_UntriggerFromPending(t *testing.T) {
	tp := newTestPanel(t)
	tp.panel.Recover()
	tp.commands <- Command{Kind: CmdArmInstantly}
	tp.panel.Tick()
	tp.pin.level = true
	tp.panel.Tick()
	require.Equal(t, Pending, tp.panel.State().Kind)

	tp.commands <- Command{Kind: CmdUntrigger}
	tp.panel.Tick()
	assert.Equal(t, Armed, tp.panel.State().Kind)
}

func Test_ManualTriggerOnlyFromArmed(t *testing.T) {
	tp := newTestPanel(t)
	tp.panel.Recover()

	tp.commands <- Command{Kind: CmdManualTrigger}
	tp.panel.Tick()
	assert.Equal(t, Disarmed, tp.panel.State().Kind)

	tp.commands <- Command{Kind: CmdArmInstantly}
	tp.panel.Tick()
	tp.commands <- Command{Kind: CmdManualTrigger}
	tp.panel.Tick()
	assert.Equal(t, Triggered, tp.panel.State().Kind)
}

func Test_ManualPendingFromArmed(t *testing.T) {
	tp := newTestPanel(t)
	tp.panel.Recover()
	tp.commands <- Command{Kind: CmdArmInstantly}
	tp.panel.Tick()

	tp.commands <- Command{Kind: CmdManualPending}
	tp.panel.Tick()
	assert.Equal(t, Pending, tp.panel.State().Kind)
}

func Test_OneCommandPerTick(t *testing.T) {
	tp := newTestPanel(t)
	tp.panel.Recover()

	tp.commands <- Command{Kind: CmdArm}
	tp.commands <- Command{Kind: CmdDisarm}

	tp.panel.Tick()
	assert.Equal(t, Arming, tp.panel.State().Kind)

	tp.panel.Tick()
	assert.Equal(t, Disarmed, tp.panel.State().Kind)
}

func Test_MotionEdgeEvents(t *testing.T) {
	tp := newTestPanel(t)
	tp.panel.Recover()
	tp.drainEvents()

	tp.pin.level = true
	tp.panel.Tick()
	events := tp.drainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventMotionDetected, events[0].Kind)
	assert.Equal(t, "hallway_motion", events[0].Entity.UniqueID)

	// Steady level: no edge, no event.
	tp.panel.Tick()
	assert.Empty(t, tp.drainEvents())

	tp.pin.level = false
	tp.panel.Tick()
	events = tp.drainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventMotionCleared, events[0].Kind)
}

func Test_UpdateSettingsTakesEffectImmediately(t *testing.T) {
	tp := newTestPanel(t)
	tp.panel.Recover()

	newSettings := Settings{InitialState: PersistedDisarmed, ArmingTimeout: 90, PendingTimeout: 5}
	tp.commands <- Command{Kind: CmdUpdateSettings, Settings: &newSettings}
	tp.panel.Tick()
	assert.Equal(t, newSettings, tp.panel.Settings())

	var stored Settings
	require.NoError(t, tp.store.GetStructured(config.KeyAlarmSettings, &stored))
	assert.Equal(t, newSettings, stored)

	tp.commands <- Command{Kind: CmdArmInstantly}
	tp.panel.Tick()
	tp.pin.level = true
	tp.panel.Tick()
	require.Equal(t, Pending, tp.panel.State().Kind)

	tp.clock.advance(5 * time.Second)
	tp.panel.Tick()
	assert.Equal(t, Triggered, tp.panel.State().Kind)
}

func Test_UpdateSettingsPersistFailureKeepsInMemory(t *testing.T) {
	tp := newTestPanel(t)
	tp.panel.Recover()

	tp.dev.FailWrites = 1
	newSettings := Settings{InitialState: PersistedDisarmed, ArmingTimeout: 10, PendingTimeout: 5}
	tp.commands <- Command{Kind: CmdUpdateSettings, Settings: &newSettings}
	tp.panel.Tick()

	// The write failed but the new timeouts are live.
	assert.Equal(t, newSettings, tp.panel.Settings())
	var stored Settings
	err := tp.store.GetStructured(config.KeyAlarmSettings, &stored)
	assert.ErrorIs(t, err, settings.ErrNotFound)
}

func Test_PersistFailureKeepsInMemoryState(t *testing.T) {
	tp := newTestPanel(t)
	tp.panel.Recover()
	tp.drainEvents()

	tp.dev.FailWrites = 1
	tp.commands <- Command{Kind: CmdArmInstantly}
	tp.panel.Tick()

	// In-memory state is authoritative for the current run.
	assert.Equal(t, Armed, tp.panel.State().Kind)
	events := tp.drainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventStateChanged, events[0].Kind)
}
