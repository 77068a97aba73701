package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/alarm"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/config"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/flash"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/mqtt"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/queue"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/settings"
)

func Test_ParseCommand(t *testing.T) {
	cases := []struct {
		payload string
		kind    alarm.CommandKind
	}{
		{"ARM_AWAY", alarm.CmdArm},
		{"arm_away", alarm.CmdArm},
		{"ARM_CUSTOM_BYPASS", alarm.CmdArmInstantly},
		{"DISARM", alarm.CmdDisarm},
		{"PENDING", alarm.CmdManualPending},
		{"TRIGGER", alarm.CmdManualTrigger},
		{"UNTRIGGER", alarm.CmdUntrigger},
	}
	for _, tc := range cases {
		cmd, ok := ParseCommand(tc.payload)
		assert.True(t, ok, tc.payload)
		assert.Equal(t, tc.kind, cmd.Kind, tc.payload)
	}

	_, ok := ParseCommand("SELF_DESTRUCT")
	assert.False(t, ok)
}

func Test_SplitSetPayload(t *testing.T) {
	key, val, err := SplitSetPayload([]byte("hostname\x00alarm-panel"))
	require.NoError(t, err)
	assert.Equal(t, "hostname", key)
	assert.Equal(t, []byte("alarm-panel"), val)

	// Binary values are allowed; null bytes after the first are value data.
	key, val, err = SplitSetPayload([]byte("siren-pin\x00\x11"))
	require.NoError(t, err)
	assert.Equal(t, "siren-pin", key)
	assert.Equal(t, []byte{0x11}, val)

	_, _, err = SplitSetPayload([]byte("no-separator"))
	assert.Error(t, err)

	long := make([]byte, maxSettingKeyLen+1)
	for i := range long {
		long[i] = 'k'
	}
	_, _, err = SplitSetPayload(append(long, 0))
	assert.Error(t, err)

	_, _, err = SplitSetPayload([]byte{0xFF, 0xFE, 0x00, 'v'})
	assert.Error(t, err)
}

func Test_StatePayload(t *testing.T) {
	assert.Equal(t, "disarmed", StatePayload(alarm.State{Kind: alarm.Disarmed}))
	assert.Equal(t, "arming", StatePayload(alarm.State{Kind: alarm.Arming}))
	assert.Equal(t, "armed_away", StatePayload(alarm.State{Kind: alarm.Armed}))
	assert.Equal(t, "pending", StatePayload(alarm.State{Kind: alarm.Pending}))
	assert.Equal(t, "triggered", StatePayload(alarm.State{Kind: alarm.Triggered}))
}

func newTestScheduler(t *testing.T) (*Scheduler, *settings.Store, chan alarm.Command) {
	t.Helper()

	dev := flash.NewMemDevice(flash.EraseSize)
	u, err := settings.New(dev, 0, flash.EraseSize, 1024, zap.NewNop().Sugar())
	require.NoError(t, err)
	store, err := u.Reset()
	require.NoError(t, err)
	t.Cleanup(store.Close)

	commands := make(chan alarm.Command, 4)
	s := New(mqtt.MqttClient{}, nil, config.Entity{CommandTopic: "pi-alarm/alarm/set"}, queue.New[alarm.Event](), commands, store, Config{
		AvailabilityTopic:   "pi-alarm/availability",
		SettingsTopicPrefix: "pi-alarm/settings",
	}, zap.NewNop().Sugar())
	return s, store, commands
}

func Test_HandleSetSettingNullSplit(t *testing.T) {
	s, store, _ := newTestScheduler(t)

	s.handleSetSetting("pi-alarm/settings/set", []byte("hostname\x00alarm-panel"))

	val, err := store.GetString("hostname")
	require.NoError(t, err)
	assert.Equal(t, "alarm-panel", val)
}

func Test_HandleSetSettingPerKeyTopic(t *testing.T) {
	s, store, _ := newTestScheduler(t)

	s.handleSetSetting("pi-alarm/settings/set/siren-pin", []byte{0x11})

	val, err := store.Get("siren-pin")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x11}, val)
}

func Test_HandleCommandMessage(t *testing.T) {
	s, _, commands := newTestScheduler(t)

	s.handleCommandMessage("pi-alarm/alarm/set", []byte("ARM_AWAY"))
	cmd := <-commands
	assert.Equal(t, alarm.CmdArm, cmd.Kind)

	// Unknown payloads are logged and dropped, never forwarded.
	s.handleCommandMessage("pi-alarm/alarm/set", []byte("bogus"))
	assert.Empty(t, commands)
}

func Test_HandleRebootCommand(t *testing.T) {
	s, _, commands := newTestScheduler(t)

	restarted := false
	s.restart = func() { restarted = true }

	s.handleCommandMessage("pi-alarm/alarm/set", []byte("REBOOT"))
	assert.True(t, restarted)
	assert.Empty(t, commands)
}
