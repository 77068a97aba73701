// Package scheduler bridges the network to the alarm loop: it maps inbound
// MQTT command payloads onto the command channel, applies remote settings
// updates, and drains the outward event queue to Home Assistant topics.
package scheduler

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/alarm"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/config"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/mqtt"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/queue"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/settings"
)

// maxSettingKeyLen bounds the key portion of a remote set-setting payload.
const maxSettingKeyLen = 32

// drainPeriod is how often the event queue is polled.
const drainPeriod = 250 * time.Millisecond

var errInvalidSetPayload = errors.New("scheduler: invalid settings set payload")

type Config struct {
	AvailabilityTopic   string
	SettingsTopicPrefix string
}

type Scheduler struct {
	client         mqtt.MqttClient
	motionEntities []config.Entity
	alarmEntity    config.Entity
	events         *queue.Queue[alarm.Event]
	commands       chan<- alarm.Command
	store          *settings.Store
	cfg            Config
	logger         *zap.SugaredLogger

	// restart terminates the process on a remote REBOOT command. The
	// service manager starts a fresh instance.
	restart func()
}

func New(client mqtt.MqttClient, motionEntities []config.Entity, alarmEntity config.Entity, events *queue.Queue[alarm.Event], commands chan<- alarm.Command, store *settings.Store, cfg Config, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		client:         client,
		motionEntities: motionEntities,
		alarmEntity:    alarmEntity,
		events:         events,
		commands:       commands,
		store:          store,
		cfg:            cfg,
		logger:         logger,
		restart:        func() { os.Exit(0) },
	}
}

// Run initializes the MQTT surface and then drains the event queue forever.
// An initialization error logs and retries; the broker connection itself is
// repaired by the client's auto-reconnect.
func (s *Scheduler) Run() {
	for {
		if err := s.initMQTT(); err != nil {
			s.logger.Errorf("error initializing mqtt surface: %s", err)
			s.logger.Info("restarting scheduler...")
			time.Sleep(5 * time.Second)
			continue
		}
		s.drainLoop()
	}
}

// initMQTT publishes discovery configs and the birth message and subscribes
// to the command and settings topics.
func (s *Scheduler) initMQTT() error {
	for _, entity := range s.motionEntities {
		if err := s.client.PublishEntityConfig(entity, s.cfg.AvailabilityTopic); err != nil {
			return fmt.Errorf("publishing config for %s: %w", entity.UniqueID, err)
		}
	}
	if err := s.client.PublishEntityConfig(s.alarmEntity, s.cfg.AvailabilityTopic); err != nil {
		return fmt.Errorf("publishing config for %s: %w", s.alarmEntity.UniqueID, err)
	}

	if err := s.client.PublishAvailability(s.cfg.AvailabilityTopic); err != nil {
		return fmt.Errorf("sending birth message: %w", err)
	}

	if s.alarmEntity.CommandTopic == "" {
		return errors.New("alarm entity has no command topic")
	}
	if err := s.client.Subscribe(s.alarmEntity.CommandTopic, s.handleCommandMessage); err != nil {
		return fmt.Errorf("subscribing to command topic: %w", err)
	}

	setTopic := s.cfg.SettingsTopicPrefix + "/set"
	if err := s.client.Subscribe(setTopic, s.handleSetSetting); err != nil {
		return fmt.Errorf("subscribing to settings topic: %w", err)
	}
	if err := s.client.Subscribe(setTopic+"/+", s.handleSetSetting); err != nil {
		return fmt.Errorf("subscribing to per-key settings topic: %w", err)
	}

	return nil
}

// drainLoop forwards at most one queued alarm event per cycle. TryPop skips
// the cycle when the alarm loop holds the queue lock.
func (s *Scheduler) drainLoop() {
	for {
		if event, ok := s.events.TryPop(); ok {
			if err := s.publishEvent(event); err != nil {
				s.logger.Errorf("error publishing alarm event: %s", err)
			}
		}
		time.Sleep(drainPeriod)
	}
}

func (s *Scheduler) publishEvent(event alarm.Event) error {
	switch event.Kind {
	case alarm.EventMotionDetected:
		return s.client.PublishRetained(event.Entity.StateTopic, []byte("ON"))
	case alarm.EventMotionCleared:
		return s.client.PublishRetained(event.Entity.StateTopic, []byte("OFF"))
	case alarm.EventStateChanged:
		return s.client.PublishRetained(event.Entity.StateTopic, []byte(StatePayload(event.State)))
	}
	return nil
}

func (s *Scheduler) handleCommandMessage(topic string, payload []byte) {
	cmd, ok := ParseCommand(string(payload))
	if !ok {
		if strings.EqualFold(string(payload), "REBOOT") {
			s.logger.Info("received reboot command, exiting for restart")
			s.restart()
			return
		}
		s.logger.Warnf("unknown command: %s", payload)
		return
	}
	s.commands <- cmd
}

func (s *Scheduler) handleSetSetting(topic string, payload []byte) {
	var key string
	var val []byte
	var err error

	setTopic := s.cfg.SettingsTopicPrefix + "/set"
	if topic == setTopic {
		key, val, err = SplitSetPayload(payload)
		if err != nil {
			s.logger.Errorf("invalid settings set command: %s", err)
			return
		}
	} else if strings.HasPrefix(topic, setTopic+"/") {
		key = strings.TrimPrefix(topic, setTopic+"/")
		val = payload
	} else {
		return
	}

	if utf8.ValidString(string(val)) {
		s.logger.Infof("mqtt set setting %s to %s", key, val)
	} else {
		s.logger.Infof("mqtt set setting %s to <binary of %d byte(s)>", key, len(val))
	}

	if err := s.store.Set(key, val); err != nil {
		s.logger.Errorf("failed to set setting %s: %s", key, err)
	}
}

// ParseCommand maps a Home Assistant alarm command payload to an alarm
// command. The second return is false for unrecognized payloads.
func ParseCommand(payload string) (alarm.Command, bool) {
	switch strings.ToUpper(payload) {
	case "ARM_AWAY":
		return alarm.Command{Kind: alarm.CmdArm}, true
	case "ARM_CUSTOM_BYPASS":
		return alarm.Command{Kind: alarm.CmdArmInstantly}, true
	case "DISARM":
		return alarm.Command{Kind: alarm.CmdDisarm}, true
	case "PENDING":
		return alarm.Command{Kind: alarm.CmdManualPending}, true
	case "TRIGGER":
		return alarm.Command{Kind: alarm.CmdManualTrigger}, true
	case "UNTRIGGER":
		return alarm.Command{Kind: alarm.CmdUntrigger}, true
	}
	return alarm.Command{}, false
}

// SplitSetPayload splits a "<key>\x00<value>" settings payload. The key must
// be UTF-8 and at most maxSettingKeyLen bytes; the value may be binary.
func SplitSetPayload(payload []byte) (string, []byte, error) {
	key, val, found := bytes.Cut(payload, []byte{0})
	if !found {
		return "", nil, fmt.Errorf("no null byte separating key and value: %w", errInvalidSetPayload)
	}
	if len(key) > maxSettingKeyLen {
		return "", nil, fmt.Errorf("key too large: %d (%d at max): %w", len(key), maxSettingKeyLen, errInvalidSetPayload)
	}
	if !utf8.Valid(key) {
		return "", nil, fmt.Errorf("key is not an UTF-8 string: %w", errInvalidSetPayload)
	}
	return string(key), val, nil
}

// StatePayload maps an alarm state to the Home Assistant alarm panel state
// vocabulary.
func StatePayload(s alarm.State) string {
	switch s.Kind {
	case alarm.Disarmed:
		return "disarmed"
	case alarm.Arming:
		return "arming"
	case alarm.Armed:
		return "armed_away"
	case alarm.Pending:
		return "pending"
	case alarm.Triggered:
		return "triggered"
	}
	return "unknown"
}
