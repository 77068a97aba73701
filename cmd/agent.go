package cmd

import (
	"os"
	"os/signal"
	"syscall"

	mqttC "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/alarm"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/config"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/flash"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/gpio"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/mqtt"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/queue"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/scheduler"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/settings"
)

var (
	logger  *zap.SugaredLogger
	version = "unknown"
)

const (
	defaultFlashPath = "/var/lib/pi-alarm/settings.bin"
	defaultFlashSize = 0x10000

	// settingsBufLen bounds the largest value the store can hold; the
	// motion entity list is the biggest record by far.
	settingsBufLen = 4096

	commandChannelDepth = 16
)

func runAgent() {
	l, _ := zap.NewProduction()
	logger = l.Sugar().Named("pi_alarm_agent")
	defer logger.Sync()
	logger.Infof("Running agent version: %s", version)

	if err := settings.VerifyUniqueKeys(config.Keys); err != nil {
		logger.Fatalf("setting key registry is not collision free: %s", err)
	}

	agentConfig := config.AgentConfig{
		FlashPath:          viper.GetString("FLASH_PATH"),
		FlashSize:          viper.GetUint32("FLASH_SIZE"),
		MockMode:           viper.GetBool("MOCK_MODE"),
		InsecureSkipVerify: viper.GetBool("INSECURE_SKIP_VERIFY"),
		Version:            version,
	}
	if agentConfig.FlashPath == "" {
		agentConfig.FlashPath = defaultFlashPath
	}
	if agentConfig.FlashSize == 0 {
		agentConfig.FlashSize = defaultFlashSize
	}

	device, err := flash.OpenFile(agentConfig.FlashPath, agentConfig.FlashSize)
	if err != nil {
		logger.Fatalf("error opening flash partition: %s", err)
	}

	uninit, err := settings.New(device, 0, agentConfig.FlashSize, settingsBufLen, logger.Named("settings"))
	if err != nil {
		logger.Fatalf("error creating settings store: %s", err)
	}
	store, err := uninit.Open()
	if err != nil {
		logger.Fatalf("error initializing settings store, partition must be provisioned: %s", err)
	}

	sirenPinBytes, err := store.Get(config.KeySirenPin)
	if err != nil {
		logger.Fatalf("`%s` is not defined in settings, but is required: %s", config.KeySirenPin, err)
	}
	if len(sirenPinBytes) != 1 {
		logger.Fatalf("`%s` must be a single byte, got %d", config.KeySirenPin, len(sirenPinBytes))
	}
	sirenPin := int(sirenPinBytes[0])

	var motionEntities []config.Entity
	if err := store.GetStructured(config.KeyMotionEntities, &motionEntities); err != nil {
		logger.Fatalf("`%s` is not defined in settings, but is required: %s", config.KeyMotionEntities, err)
	}
	logger.Infof("loaded motion entities: %+v", motionEntities)

	var alarmEntity config.Entity
	if err := store.GetStructured(config.KeyAlarmEntity, &alarmEntity); err != nil {
		logger.Fatalf("`%s` is not defined in settings, but is required: %s", config.KeyAlarmEntity, err)
	}
	logger.Infof("loaded alarm entity: %+v", alarmEntity)

	availabilityTopic := requiredString(store, config.KeyAvailabilityTopic)
	settingsTopicPrefix := requiredString(store, config.KeySettingsTopicPrefix)
	mqttEndpoint := requiredString(store, config.KeyMqttEndpoint)

	siren := gpio.NewOutputPin(sirenPin, agentConfig.MockMode)
	siren.Set(false)

	var panelMotion []*alarm.MotionEntity
	for _, entity := range motionEntities {
		if entity.GPIOPin == nil {
			continue
		}
		panelMotion = append(panelMotion, &alarm.MotionEntity{
			Entity: entity,
			Pin:    gpio.NewInputPin(int(*entity.GPIOPin), agentConfig.MockMode),
		})
	}

	events := queue.New[alarm.Event]()
	commands := make(chan alarm.Command, commandChannelDepth)

	mosquittoClient := mqtt.NewMQTTClient(mqttEndpoint, agentConfig.InsecureSkipVerify, func(client mqttC.Client) {
		logger.Info("Connected to mqtt broker")
	}, func(client mqttC.Client, err error) {
		logger.Warnf("Connection to mqtt broker lost: %v", err)
	}, func(mqttC.Client, *mqttC.ClientOptions) {
		logger.Info("Agent client is reconnecting")
	})
	if err := mosquittoClient.Connect(); err != nil {
		logger.Fatalf("error connecting to mqtt broker: %s", err)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logger.Info("SIGTERM received, cleaning up")
		mosquittoClient.Cleanup()
		gpio.Cleanup()
		store.Close()
		device.Close()
		os.Exit(0)
	}()

	panel := alarm.NewPanel(alarmEntity, panelMotion, siren, events, commands, store, logger.Named("alarm"))
	sched := scheduler.New(mosquittoClient, motionEntities, alarmEntity, events, commands, store, scheduler.Config{
		AvailabilityTopic:   availabilityTopic,
		SettingsTopicPrefix: settingsTopicPrefix,
	}, logger.Named("scheduler"))

	// Workers run forever. Any exit means the control path is broken, and
	// the only safe remedy is a full restart by the service manager.
	done := make(chan string, 2)
	spawnWorker("alarm", panel.Run, done)
	spawnWorker("scheduler", sched.Run, done)

	name := <-done
	logger.Fatalf("worker %s exited, restarting", name)
}

func spawnWorker(name string, run func(), done chan<- string) {
	logger.Infof("spawning worker: %s", name)
	go func() {
		defer func() { done <- name }()
		run()
	}()
}

func requiredString(store *settings.Store, key string) string {
	val, err := store.GetString(key)
	if err != nil {
		logger.Fatalf("`%s` is not defined in settings, but is required: %s", key, err)
	}
	return val
}
