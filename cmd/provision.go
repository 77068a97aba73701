package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/alarm"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/config"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/flash"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/settings"
)

var seedFilePath string

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Erase the settings partition and seed it from a file",
	Long: `Erase the settings partition, write the format marker, and seed the
settings listed in the seed file. Destructive: every existing record is lost.`,
	Run: func(cmd *cobra.Command, args []string) {
		runProvision()
	},
}

func init() {
	provisionCmd.Flags().StringVar(&seedFilePath, "seed", "", "path to the JSON seed file")
	provisionCmd.MarkFlagRequired("seed")
	rootCmd.AddCommand(provisionCmd)
}

// seedFile is the provisioning input. Absent fields are skipped; the alarm
// loop falls back to defaults for its own settings.
type seedFile struct {
	SirenPin       *uint8            `json:"siren_pin"`
	MotionEntities []config.Entity   `json:"motion_entities"`
	AlarmEntity    *config.Entity    `json:"alarm_entity"`
	AlarmSettings  *alarm.Settings   `json:"alarm_settings"`
	Strings        map[string]string `json:"strings"`
}

func runProvision() {
	l, _ := zap.NewProduction()
	logger := l.Sugar().Named("pi_alarm_provision")
	defer logger.Sync()

	raw, err := os.ReadFile(seedFilePath)
	if err != nil {
		logger.Fatalf("error reading seed file: %s", err)
	}
	var seed seedFile
	if err := json.Unmarshal(raw, &seed); err != nil {
		logger.Fatalf("error parsing seed file: %s", err)
	}

	flashPath := viper.GetString("FLASH_PATH")
	if flashPath == "" {
		flashPath = defaultFlashPath
	}
	flashSize := viper.GetUint32("FLASH_SIZE")
	if flashSize == 0 {
		flashSize = defaultFlashSize
	}

	device, err := flash.OpenFile(flashPath, flashSize)
	if err != nil {
		logger.Fatalf("error opening flash partition: %s", err)
	}
	defer device.Close()

	uninit, err := settings.New(device, 0, flashSize, settingsBufLen, logger.Named("settings"))
	if err != nil {
		logger.Fatalf("error creating settings store: %s", err)
	}
	store, err := uninit.Reset()
	if err != nil {
		logger.Fatalf("error resetting settings partition: %s", err)
	}
	defer store.Close()
	logger.Infof("partition reset, format marker %q written", settings.FormatMarker)

	buf := make([]byte, settingsBufLen)

	if seed.SirenPin != nil {
		seedSet(logger, config.KeySirenPin, store.Set(config.KeySirenPin, []byte{*seed.SirenPin}))
	}
	if seed.MotionEntities != nil {
		seedSet(logger, config.KeyMotionEntities, store.SetStructured(config.KeyMotionEntities, seed.MotionEntities, buf))
	}
	if seed.AlarmEntity != nil {
		seedSet(logger, config.KeyAlarmEntity, store.SetStructured(config.KeyAlarmEntity, seed.AlarmEntity, buf))
	}
	if seed.AlarmSettings != nil {
		seedSet(logger, config.KeyAlarmSettings, store.SetStructured(config.KeyAlarmSettings, seed.AlarmSettings, buf))
	}
	for key, val := range seed.Strings {
		seedSet(logger, key, store.Set(key, []byte(val)))
	}

	logger.Info("provisioning complete")
}

func seedSet(logger *zap.SugaredLogger, key string, err error) {
	if err != nil {
		logger.Fatalf("error seeding setting %s: %s", key, err)
	}
	logger.Infof("seeded setting: %s", key)
}
