package config

const (
	PayloadAvailable    = "online"
	PayloadNotAvailable = "offline"

	VariantBinarySensor      = "binary_sensor"
	VariantAlarmControlPanel = "alarm_control_panel"

	// DiscoveryPrefix is the Home Assistant MQTT discovery namespace under
	// which entity config messages are published.
	DiscoveryPrefix = "homeassistant"
)

// Settings store keys read and written by the agent. Registered here so the
// hash uniqueness of the full key set can be checked in one place.
const (
	KeyAlarmSettings       = "alarm-settings"
	KeyPersistedAlarmState = "persisted-alarm-state"
	KeySirenPin            = "siren-pin"
	KeyMotionEntities      = "motion-entities"
	KeyAlarmEntity         = "alarm-entity"
	KeyAvailabilityTopic   = "availability-topic"
	KeySettingsTopicPrefix = "settings-topic-prefix"
	KeyMqttEndpoint        = "mqtt-endpoint"
	KeyHostname            = "hostname"
)

// Keys is the registry of every setting key the agent owns.
var Keys = []string{
	KeyAlarmSettings,
	KeyPersistedAlarmState,
	KeySirenPin,
	KeyMotionEntities,
	KeyAlarmEntity,
	KeyAvailabilityTopic,
	KeySettingsTopicPrefix,
	KeyMqttEndpoint,
	KeyHostname,
}

// Entity is a Home Assistant entity binding. Motion sensors carry a GPIO
// pin; the alarm panel entity carries a command topic instead. The discovery
// wire form lives in the mqtt package; this struct is what provisioning
// seeds and the settings store persists.
type Entity struct {
	Name         string `json:"name" cbor:"name"`
	Variant      string `json:"variant" cbor:"variant"`
	UniqueID     string `json:"unique_id" cbor:"unique_id"`
	StateTopic   string `json:"state_topic" cbor:"state_topic"`
	CommandTopic string `json:"command_topic,omitempty" cbor:"command_topic,omitempty"`
	Icon         string `json:"icon,omitempty" cbor:"icon,omitempty"`
	DeviceClass  string `json:"device_class,omitempty" cbor:"device_class,omitempty"`
	GPIOPin      *uint8 `json:"gpio_pin,omitempty" cbor:"gpio_pin,omitempty"`
}

// Availability is the discovery availability block pointing consumers at the
// agent's birth/last-will topic.
type Availability struct {
	PayloadAvailable    string `json:"payload_available,omitempty"`
	PayloadNotAvailable string `json:"payload_not_available,omitempty"`
	Topic               string `json:"topic"`
}

// AgentConfig is the bootstrap configuration read from the environment. It
// only locates the flash partition and identifies the agent; everything that
// can change at runtime lives in the settings store.
type AgentConfig struct {
	FlashPath          string
	FlashSize          uint32
	MockMode           bool
	InsecureSkipVerify bool
	Version            string
}
