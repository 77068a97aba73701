package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gofrs/uuid"

	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/config"
)

// MessageHandler receives the topic and raw payload of an inbound message.
// Settings values can be binary, so payloads are not assumed to be text.
type MessageHandler func(topic string, payload []byte)

type MqttClient struct {
	client mqtt.Client
}

func NewMQTTClient(addr string, insecureSkipVerify bool, connectHandler func(client mqtt.Client), connectionLostHandler func(client mqtt.Client, err error), reconnectHandler func(mqtt.Client, *mqtt.ClientOptions)) MqttClient {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(addr)
	opts.CleanSession = false
	var clientID string
	u, _ := uuid.NewV4()
	clientID = u.String()
	opts.SetClientID(clientID)
	opts.TLSConfig = &tls.Config{
		InsecureSkipVerify: insecureSkipVerify,
	}
	opts.OnConnect = connectHandler
	opts.OnConnectionLost = connectionLostHandler
	opts.AutoReconnect = true
	client := mqtt.NewClient(opts)

	opts.OnReconnecting = reconnectHandler

	return MqttClient{
		client,
	}
}

func (c MqttClient) Connect() error {
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (c MqttClient) Cleanup() {
	c.client.Disconnect(250)
}

func (c MqttClient) Subscribe(topic string, handler MessageHandler) error {
	if token := c.client.Subscribe(topic, 2, func(client mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (c MqttClient) publish(topic string, payload []byte, retain bool) error {
	token := c.client.Publish(topic, 1, retain, payload)
	token.Wait()
	return token.Error()
}

func (c MqttClient) Publish(topic string, payload []byte) error {
	return c.publish(topic, payload, false)
}

// PublishRetained publishes a retained message so late subscribers see the
// latest state.
func (c MqttClient) PublishRetained(topic string, payload []byte) error {
	return c.publish(topic, payload, true)
}

// PublishAvailability sends the retained birth message.
func (c MqttClient) PublishAvailability(topic string) error {
	return c.publish(topic, []byte(config.PayloadAvailable), true)
}

// entityConfig is the discovery wire form of an entity. The variant goes in
// the topic, not the payload, and internal fields like the GPIO pin never
// leave the device.
type entityConfig struct {
	Name         string               `json:"name"`
	UniqueID     string               `json:"unique_id"`
	StateTopic   string               `json:"state_topic"`
	CommandTopic string               `json:"command_topic,omitempty"`
	Icon         string               `json:"icon,omitempty"`
	DeviceClass  string               `json:"device_class,omitempty"`
	Availability *config.Availability `json:"availability,omitempty"`
}

// PublishEntityConfig publishes the Home Assistant discovery config for an
// entity, pointing its availability at availabilityTopic.
func (c MqttClient) PublishEntityConfig(entity config.Entity, availabilityTopic string) error {
	cfg := entityConfig{
		Name:         entity.Name,
		UniqueID:     entity.UniqueID,
		StateTopic:   entity.StateTopic,
		CommandTopic: entity.CommandTopic,
		Icon:         entity.Icon,
		DeviceClass:  entity.DeviceClass,
		Availability: &config.Availability{
			PayloadAvailable:    config.PayloadAvailable,
			PayloadNotAvailable: config.PayloadNotAvailable,
			Topic:               availabilityTopic,
		},
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling entity config: %s", err)
	}
	topic := fmt.Sprintf("%s/%s/%s/config", config.DiscoveryPrefix, entity.Variant, entity.UniqueID)
	return c.publish(topic, payload, true)
}
