// internal/collector/mqtt.go
package collector

import (
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/IRNAS/koruza-controller/internal/config"
)

// statePublisher pushes every snapshot to an MQTT topic, retained so
// late subscribers see the latest device state immediately.
type statePublisher struct {
	cfg    config.MQTTConfig
	client mqtt.Client
	logger *zap.Logger
}

func newStatePublisher(cfg config.MQTTConfig, logger *zap.Logger) (*statePublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("unable to connect to MQTT broker: %w", token.Error())
	}

	logger.Info("Connected to MQTT broker.", zap.String("broker", cfg.Broker))

	return &statePublisher{
		cfg:    cfg,
		client: client,
		logger: logger,
	}, nil
}

func (p *statePublisher) publish(snapshot Snapshot) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		p.logger.Warn("Failed to encode state snapshot.", zap.Error(err))
		return
	}

	token := p.client.Publish(p.cfg.Topic, 0, true, payload)
	token.Wait()
	if token.Error() != nil {
		p.logger.Warn("Failed to publish state snapshot.", zap.Error(token.Error()))
	}
}

func (p *statePublisher) close() {
	p.client.Disconnect(250)
}
