package main

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// EventPublisher pushes registration events to an MQTT broker so site
// dashboards can follow alignment progress live.
type EventPublisher struct {
	client mqtt.Client
	prefix string
}

// NewEventPublisher connects to the broker. Reconnection is automatic;
// publishes during an outage are dropped with a log line rather than
// blocking the engine.
func NewEventPublisher(cfg MQTTConfig) (*EventPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(mqtt.Client) {
		log.Printf("[MQTT] connected to %s", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Printf("[MQTT] connection lost: %v", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("mqtt connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}

	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "cloudreg"
	}
	return &EventPublisher{client: client, prefix: prefix}, nil
}

// Publish sends payload as JSON on prefix/topic at QoS 0. Events are
// advisory; a lost sample is fine.
func (p *EventPublisher) Publish(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[MQTT] marshal %s: %v", topic, err)
		return
	}
	full := p.prefix + "/" + topic
	token := p.client.Publish(full, 0, false, data)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("[MQTT] publish %s: %v", full, err)
		}
	}()
}

// Close disconnects after flushing in-flight messages.
func (p *EventPublisher) Close() {
	p.client.Disconnect(250)
	log.Printf("[MQTT] disconnected")
}
