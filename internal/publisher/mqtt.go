package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/jgoulah/dompoller/internal/config"
	"github.com/jgoulah/dompoller/pkg/models"
)

// MQTTPublisher publishes snapshot sensor states to an MQTT broker. Each
// sensor value goes to its own retained topic so Home Assistant picks up the
// latest state on reconnect.
type MQTTPublisher struct {
	client      mqtt.Client
	topicPrefix string
}

// NewMQTT creates a publisher connected to the configured broker
func NewMQTT(cfg config.MQTTConfig, topicPrefix string) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address is required")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID("dompoller")
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker: %w", token.Error())
	}

	return &MQTTPublisher{
		client:      client,
		topicPrefix: topicPrefix,
	}, nil
}

// sensorPayload is the JSON state document published per sensor topic
type sensorPayload struct {
	State     float64 `json:"state"`
	Available bool    `json:"available"`
	UpdatedAt string  `json:"updated_at"`
}

// PublishSnapshot publishes every sensor value derived from the snapshot.
// All values come from the same refresh cycle, so a consumer subscribing to
// the retained topics never mixes data from different fetches.
func (p *MQTTPublisher) PublishSnapshot(ctx context.Context, account string, snap models.Snapshot) error {
	updatedAt := snap.FetchedAt.Format(time.RFC3339)

	// daily_usage and daily_cost go unavailable until the source marks
	// yesterday final, so the sensors never present a partial total
	dailyFinal := snap.Yesterday != nil

	states := map[string]sensorPayload{
		"latest_interval_usage": {State: snap.LatestKWh(), Available: snap.Latest != nil, UpdatedAt: updatedAt},
		"monthly_usage":         {State: snap.MonthKWh, Available: true, UpdatedAt: updatedAt},
		"daily_cost":            {State: snap.DailyCost, Available: dailyFinal, UpdatedAt: updatedAt},
		"monthly_cost":          {State: snap.MonthlyCost, Available: true, UpdatedAt: updatedAt},
		"effective_rate":        {State: snap.EffectiveRate, Available: snap.RateAvailable, UpdatedAt: updatedAt},
	}
	daily := sensorPayload{Available: dailyFinal, UpdatedAt: updatedAt}
	if dailyFinal {
		daily.State = snap.Yesterday.KWh
	}
	states["daily_usage"] = daily
	if snap.Billing != nil && snap.Billing.Last != nil {
		states["last_bill_usage"] = sensorPayload{State: snap.Billing.Last.KWh, Available: true, UpdatedAt: updatedAt}
		states["last_bill_charges"] = sensorPayload{State: snap.Billing.Last.Charges, Available: true, UpdatedAt: updatedAt}
	}
	if snap.Billing != nil && snap.Billing.Current != nil {
		states["current_period_usage"] = sensorPayload{State: snap.Billing.Current.KWh, Available: true, UpdatedAt: updatedAt}
	}

	for key, payload := range states {
		if err := ctx.Err(); err != nil {
			return err
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding %s payload: %w", key, err)
		}

		topic := fmt.Sprintf("%s/%s/%s/state", p.topicPrefix, account, key)
		token := p.client.Publish(topic, 0, true, body)
		if token.Wait() && token.Error() != nil {
			return fmt.Errorf("publishing %s: %w", topic, token.Error())
		}
	}

	return nil
}

// Close disconnects from the MQTT broker
func (p *MQTTPublisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
