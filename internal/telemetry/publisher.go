// Package telemetry periodically publishes dispatcher statistics to an
// MQTT broker, grounded on internal/mqtt/publisher.go's connection
// management (Eclipse Paho v2's autopaho for automatic reconnection,
// a will message for availability tracking) with the discovery/device
// machinery dropped: this package publishes one stats payload, not a
// fleet of Home Assistant sensor entities.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/brightloop/dispatchcore/internal/config"
	"github.com/brightloop/dispatchcore/internal/dispatch"
)

// StatsSource provides the snapshot telemetry publishes. Satisfied by
// *dispatch.Manager.
type StatsSource interface {
	Stats() dispatch.Stats
}

// Publisher connects to an MQTT broker and publishes a dispatch.Stats
// snapshot on a fixed interval until stopped.
type Publisher struct {
	cfg      config.TelemetryConfig
	clientID string
	stats    StatsSource
	logger   *slog.Logger

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call Start to begin
// the connection and publish loop.
func New(cfg config.TelemetryConfig, clientID string, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, clientID: clientID, stats: stats, logger: logger}
}

func (p *Publisher) statsTopic() string {
	return p.cfg.TopicPrefix
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse telemetry broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("telemetry connected to broker", "broker", p.cfg.BrokerURL)
			publishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			p.publishAvailability(publishCtx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("telemetry connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("telemetry connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("telemetry initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects, publishing an "offline" availability
// message first. ctx controls how long to wait for that to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

func (p *Publisher) runLoop(ctx context.Context) {
	const minInterval = 5 * time.Second
	interval := time.Duration(p.cfg.IntervalSecs) * time.Second
	if interval <= 0 {
		interval = minInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStats(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStats(ctx)
		}
	}
}

func (p *Publisher) publishStats(ctx context.Context) {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return
	}

	payload, err := json.Marshal(p.stats.Stats())
	if err != nil {
		p.logger.Error("telemetry marshal stats", "error", err)
		return
	}

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.statsTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("telemetry publish failed", "error", err)
		return
	}
	p.logger.Debug("telemetry stats published", "bytes", len(payload))
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("telemetry availability publish failed", "status", status, "error", err)
	}
}
