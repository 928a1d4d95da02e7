package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/tutorbot/tutorbot/internal/buildinfo"
	"github.com/tutorbot/tutorbot/internal/config"
	"github.com/tutorbot/tutorbot/internal/tutor"
)

// eventBuffer bounds the number of turn events waiting to be published.
const eventBuffer = 64

// StatsSource provides runtime data for the periodic state publish. The
// concrete adapter is wired in main.go.
type StatsSource interface {
	// Model returns the configured LLM model name.
	Model() string
	// ActiveSessions returns the count of live student sessions.
	ActiveSessions() int
}

type publishFunc func(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error

// Publisher manages the MQTT connection, forwards completed turns to
// the broker and runs a periodic loop that pushes runtime state. It
// implements [tutor.TurnObserver].
type Publisher struct {
	cfg    config.MQTTConfig
	daily  *DailyTotals
	stats  StatsSource
	logger *slog.Logger
	events chan tutor.TurnEvent

	mu      sync.RWMutex
	cm      *autopaho.ConnectionManager
	publish publishFunc
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. Turns observed before Start
// are buffered.
func New(cfg config.MQTTConfig, daily *DailyTotals, stats StatsSource, logger *slog.Logger) *Publisher {
	if daily == nil {
		daily = NewDailyTotals(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:    cfg,
		daily:  daily,
		stats:  stats,
		logger: logger,
		events: make(chan tutor.TurnEvent, eventBuffer),
	}
}

// Start connects to the MQTT broker and begins the publish loop. It
// blocks until ctx is cancelled. On every (re-)connect it publishes a
// birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	if p.publish == nil {
		p.publish = connPublisher(cm)
	}
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes an "offline" availability message and closes the
// connection. ctx bounds both steps.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.RLock()
	cm := p.cm
	p.mu.RUnlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, "offline")
	return cm.Disconnect(ctx)
}

// TurnCompleted counts the turn and queues the event for
// publishing. It never blocks; events are dropped when the queue is
// full.
func (p *Publisher) TurnCompleted(_ context.Context, ev tutor.TurnEvent) {
	p.daily.Record(ev)
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("mqtt turn event dropped, queue full", "turn_id", ev.TurnID)
	}
}

func connPublisher(cm *autopaho.ConnectionManager) publishFunc {
	return func(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
		_, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     qos,
			Retain:  retain,
		})
		return err
	}
}

func (p *Publisher) send(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	p.mu.RLock()
	pub := p.publish
	p.mu.RUnlock()
	if pub == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return pub(ctx, topic, payload, qos, retain)
}

// --- Topic helpers ---

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) turnsTopic() string {
	return p.cfg.TopicPrefix + "/turns"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.cfg.TopicPrefix + "/" + entity + "/state"
}

func (p *Publisher) publishAvailability(ctx context.Context, status string) {
	if err := p.send(ctx, p.availabilityTopic(), []byte(status), 1, true); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

// --- Publish loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			p.publishTurn(ctx, ev)
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

func (p *Publisher) publishTurn(ctx context.Context, ev tutor.TurnEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("mqtt turn marshal failed", "turn_id", ev.TurnID, "error", err)
		return
	}
	if err := p.send(ctx, p.turnsTopic(), payload, 0, false); err != nil {
		p.logger.Warn("mqtt turn publish failed", "turn_id", ev.TurnID, "error", err)
	}
}

// states returns the current value of every published entity.
func (p *Publisher) states() map[string]string {
	today := p.daily.Today()
	states := map[string]string{
		"uptime":         buildinfo.Uptime().String(),
		"version":        buildinfo.Version,
		"tokens_today":   strconv.FormatInt(today.InputTokens+today.OutputTokens, 10),
		"turns_today":    strconv.FormatInt(today.Turns, 10),
		"exceeded_today": strconv.FormatInt(today.Exceeded, 10),
	}
	if p.stats != nil {
		states["model"] = p.stats.Model()
		states["active_sessions"] = strconv.Itoa(p.stats.ActiveSessions())
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	for entity, value := range p.states() {
		if err := p.send(ctx, p.stateTopic(entity), []byte(value), 0, true); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
}
