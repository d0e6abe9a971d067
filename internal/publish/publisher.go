// Package publish mirrors workout telemetry and results onto an MQTT broker
// as JSON.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nford88/hybrid-workout-ftms/internal/ftms"
	"github.com/nford88/hybrid-workout-ftms/internal/go_func_utils"
	"github.com/nford88/hybrid-workout-ftms/internal/workout"
)

const (
	DefaultTopicPrefix    = "hybrid-workout"
	DefaultPublishTimeout = 5 * time.Second
	queueSize             = 256
)

// Client is the part of mqtt.Client the publisher uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	PublishTimeout time.Duration
}

// Dial connects to the broker described by cfg.
func Dial(cfg Config, logger *log.Logger) (mqtt.Client, error) {
	if logger == nil {
		panic("MQTT: logger cannot be nil")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Println("MQTT: Connection established")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Printf("MQTT: Connection lost: %v", err)
	})
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	logger.Println("MQTT: Connected to broker:", cfg.Broker)
	return client, nil
}

type message struct {
	topic    string
	retained bool
	payload  any
}

// Publisher queues messages and publishes them from one goroutine so
// telemetry callbacks never wait on the broker.
type Publisher struct {
	client  Client
	prefix  string
	qos     byte
	timeout time.Duration
	logger  *log.Logger

	queue chan message
	wg    sync.WaitGroup

	mu      sync.Mutex
	dropped int
}

func NewPublisher(client Client, cfg Config, logger *log.Logger) *Publisher {
	if logger == nil {
		panic("MQTT Publisher: logger cannot be nil")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	return &Publisher{
		client:  client,
		prefix:  strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:     cfg.QoS,
		timeout: cfg.PublishTimeout,
		logger:  logger,
		queue:   make(chan message, queueSize),
	}
}

// Start publishes queued messages until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go_func_utils.SafeGo(p.logger, func() {
		defer p.wg.Done()
		p.logger.Println("MQTT Publisher: Starting...")
		for {
			select {
			case <-ctx.Done():
				p.drain()
				p.logger.Println("MQTT Publisher: Context cancelled, shutting down...")
				return
			case m := <-p.queue:
				if err := p.publish(m); err != nil {
					p.logger.Printf("MQTT Publisher: %v", err)
				}
			}
		}
	})
}

// Wait blocks until the publishing goroutine has exited.
func (p *Publisher) Wait() {
	p.wg.Wait()
}

func (p *Publisher) drain() {
	for {
		select {
		case m := <-p.queue:
			if err := p.publish(m); err != nil {
				p.logger.Printf("MQTT Publisher: %v", err)
			}
		default:
			return
		}
	}
}

func (p *Publisher) publish(m message) error {
	payload, err := json.Marshal(m.payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", m.topic, err)
	}
	token := p.client.Publish(m.topic, p.qos, m.retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("timed out publishing to %s", m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", m.topic, err)
	}
	return nil
}

// enqueue drops m when the queue is full.
func (p *Publisher) enqueue(m message) {
	select {
	case p.queue <- m:
	default:
		p.mu.Lock()
		p.dropped++
		n := p.dropped
		p.mu.Unlock()
		if n == 1 || n%100 == 0 {
			p.logger.Printf("MQTT Publisher: queue full, %d messages dropped", n)
		}
	}
}

func (p *Publisher) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *Publisher) Topic(name string) string {
	return p.prefix + "/" + name
}

func (p *Publisher) PublishTelemetry(s ftms.Sample) {
	p.enqueue(message{topic: p.Topic("telemetry"), payload: s})
}

func (p *Publisher) PublishState(e workout.StateEvent) {
	p.enqueue(message{topic: p.Topic("state"), retained: true, payload: e})
}

func (p *Publisher) PublishStepSummary(s workout.StepSummary) {
	p.enqueue(message{topic: p.Topic("step"), payload: s})
}

func (p *Publisher) PublishSummary(s workout.Summary) {
	p.enqueue(message{topic: p.Topic("summary"), retained: true, payload: s})
}

// TelemetrySource is satisfied by *ftms.Session.
type TelemetrySource interface {
	OnTelemetry(fn func(ftms.Sample)) func()
}

// WorkoutSource is satisfied by *workout.Scheduler.
type WorkoutSource interface {
	OnState(fn func(workout.StateEvent)) func()
	OnStepSummary(fn func(workout.StepSummary)) func()
	OnSummary(fn func(workout.Summary)) func()
}

// Attach subscribes p to the given sources. Either may be nil. The
// returned function removes every subscription.
func (p *Publisher) Attach(telemetry TelemetrySource, w WorkoutSource) func() {
	var unsubs []func()
	if telemetry != nil {
		unsubs = append(unsubs, telemetry.OnTelemetry(p.PublishTelemetry))
	}
	if w != nil {
		unsubs = append(unsubs,
			w.OnState(p.PublishState),
			w.OnStepSummary(p.PublishStepSummary),
			w.OnSummary(p.PublishSummary),
		)
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
