package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yoredale/mqtt-wunderground-publish/internal/config"
	"github.com/yoredale/mqtt-wunderground-publish/internal/weather"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	subscribeQoS = byte(0)
	eventBuffer  = 64
)

// MessageHandler receives every reading decoded from the configured topic.
type MessageHandler func(ctx context.Context, reading weather.Reading) error

// brokerClient is the subset of the paho client the listener drives.
type brokerClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// Listener subscribes to one topic and hands each message to the
// MessageHandler. Paho callbacks only enqueue events; Run applies them one at
// a time, so a message is fully handled before the next is looked at.
type Listener struct {
	client brokerClient
	cfg    config.Config
	logger *slog.Logger
	state  atomic.Int32

	events   chan Event
	stopCh   chan struct{}
	stopOnce sync.Once

	messageHandler MessageHandler
}

// SetMessageHandler sets the handler for decoded readings. Call before Run.
func (l *Listener) SetMessageHandler(handler MessageHandler) {
	l.messageHandler = handler
}

func NewListener(cfg config.Config, logger *slog.Logger) *Listener {
	l := newListener(cfg, nil, logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)

	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		if cfg.MQTTPassword != "" {
			opts.SetPassword(cfg.MQTTPassword)
		}
	} else {
		l.logger.Info("no mqtt username and password set")
	}

	// Session settings
	opts.SetCleanSession(true)

	// Reconnects are left to paho.
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	// Keepalive / timeouts
	opts.SetKeepAlive(cfg.MQTTKeepAlive)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		l.emit(Event{Kind: EventConnected})
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		l.emit(Event{Kind: EventConnectionLost, Err: err})
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		l.emit(Event{Kind: EventConnecting})
	})

	l.client = mqtt.NewClient(opts)
	return l
}

func newListener(cfg config.Config, client brokerClient, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		client: client,
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, eventBuffer),
		stopCh: make(chan struct{}),
	}
}

// State returns the current lifecycle state. Safe for concurrent use.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Run connects and processes events until ctx is done. Broker and upload
// failures are logged, never returned.
func (l *Listener) Run(ctx context.Context) error {
	defer l.stop()

	l.step(ctx, Event{Kind: EventConnecting})
	l.logger.Info("connecting to broker", "broker", l.cfg.MQTTBroker, "port", l.cfg.MQTTPort)

	token := l.client.Connect()
	go func() {
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				l.logger.Error("mqtt connect failed", "broker", l.cfg.MQTTBroker, "error", err)
			}
		case <-l.stopCh:
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-l.events:
			l.step(ctx, ev)
		}
	}
}

func (l *Listener) step(ctx context.Context, ev Event) {
	prev := l.State()
	next, actions := Transition(prev, ev, l.cfg.Topic)
	if prev != next {
		l.logger.Debug("listener state", "from", prev.String(), "to", next.String(), "event", ev.Kind.String())
	}

	switch ev.Kind {
	case EventConnected:
		l.logger.Info("connected to broker", "broker", l.cfg.MQTTBroker, "port", l.cfg.MQTTPort)
	case EventConnectionLost:
		l.logger.Warn("mqtt connection lost", "error", ev.Err)
	case EventSubscribed:
		l.logger.Info("subscribed, acknowledged by broker", "topic", l.cfg.Topic, "qos", ev.QoS)
	case EventSubscribeFailed:
		l.logger.Error("subscribe failed", "topic", l.cfg.Topic, "error", ev.Err)
	}
	l.state.Store(int32(next))

	for _, a := range actions {
		switch a.Kind {
		case ActionSubscribe:
			l.subscribe(a.Topic)
		case ActionHandle:
			l.handleMessage(ctx, a.Topic, a.Payload)
			l.step(ctx, Event{Kind: EventHandled, Topic: a.Topic})
		case ActionIgnore:
			l.logger.Debug("ignoring message on unexpected topic", "topic", a.Topic)
		}
	}
}

// subscribe does not wait for the SUBACK; the outcome comes back as an event.
func (l *Listener) subscribe(topic string) {
	l.logger.Info("subscribing", "topic", topic)
	token := l.client.Subscribe(topic, subscribeQoS, l.onMessage)
	go func() {
		select {
		case <-token.Done():
		case <-l.stopCh:
			return
		}
		if err := token.Error(); err != nil {
			l.emit(Event{Kind: EventSubscribeFailed, Topic: topic, Err: err})
			return
		}
		qos := subscribeQoS
		if st, ok := token.(*mqtt.SubscribeToken); ok {
			if granted, ok := st.Result()[topic]; ok {
				qos = granted
			}
		}
		l.emit(Event{Kind: EventSubscribed, Topic: topic, QoS: qos})
	}()
}

func (l *Listener) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	l.emit(Event{Kind: EventMessage, Topic: msg.Topic(), Payload: payload})
}

func (l *Listener) handleMessage(ctx context.Context, topic string, payload []byte) {
	l.logger.Info("received message", "topic", topic, "payload", string(payload))

	reading, err := weather.DecodeReading(payload, l.cfg.Variant)
	if err != nil {
		l.logger.Warn("dropping message",
			"topic", topic,
			"payload", string(payload),
			"error", err,
		)
		return
	}

	if l.messageHandler == nil {
		l.logger.Warn("no message handler set", "topic", topic)
		return
	}

	if err := l.messageHandler(ctx, reading); err != nil {
		l.logger.Error("message handler failed",
			"topic", topic,
			"error", err,
		)
		return
	}
	l.logger.Debug("processed message", "topic", topic)
}

// emit hands an event to Run. It gives up once the listener has stopped so
// paho callbacks never block forever.
func (l *Listener) emit(ev Event) {
	select {
	case l.events <- ev:
	case <-l.stopCh:
	}
}

func (l *Listener) stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })

	if st := l.State(); st == StateSubscribed || st == StateHandling {
		token := l.client.Unsubscribe(l.cfg.Topic)
		if !token.WaitTimeout(2 * time.Second) {
			l.logger.Warn("unsubscribe timed out", "topic", l.cfg.Topic)
		} else if err := token.Error(); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
			l.logger.Warn("unsubscribe failed", "topic", l.cfg.Topic, "error", err)
		}
	}

	l.client.Disconnect(250)
	l.state.Store(int32(StateDisconnected))
	l.logger.Info("mqtt listener disconnected")
}
