package mqtt

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yoredale/mqtt-wunderground-publish/internal/config"
	"github.com/yoredale/mqtt-wunderground-publish/internal/weather"
	"github.com/yoredale/mqtt-wunderground-publish/internal/wunderground"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// captureHandler records log records for assertion in tests.
type captureHandler struct {
	mu   sync.Mutex
	msgs []string
}

func (h *captureHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, r.Message)
	return nil
}

func (h *captureHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }

func (h *captureHandler) WithGroup(_ string) slog.Handler { return h }

func (h *captureHandler) count(msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.msgs {
		if m == msg {
			n++
		}
	}
	return n
}

type doneToken struct{ err error }

func (doneToken) Wait() bool { return true }

func (doneToken) WaitTimeout(time.Duration) bool { return true }

func (t doneToken) Error() error { return t.err }

func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// pendingToken never completes, like a SUBACK the broker has not sent yet.
type pendingToken struct{}

func (pendingToken) Wait() bool { return false }

func (pendingToken) WaitTimeout(time.Duration) bool { return false }

func (pendingToken) Error() error { return nil }

func (pendingToken) Done() <-chan struct{} { return nil }

type fakeClient struct {
	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
	callback     mqtt.MessageHandler
	subscribeErr error
	holdSuback   bool
	disconnected bool
}

func (c *fakeClient) Connect() mqtt.Token { return doneToken{} }

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, topic)
	c.callback = cb
	if c.holdSuback {
		return pendingToken{}
	}
	return doneToken{err: c.subscribeErr}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	c.mu.Unlock()
	return doneToken{}
}

func (c *fakeClient) deliver(topic, payload string) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	cb(nil, fakeMessage{topic: topic, payload: []byte(payload)})
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (fakeMessage) Duplicate() bool { return false }

func (fakeMessage) Qos() byte { return 0 }

func (fakeMessage) Retained() bool { return false }

func (m fakeMessage) Topic() string { return m.topic }

func (fakeMessage) MessageID() uint16 { return 1 }

func (m fakeMessage) Payload() []byte { return m.payload }

func (fakeMessage) Ack() {}

const topic = "weather/station-1"

type harness struct {
	l      *Listener
	client *fakeClient
	logs   *captureHandler
	cancel context.CancelFunc
	exited chan struct{}
	err    error
}

func startListener(t *testing.T, client *fakeClient, handler MessageHandler) *harness {
	t.Helper()

	logs := &captureHandler{}
	l := newListener(config.Config{MQTTBroker: "localhost", MQTTPort: 1883, Topic: topic}, client, slog.New(logs))
	l.SetMessageHandler(handler)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{l: l, client: client, logs: logs, cancel: cancel, exited: make(chan struct{})}
	go func() {
		h.err = l.Run(ctx)
		close(h.exited)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.exited:
		case <-time.After(2 * time.Second):
		}
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.l.emit(Event{Kind: EventConnected})
	waitFor(t, "subscribed state", func() bool { return h.l.State() == StateSubscribed })
}

func (h *harness) assertRunning(t *testing.T) {
	t.Helper()
	select {
	case <-h.exited:
		t.Fatalf("listener stopped: %v", h.err)
	default:
	}
}

func TestListener_SubscribesOnConnect(t *testing.T) {
	client := &fakeClient{}
	h := startListener(t, client, func(context.Context, weather.Reading) error { return nil })

	h.connect(t)

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.subscribed) != 1 || client.subscribed[0] != topic {
		t.Fatalf("subscribed = %v, want [%s]", client.subscribed, topic)
	}
	if h.logs.count("subscribed, acknowledged by broker") != 1 {
		t.Errorf("subscribe acknowledgement not logged")
	}
}

func TestListener_ResubscribesAfterReconnect(t *testing.T) {
	client := &fakeClient{}
	h := startListener(t, client, func(context.Context, weather.Reading) error { return nil })
	h.connect(t)

	h.l.emit(Event{Kind: EventConnectionLost, Err: errors.New("EOF")})
	waitFor(t, "disconnected state", func() bool { return h.l.State() == StateDisconnected })

	h.connect(t)

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.subscribed) != 2 {
		t.Fatalf("subscribed = %v, want two subscriptions", client.subscribed)
	}
}

func TestListener_SubscribeFailureKeepsRunning(t *testing.T) {
	client := &fakeClient{subscribeErr: errors.New("not authorised")}
	h := startListener(t, client, func(context.Context, weather.Reading) error { return nil })

	h.l.emit(Event{Kind: EventConnected})
	waitFor(t, "subscribe failure log", func() bool { return h.logs.count("subscribe failed") == 1 })

	if got := h.l.State(); got != StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
	h.assertRunning(t)
}

func TestListener_MalformedPayloadIsDropped(t *testing.T) {
	got := make(chan weather.Reading, 4)
	client := &fakeClient{}
	h := startListener(t, client, func(_ context.Context, r weather.Reading) error {
		got <- r
		return nil
	})
	h.connect(t)

	client.deliver(topic, `{"object": {"Temperature": 20`)
	client.deliver(topic, `{"object": {"Temperature": 21.5}}`)

	select {
	case r := <-got:
		if r.Object == nil || r.Object.Temperature == nil || *r.Object.Temperature != 21.5 {
			t.Fatalf("handler got %+v, want the well-formed reading", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("well-formed message after a malformed one was not handled")
	}

	if n := h.logs.count("dropping message"); n != 1 {
		t.Errorf("dropping message logged %d times, want 1", n)
	}
	if len(got) != 0 {
		t.Errorf("malformed payload reached the handler")
	}
	h.assertRunning(t)
}

func TestListener_UploadFailureKeepsListening(t *testing.T) {
	var calls atomic.Int32
	handled := make(chan struct{}, 4)
	client := &fakeClient{}
	h := startListener(t, client, func(context.Context, weather.Reading) error {
		defer func() { handled <- struct{}{} }()
		if calls.Add(1) == 1 {
			return &wunderground.UploadError{Kind: wunderground.ErrNetwork, Err: errors.New("dial tcp: connection refused")}
		}
		return nil
	})
	h.connect(t)

	client.deliver(topic, `{"object":{"Temperature":20}}`)
	client.deliver(topic, `{"object":{"Temperature":20}}`)

	for i := 0; i < 2; i++ {
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d not handled", i+1)
		}
	}

	waitFor(t, "upload failure log", func() bool { return h.logs.count("message handler failed") == 1 })
	waitFor(t, "subscribed state", func() bool { return h.l.State() == StateSubscribed })
	h.assertRunning(t)
}

func TestListener_HandlesMessagesSerially(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	handled := make(chan struct{}, 16)
	client := &fakeClient{}
	h := startListener(t, client, func(context.Context, weather.Reading) error {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		handled <- struct{}{}
		return nil
	})
	h.connect(t)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.deliver(topic, `{"object":{"Humidity":40}}`)
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d messages handled", i, n)
		}
	}
	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent handlers = %d, want 1", got)
	}
}

func TestListener_IgnoresOtherTopics(t *testing.T) {
	var calls atomic.Int32
	client := &fakeClient{}
	h := startListener(t, client, func(context.Context, weather.Reading) error {
		calls.Add(1)
		return nil
	})
	h.connect(t)

	h.l.emit(Event{Kind: EventMessage, Topic: "weather/station-2", Payload: []byte(`{}`)})
	client.deliver(topic, `{}`)

	waitFor(t, "handled message", func() bool { return calls.Load() == 1 })
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}
}

func TestListener_MessageBeforeSubackKeepsConnectedState(t *testing.T) {
	handled := make(chan struct{}, 1)
	client := &fakeClient{holdSuback: true}
	h := startListener(t, client, func(context.Context, weather.Reading) error {
		handled <- struct{}{}
		return nil
	})

	h.l.emit(Event{Kind: EventConnected})
	waitFor(t, "subscribe call", func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.subscribed) == 1
	})

	client.deliver(topic, `{"object":{"Temperature":20}}`)
	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("message before suback was not handled")
	}

	// Events are applied in order, so once this one is seen the handled
	// message has been fully stepped.
	h.l.emit(Event{Kind: EventMessage, Topic: "weather/other"})
	waitFor(t, "ignored message", func() bool {
		return h.logs.count("ignoring message on unexpected topic") == 1
	})

	if got := h.l.State(); got != StateConnected {
		t.Fatalf("state = %s, want connected until the suback arrives", got)
	}
}

func TestListener_StopsOnCancel(t *testing.T) {
	client := &fakeClient{}
	h := startListener(t, client, func(context.Context, weather.Reading) error { return nil })
	h.connect(t)

	h.cancel()

	select {
	case <-h.exited:
		if !errors.Is(h.err, context.Canceled) {
			t.Fatalf("Run() error = %v, want context.Canceled", h.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if !client.disconnected {
		t.Error("client not disconnected")
	}
	if len(client.unsubscribed) != 1 || client.unsubscribed[0] != topic {
		t.Errorf("unsubscribed = %v, want [%s]", client.unsubscribed, topic)
	}
	if got := h.l.State(); got != StateDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
}
