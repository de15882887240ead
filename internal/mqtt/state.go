package mqtt

import "strings"

// State is the listener's connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribed
	StateHandling
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateHandling:
		return "handling"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	EventConnecting EventKind = iota
	EventConnected
	EventConnectionLost
	EventSubscribed
	EventSubscribeFailed
	EventMessage
	EventHandled
)

func (k EventKind) String() string {
	switch k {
	case EventConnecting:
		return "connecting"
	case EventConnected:
		return "connected"
	case EventConnectionLost:
		return "connection_lost"
	case EventSubscribed:
		return "subscribed"
	case EventSubscribeFailed:
		return "subscribe_failed"
	case EventMessage:
		return "message"
	case EventHandled:
		return "handled"
	default:
		return "unknown"
	}
}

// Event is something the broker client (or the loop itself) reports.
type Event struct {
	Kind    EventKind
	Topic   string
	Payload []byte
	QoS     byte
	Err     error
}

type ActionKind int

const (
	// ActionSubscribe asks the loop to subscribe to Action.Topic.
	ActionSubscribe ActionKind = iota
	// ActionHandle asks the loop to decode and forward Action.Payload.
	ActionHandle
	// ActionIgnore drops a message on a topic we did not subscribe to.
	ActionIgnore
)

type Action struct {
	Kind    ActionKind
	Topic   string
	Payload []byte
}

// Transition computes the next state and the side effects for ev. It is
// pure; the listener loop executes the returned actions.
func Transition(s State, ev Event, filter string) (State, []Action) {
	switch ev.Kind {
	case EventConnecting:
		return StateConnecting, nil

	case EventConnected:
		// Also taken after an automatic reconnect: the clean session dropped
		// the subscription, so it is renewed.
		return StateConnected, []Action{{Kind: ActionSubscribe, Topic: filter}}

	case EventConnectionLost:
		return StateDisconnected, nil

	case EventSubscribed:
		if s == StateConnected {
			return StateSubscribed, nil
		}
		return s, nil

	case EventSubscribeFailed:
		return s, nil

	case EventMessage:
		if !TopicMatches(filter, ev.Topic) {
			return s, []Action{{Kind: ActionIgnore, Topic: ev.Topic}}
		}
		// A message racing the SUBACK is handled, but the state stays
		// Connected so the subscription is not reported before it is acked.
		next := s
		if s == StateSubscribed {
			next = StateHandling
		}
		return next, []Action{{Kind: ActionHandle, Topic: ev.Topic, Payload: ev.Payload}}

	case EventHandled:
		if s == StateHandling {
			return StateSubscribed, nil
		}
		return s, nil
	}

	return s, nil
}

// TopicMatches reports whether topic matches the subscription filter,
// honouring the + and # wildcards.
func TopicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	// Topics starting with $ are never matched by a leading wildcard.
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return i == len(fs)-1
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
