package realtime

import (
	"context"
	"errors"
	"time"
)

var ErrUnknownSession = errors.New("realtime: unknown session")

// Topics a session can subscribe to. TopicAll is always part of a
// session's subscription set.
const (
	TopicAll       = "all"
	TopicHealth    = "health"
	TopicResearch  = "research"
	TopicProviders = "providers"
)

// Message types sent to clients.
const (
	TypeConnected  = "connected"
	TypeSubscribed = "subscribed"
	TypePong       = "pong"
	TypeError      = "error"
	TypeHealth     = "health_update"
	TypeResearch   = "research_progress"
	TypeProvider   = "provider_status"
)

// Inbound message types.
const (
	InboundSubscribe = "subscribe"
	InboundPing      = "ping"
	InboundHealth    = "health"
)

type Message struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Transport delivers messages to connected sessions.
type Transport interface {
	Name() string
	Send(ctx context.Context, sessionID string, msg Message) error
}

// SessionCloser is implemented by transports that can drop a connection
// when its session is purged.
type SessionCloser interface {
	CloseSession(sessionID, reason string)
}

type Reconnect struct {
	DisconnectedAt time.Time `json:"disconnectedAt"`
	Reason         string    `json:"reason,omitempty"`
}

// Session is a point-in-time copy of a client session.
type Session struct {
	ID             string     `json:"id"`
	Subscriptions  []string   `json:"subscriptions"`
	ConnectedAt    time.Time  `json:"connectedAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	Transport      string     `json:"transport,omitempty"`
	Reconnect      *Reconnect `json:"reconnect,omitempty"`
	RestoredFrom   string     `json:"restoredFrom,omitempty"`
}

// ConnectedPayload is the first message a session receives.
type ConnectedPayload struct {
	SessionID     string   `json:"sessionId"`
	Subscriptions []string `json:"subscriptions"`
	Restored      bool     `json:"restored"`
}

type SubscribedPayload struct {
	Subscriptions []string `json:"subscriptions"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type PongPayload struct {
	Time time.Time `json:"time"`
}

// JobUpdate is the payload of research topic messages.
type JobUpdate struct {
	JobID    string `json:"jobId"`
	Event    string `json:"event"`
	Status   string `json:"status,omitempty"`
	Stage    string `json:"stage,omitempty"`
	Progress int    `json:"progress,omitempty"`
	Provider string `json:"provider,omitempty"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ProviderUpdate is the payload of providers topic messages.
type ProviderUpdate struct {
	Provider string `json:"provider"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

type inbound struct {
	Type   string   `json:"type"`
	Topic  string   `json:"topic,omitempty"`
	Topics []string `json:"topics,omitempty"`
}
