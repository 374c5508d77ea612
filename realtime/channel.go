package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/howardjong/AgentPrice-sub003/health"
	"github.com/howardjong/AgentPrice-sub003/observe"
)

const (
	DefaultReconnectGrace = 60 * time.Second
	DefaultIdleTimeout    = 30 * time.Minute
	DefaultSendTimeout    = 5 * time.Second
)

// HealthSource produces the snapshot broadcast after each sweep.
type HealthSource interface {
	Report() health.Report
}

type session struct {
	id           string
	subs         map[string]struct{}
	connectedAt  time.Time
	lastActivity time.Time
	transport    Transport
	reconnect    *Reconnect
	restoredFrom string
	purge        *time.Timer
}

func (s *session) live() bool {
	return s.transport != nil && s.reconnect == nil
}

func (s *session) wants(topic string) bool {
	if _, ok := s.subs[TopicAll]; ok {
		return true
	}
	_, ok := s.subs[topic]
	return ok
}

func (s *session) snapshot() Session {
	out := Session{
		ID:             s.id,
		Subscriptions:  sortedTopics(s.subs),
		ConnectedAt:    s.connectedAt,
		LastActivityAt: s.lastActivity,
		RestoredFrom:   s.restoredFrom,
	}
	if s.transport != nil {
		out.Transport = s.transport.Name()
	}
	if s.reconnect != nil {
		rc := *s.reconnect
		out.Reconnect = &rc
	}
	return out
}

// Channel owns the client session table and multicasts status messages.
// No lock is held while a transport sends.
type Channel struct {
	mu          sync.Mutex
	sessions    map[string]*session
	grace       time.Duration
	idle        time.Duration
	sendTimeout time.Duration
	health      HealthSource
	sink        observe.Sink
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Channel)

func WithReconnectGrace(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.grace = d
		}
	}
}

func WithIdleTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.idle = d
		}
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.sendTimeout = d
		}
	}
}

func WithHealthSource(h HealthSource) Option {
	return func(c *Channel) { c.health = h }
}

// WithSink receives session lifecycle events.
func WithSink(sink observe.Sink) Option {
	return func(c *Channel) { c.sink = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Channel) {
		if now != nil {
			c.now = now
		}
	}
}

func NewChannel(opts ...Option) *Channel {
	c := &Channel{
		sessions:    make(map[string]*session),
		grace:       DefaultReconnectGrace,
		idle:        DefaultIdleTimeout,
		sendTimeout: DefaultSendTimeout,
		sink:        observe.NoopSink{},
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sink == nil {
		c.sink = observe.NoopSink{}
	}
	return c
}

// OnConnect registers a session. When priorSessionID names a session that
// disconnected within the grace window, its subscriptions move to the new
// session and the prior entry is dropped.
func (c *Channel) OnConnect(ctx context.Context, sessionID, priorSessionID string, transport Transport) (Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Session{}, fmt.Errorf("session id is required")
	}
	if transport == nil {
		return Session{}, fmt.Errorf("transport is required")
	}
	now := c.now()
	s := &session{
		id:           sessionID,
		subs:         map[string]struct{}{TopicAll: {}},
		connectedAt:  now,
		lastActivity: now,
		transport:    transport,
	}

	c.mu.Lock()
	if prior, ok := c.sessions[priorSessionID]; ok && priorSessionID != "" && prior.reconnect != nil {
		if now.Sub(prior.reconnect.DisconnectedAt) <= c.grace {
			s.subs = copyTopics(prior.subs)
			s.connectedAt = prior.connectedAt
			s.restoredFrom = prior.id
		}
		if prior.purge != nil {
			prior.purge.Stop()
		}
		delete(c.sessions, priorSessionID)
	}
	if existing, ok := c.sessions[sessionID]; ok && existing.purge != nil {
		existing.purge.Stop()
	}
	c.sessions[sessionID] = s
	snap := s.snapshot()
	c.mu.Unlock()

	restored := snap.RestoredFrom != ""
	c.logger.Info("realtime session connected", "component", "realtime", "session_id", sessionID, "restored", restored, "transport", snap.Transport)
	c.emit(ctx, "realtime.connected", sessionID, map[string]any{"restored": restored})

	err := c.sendTo(ctx, transport, sessionID, Message{
		Type: TypeConnected,
		Payload: ConnectedPayload{
			SessionID:     sessionID,
			Subscriptions: snap.Subscriptions,
			Restored:      restored,
		},
	})
	return snap, err
}

// Subscribe replaces the session's subscription set. TopicAll is always
// kept.
func (c *Channel) Subscribe(sessionID string, topics []string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	subs := map[string]struct{}{TopicAll: {}}
	for _, t := range topics {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			subs[t] = struct{}{}
		}
	}
	s.subs = subs
	s.lastActivity = c.now()
	return sortedTopics(subs), nil
}

// OnDisconnect marks the session as awaiting reconnect and schedules its
// removal once the grace window passes.
func (c *Channel) OnDisconnect(ctx context.Context, sessionID, reason string) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok || s.reconnect != nil {
		c.mu.Unlock()
		return
	}
	at := c.now()
	s.reconnect = &Reconnect{DisconnectedAt: at, Reason: reason}
	s.transport = nil
	s.purge = time.AfterFunc(c.grace, func() { c.expire(sessionID, at) })
	c.mu.Unlock()

	c.logger.Info("realtime session disconnected", "component", "realtime", "session_id", sessionID, "reason", reason)
	c.emit(ctx, "realtime.disconnected", sessionID, map[string]any{"reason": reason})
}

func (c *Channel) expire(sessionID string, disconnectedAt time.Time) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok || s.reconnect == nil || !s.reconnect.DisconnectedAt.Equal(disconnectedAt) {
		c.mu.Unlock()
		return
	}
	delete(c.sessions, sessionID)
	c.mu.Unlock()

	c.logger.Debug("realtime session expired", "component", "realtime", "session_id", sessionID)
	c.emit(context.Background(), "realtime.expired", sessionID, nil)
}

type target struct {
	id        string
	transport Transport
}

// Broadcast delivers msg to every live session subscribed to its topic and
// returns the number of successful sends. Failed sends are logged.
func (c *Channel) Broadcast(ctx context.Context, msg Message) int {
	if msg.Topic == "" {
		msg.Topic = TopicAll
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now()
	}

	c.mu.Lock()
	targets := make([]target, 0, len(c.sessions))
	for _, s := range c.sessions {
		if s.live() && s.wants(msg.Topic) {
			targets = append(targets, target{id: s.id, transport: s.transport})
		}
	}
	c.mu.Unlock()

	delivered := 0
	for _, t := range targets {
		if err := c.sendTo(ctx, t.transport, t.id, msg); err != nil {
			c.logger.Warn("realtime send failed", "component", "realtime", "session_id", t.id, "type", msg.Type, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

type SweepResult struct {
	Purged    []string `json:"purged"`
	Delivered int      `json:"delivered"`
}

// Sweep purges sessions idle longer than the idle threshold, then
// broadcasts a health snapshot on the health topic.
func (c *Channel) Sweep(ctx context.Context) SweepResult {
	now := c.now()
	var res SweepResult
	var closers []target

	c.mu.Lock()
	for id, s := range c.sessions {
		stale := now.Sub(s.lastActivity) > c.idle
		expired := s.reconnect != nil && now.Sub(s.reconnect.DisconnectedAt) > c.grace
		if !stale && !expired {
			continue
		}
		if s.purge != nil {
			s.purge.Stop()
		}
		if s.transport != nil {
			closers = append(closers, target{id: id, transport: s.transport})
		}
		delete(c.sessions, id)
		res.Purged = append(res.Purged, id)
	}
	c.mu.Unlock()

	sort.Strings(res.Purged)
	for _, t := range closers {
		if closer, ok := t.transport.(SessionCloser); ok {
			closer.CloseSession(t.id, "idle timeout")
		}
	}
	for _, id := range res.Purged {
		c.emit(ctx, "realtime.purged", id, nil)
	}
	if len(res.Purged) > 0 {
		c.logger.Info("realtime sweep purged sessions", "component", "realtime", "count", len(res.Purged))
	}

	if c.health != nil {
		report := c.health.Report()
		res.Delivered = c.Broadcast(ctx, Message{Type: TypeHealth, Topic: TopicHealth, Payload: report})
		e := observe.Event{
			Kind:    observe.KindHealth,
			Status:  observe.StatusCompleted,
			Name:    "health.broadcast",
			Message: string(report.OverallStatus),
			Attributes: map[string]any{
				"compositeScore": report.CompositeScore,
				"delivered":      res.Delivered,
			},
		}
		e.Normalize()
		_ = c.sink.Emit(ctx, e)
	}
	return res
}

// HandleInbound processes one client message. Protocol problems are
// reported to the client as error messages; the returned error is
// ErrUnknownSession or a transport failure.
func (c *Channel) HandleInbound(ctx context.Context, sessionID string, raw []byte) error {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownSession
	}
	s.lastActivity = c.now()
	transport := s.transport
	c.mu.Unlock()
	if transport == nil {
		return ErrUnknownSession
	}

	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return c.sendError(ctx, transport, sessionID, "invalid message: expected a JSON object")
	}
	switch strings.ToLower(strings.TrimSpace(in.Type)) {
	case InboundSubscribe:
		topics := in.Topics
		if in.Topic != "" {
			topics = append(topics, in.Topic)
		}
		subs, err := c.Subscribe(sessionID, topics)
		if err != nil {
			return err
		}
		return c.sendTo(ctx, transport, sessionID, Message{Type: TypeSubscribed, Payload: SubscribedPayload{Subscriptions: subs}})
	case InboundPing:
		return c.sendTo(ctx, transport, sessionID, Message{Type: TypePong, Payload: PongPayload{Time: c.now()}})
	case InboundHealth:
		if c.health == nil {
			return c.sendError(ctx, transport, sessionID, "health reporting is not configured")
		}
		return c.sendTo(ctx, transport, sessionID, Message{Type: TypeHealth, Topic: TopicHealth, Payload: c.health.Report()})
	case "":
		return c.sendError(ctx, transport, sessionID, "message type is required")
	default:
		return c.sendError(ctx, transport, sessionID, fmt.Sprintf("unsupported message type %q", in.Type))
	}
}

// Session returns a copy of the named session.
func (c *Channel) Session(sessionID string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// Sessions returns copies of every session ordered by id.
func (c *Channel) Sessions() []Session {
	c.mu.Lock()
	out := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s.snapshot())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops pending purge timers and drops every session.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.sessions {
		if s.purge != nil {
			s.purge.Stop()
		}
		delete(c.sessions, id)
	}
}

func (c *Channel) sendTo(ctx context.Context, transport Transport, sessionID string, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now()
	}
	sendCtx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()
	if err := transport.Send(sendCtx, sessionID, msg); err != nil {
		return fmt.Errorf("failed to send %s to session %s: %w", msg.Type, sessionID, err)
	}
	return nil
}

func (c *Channel) sendError(ctx context.Context, transport Transport, sessionID, text string) error {
	return c.sendTo(ctx, transport, sessionID, Message{Type: TypeError, Payload: ErrorPayload{Message: text}})
}

func (c *Channel) emit(ctx context.Context, name, sessionID string, attrs map[string]any) {
	e := observe.Event{
		Kind:       observe.KindRealtime,
		Status:     observe.StatusCompleted,
		Name:       name,
		SessionID:  sessionID,
		Attributes: attrs,
	}
	e.Normalize()
	if err := c.sink.Emit(ctx, e); err != nil {
		c.logger.Debug("realtime event emit failed", "component", "realtime", "event", name, "error", err)
	}
}

func copyTopics(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func sortedTopics(in map[string]struct{}) []string {
	out := make([]string, 0, len(in))
	for k := range in {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
