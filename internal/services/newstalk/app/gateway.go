package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/assetplanner/newstalk/internal/platform/logging"
	"github.com/assetplanner/newstalk/internal/platform/timeouts"
	"github.com/assetplanner/newstalk/internal/services/newstalk/presence"
	"github.com/assetplanner/newstalk/internal/services/newstalk/pubsub"
)

const (
	eventQueueSize    = 256
	outboundQueueSize = 256
	maxLoggedPayload  = 512
)

const tracerName = "github.com/assetplanner/newstalk/internal/services/newstalk/app"

var (
	errInvalidAnonymousID = errors.New("anonymousId must be positive")
	errEmptyMessage       = errors.New("message is required")
	errMissingTimestamp   = errors.New("timestamp is required")
	errGatewayRunning     = errors.New("gateway already started")
	errSubscriptionEnded  = errors.New("topic subscription ended")
)

// GatewayConfig wires a Gateway to its collaborators.
type GatewayConfig struct {
	Registry *presence.Registry
	Broker   pubsub.Broker
	Logger   zerolog.Logger
	// Location formats message clock strings. Nil means time.Local.
	Location *time.Location
	// Now defaults to time.Now.
	Now func() time.Time
	// OnServing is told when the topic subscription is live and when the
	// gateway stops.
	OnServing func(serving bool)
}

// Gateway fans chat traffic between local websocket clients and the shared
// topic. One loop goroutine owns the client set and is the only writer of
// the presence registry.
type Gateway struct {
	registry  *presence.Registry
	broker    pubsub.Broker
	logger    zerolog.Logger
	location  *time.Location
	now       func() time.Time
	onServing func(bool)
	notices   *notices
	tracer    trace.Tracer

	events   chan event
	outbound chan ChatMessage
	failed   chan error
	ready    chan struct{}
	done     chan struct{}
	started  atomic.Bool

	// Loop-owned.
	clients   map[string]*client
	bySession map[string]map[string]*client
}

// NewGateway validates cfg and returns a gateway ready to Run.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Registry == nil {
		return nil, errors.New("presence registry is required")
	}
	if cfg.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	n, err := newNotices()
	if err != nil {
		return nil, fmt.Errorf("build notices: %w", err)
	}
	return &Gateway{
		registry:  cfg.Registry,
		broker:    cfg.Broker,
		logger:    logging.Component(cfg.Logger, "gateway"),
		location:  cfg.Location,
		now:       cfg.Now,
		onServing: cfg.OnServing,
		notices:   n,
		tracer:    otel.Tracer(tracerName),
		events:    make(chan event, eventQueueSize),
		outbound:  make(chan ChatMessage, outboundQueueSize),
		failed:    make(chan error, 1),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		clients:   make(map[string]*client),
		bySession: make(map[string]map[string]*client),
	}, nil
}

// Ready is closed once the topic subscription is confirmed.
func (g *Gateway) Ready() <-chan struct{} {
	return g.ready
}

// Done is closed when Run returns.
func (g *Gateway) Done() <-chan struct{} {
	return g.done
}

// Registry exposes the presence registry for read-only views.
func (g *Gateway) Registry() *presence.Registry {
	return g.registry
}

// Run subscribes to the chat topic and processes events until ctx ends. It
// returns an error when the subscription ends on its own.
func (g *Gateway) Run(ctx context.Context) error {
	if !g.started.CompareAndSwap(false, true) {
		return errGatewayRunning
	}
	defer close(g.done)

	subCtx, cancel := context.WithTimeout(ctx, timeouts.Subscribe)
	sub, err := g.broker.Subscribe(subCtx, pubsub.Topic)
	cancel()
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", pubsub.Topic, err)
	}
	defer func() {
		if err := sub.Close(); err != nil {
			g.logger.Warn().Err(err).Str("topic", pubsub.Topic).Msg("close subscription")
		}
	}()

	loopCtx, stop := context.WithCancel(ctx)
	defer stop()
	workers := make(chan struct{}, 2)
	go func() {
		g.publishLoop(loopCtx)
		workers <- struct{}{}
	}()
	go func() {
		g.listen(loopCtx, sub)
		workers <- struct{}{}
	}()

	g.setServing(true)
	close(g.ready)
	g.logger.Info().
		Str("topic", pubsub.Topic).
		Int("capacity", g.registry.Capacity()).
		Str("policy", g.registry.Policy().String()).
		Msg("gateway subscribed")

	for {
		select {
		case <-ctx.Done():
			g.shutdown()
			stop()
			<-workers
			<-workers
			return nil
		case err := <-g.failed:
			g.shutdown()
			stop()
			<-workers
			<-workers
			return err
		case ev := <-g.events:
			g.handle(ev)
		}
	}
}

// dispatch hands ev to the loop. It reports false once the gateway stopped.
func (g *Gateway) dispatch(ev event) bool {
	select {
	case g.events <- ev:
		return true
	case <-g.done:
		return false
	}
}

// connect asks the loop to admit c and waits for the verdict. A rejected
// client has already been sent its notice and closed.
func (g *Gateway) connect(c *client) bool {
	reply := make(chan bool, 1)
	if !g.dispatch(connectEvent{client: c, reply: reply}) {
		c.close()
		return false
	}
	select {
	case admitted := <-reply:
		return admitted
	case <-g.done:
		c.close()
		return false
	}
}

func (g *Gateway) disconnect(c *client) {
	if !g.dispatch(disconnectEvent{client: c}) {
		c.close()
	}
}

func (g *Gateway) handle(ev event) {
	switch ev := ev.(type) {
	case connectEvent:
		ev.reply <- g.handleConnect(ev.client)
	case disconnectEvent:
		g.remove(ev.client, "disconnected")
	case sendMessageEvent:
		g.handleSend(ev)
	case reassignRequestEvent:
		g.handleReassign(ev.client)
	case channelDeliveryEvent:
		g.handleDelivery(ev)
	default:
		g.logger.Error().Str("event", fmt.Sprintf("%T", ev)).Msg("unhandled gateway event")
	}
}

func (g *Gateway) handleConnect(c *client) bool {
	admission := g.registry.TryAdmit(c.identity.SessionID)
	if !admission.Admitted {
		g.logger.Info().
			Str("session", c.identity.SessionID).
			Int("online", g.registry.Len()).
			Int("capacity", g.registry.Capacity()).
			Msg("capacity exceeded, rejecting connection")
		c.enqueue(connectionErrorFrame(g.notices.serverFull(c.locale, g.registry.Capacity())))
		c.close()
		return false
	}

	g.clients[c.id] = c
	conns := g.bySession[c.identity.SessionID]
	if conns == nil {
		conns = make(map[string]*client)
		g.bySession[c.identity.SessionID] = conns
	}
	conns[c.id] = c

	c.logger.Info().
		Int("ordinal", admission.Ordinal).
		Bool("rejoined", admission.Rejoined).
		Int("online", g.registry.Len()).
		Msg("client admitted")
	g.deliver(c, assignNumberFrame(admission.Ordinal))
	return true
}

// remove drops c from the local set and releases its registry slot. Calling
// it for a client that is already gone does nothing.
func (g *Gateway) remove(c *client, reason string) {
	if _, ok := g.clients[c.id]; !ok {
		return
	}
	delete(g.clients, c.id)
	sid := c.identity.SessionID
	if conns := g.bySession[sid]; conns != nil {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(g.bySession, sid)
		}
	}
	c.close()

	changed := g.registry.Release(sid)
	c.logger.Info().Str("reason", reason).Int("online", g.registry.Len()).Msg("client removed")
	g.pushAssignments(changed)
}

// pushAssignments sends every assignment before evicting anyone. An eviction
// renumbers again, and its frames must reach clients after these.
func (g *Gateway) pushAssignments(assignments []presence.Assignment) {
	var slow []*client
	for _, a := range assignments {
		frame := assignNumberFrame(a.Ordinal)
		for _, c := range g.bySession[a.SessionID] {
			if !c.enqueue(frame) {
				slow = append(slow, c)
			}
		}
	}
	g.evict(slow, frameAssignNumber)
}

// deliver queues frame for c and evicts c if its queue is full. Fan-out
// loops use enqueue and evict instead.
func (g *Gateway) deliver(c *client, frame wsFrame) {
	if !c.enqueue(frame) {
		g.evict([]*client{c}, frame.Type)
	}
}

func (g *Gateway) evict(slow []*client, frameType string) {
	for _, c := range slow {
		if _, ok := g.clients[c.id]; !ok {
			continue
		}
		c.logger.Warn().Str("frame", frameType).Msg("send queue full, evicting slow consumer")
		g.remove(c, "slow consumer")
	}
}

func (g *Gateway) handleSend(ev sendMessageEvent) {
	c := ev.client
	if _, ok := g.clients[c.id]; !ok {
		return
	}
	ordinal, ok := g.registry.Ordinal(c.identity.SessionID)
	if !ok {
		return
	}
	userID := c.identity.UserID
	if userID == "" {
		userID = ev.payload.clientUserID()
	}
	msg := newChatMessage(userID, ordinal, ev.body, g.now(), g.location)

	select {
	case g.outbound <- msg:
	default:
		g.logger.Error().Str("topic", pubsub.Topic).Int("ordinal", ordinal).Msg("publish queue full, dropping message")
	}
}

func (g *Gateway) handleReassign(c *client) {
	if _, ok := g.clients[c.id]; !ok {
		return
	}
	assignments, err := g.registry.ReassignAll()
	if errors.Is(err, presence.ErrReassignUnsupported) {
		g.deliver(c, errorFrame(codeFailedPrecondition, "reassignNumbers requires the compacted ordinal policy"))
		return
	}
	if err != nil {
		g.logger.Error().Err(err).Msg("reassign ordinals")
		return
	}
	c.logger.Debug().Int("online", len(assignments)).Msg("reassigning ordinals")
	g.pushAssignments(assignments)
}

func (g *Gateway) handleDelivery(ev channelDeliveryEvent) {
	_, span := g.tracer.Start(context.Background(), "newstalk.deliver",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", pubsub.Topic),
			attribute.Int("newstalk.recipients", len(g.clients)),
		),
	)
	defer span.End()

	frame := wsFrame{Type: frameReceiveMessage, Payload: mustJSON(ev.message)}
	var slow []*client
	for _, c := range g.clients {
		if !c.enqueue(frame) {
			slow = append(slow, c)
		}
	}
	g.evict(slow, frame.Type)
}

// publishLoop drains outbound messages onto the topic. Failures are logged
// and the message is lost.
func (g *Gateway) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-g.outbound:
			g.publish(ctx, msg)
		}
	}
}

func (g *Gateway) publish(ctx context.Context, msg ChatMessage) {
	ctx, span := g.tracer.Start(ctx, "newstalk.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", pubsub.Topic),
			attribute.Int("newstalk.anonymous_id", msg.AnonymousID),
		),
	)
	defer span.End()

	body, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode")
		g.logger.Error().Err(err).Str("topic", pubsub.Topic).Msg("encode chat message")
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, timeouts.Publish)
	defer cancel()
	if err := g.broker.Publish(pubCtx, pubsub.Topic, body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish")
		g.logger.Error().Err(err).Str("topic", pubsub.Topic).Msg("publish chat message")
	}
}

// listen turns topic payloads into delivery events for the loop.
func (g *Gateway) listen(ctx context.Context, sub pubsub.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				if ctx.Err() == nil {
					g.logger.Error().Str("topic", pubsub.Topic).Msg("subscription ended")
					g.failed <- errSubscriptionEnded
				}
				return
			}
			msg, err := decodeChatMessage(payload)
			if err != nil {
				g.logger.Warn().Err(err).
					Str("topic", pubsub.Topic).
					Str("payload", truncate(payload, maxLoggedPayload)).
					Msg("dropping undecodable channel message")
				continue
			}
			ev := channelDeliveryEvent{message: msg}
			select {
			case g.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func decodeChatMessage(payload []byte) (ChatMessage, error) {
	var msg ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ChatMessage{}, fmt.Errorf("decode chat message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return ChatMessage{}, fmt.Errorf("invalid chat message: %w", err)
	}
	return msg, nil
}

func (g *Gateway) shutdown() {
	g.setServing(false)
	for _, c := range g.clients {
		c.close()
		g.registry.Release(c.identity.SessionID)
	}
	clear(g.clients)
	clear(g.bySession)
	g.logger.Info().Msg("gateway stopped")
}

func (g *Gateway) setServing(serving bool) {
	if g.onServing != nil {
		g.onServing(serving)
	}
}
