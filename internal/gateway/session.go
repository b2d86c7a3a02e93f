package gateway

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/semantest/docs-sub005/internal/errs"
	"github.com/semantest/docs-sub005/internal/events"
	"github.com/semantest/docs-sub005/internal/registry"
)

var (
	errSessionClosed = errors.New("session closed")
	errSlowConsumer  = errors.New("send queue full")
)

// channelRequest is the payload of subscribe and unsubscribe messages.
type channelRequest struct {
	Channel string `json:"channel"`
}

// session is one client connection. readLoop runs on the HTTP handler
// goroutine; writeLoop owns every data write to the socket.
type session struct {
	id       string
	identity string
	gw       *Gateway
	conn     *websocket.Conn
	limiter  *rate.Limiter

	send      chan events.Envelope
	done      chan struct{}
	drain     chan struct{}
	closeOnce sync.Once
	drainOnce sync.Once

	mu     sync.Mutex
	reason string
}

func newSession(g *Gateway, conn *websocket.Conn, identity string) *session {
	return &session{
		identity: identity,
		gw:       g,
		conn:     conn,
		limiter:  minuteLimiter(g.cfg.RateLimit),
		send:     make(chan events.Envelope, g.cfg.SendQueue),
		done:     make(chan struct{}),
		drain:    make(chan struct{}),
	}
}

// minuteLimiter allows at most perMinute events in any 60s window. Half
// the budget is available as a burst; the rest refills over the minute,
// so burst plus refill never exceeds perMinute.
func minuteLimiter(perMinute int) *rate.Limiter {
	burst := (perMinute + 1) / 2
	refill := max(perMinute-burst, 1)
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(refill)), burst)
}

// Send queues env for the writer. It never blocks: a full queue marks
// the client as a slow consumer and the connection is closed.
func (s *session) Send(env events.Envelope) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- env:
		return nil
	default:
		s.gw.logger.Warn("closing slow consumer", "id", s.id, "queued", len(s.send))
		go s.gw.reg.Close(s.id, registry.ReasonSlow)
		return errSlowConsumer
	}
}

// Close is called by the registry once the connection is removed.
func (s *session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *session) startDrain() {
	s.drainOnce.Do(func() { close(s.drain) })
}

func (s *session) closeReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *session) writeLoop() {
	cfg := s.gw.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	drain := s.drain
	draining := false
	for {
		select {
		case <-s.done:
			msg := websocket.FormatCloseMessage(closeCode(s.closeReason()), s.closeReason())
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(cfg.WriteTimeout))
			return

		case env := <-s.send:
			data, err := json.Marshal(env)
			if err != nil {
				s.gw.logger.Error("encode outbound envelope", "id", s.id, "type", env.Type, "error", err)
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.gw.logger.Debug("write failed", "id", s.id, "error", err)
				_ = s.gw.reg.Close(s.id, registry.ReasonSocket)
				return
			}
			cfg.Metrics.MessageOut()

		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout)); err != nil {
				_ = s.gw.reg.Close(s.id, registry.ReasonSocket)
				return
			}

		case <-drain:
			draining = true
			drain = nil
		}

		if draining && len(s.send) == 0 {
			_ = s.gw.reg.Close(s.id, registry.ReasonDrained)
		}
	}
}

func (s *session) readLoop() {
	cfg := s.gw.cfg
	s.conn.SetReadLimit(cfg.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.gw.reg.Heartbeat(s.id)
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.gw.logger.Debug("read failed", "id", s.id, "error", err)
			}
			_ = s.gw.reg.Close(s.id, registry.ReasonSocket)
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		_ = s.gw.reg.Heartbeat(s.id)
		s.handle(data)
	}
}

// handle processes one inbound frame. Nothing here closes the
// connection: bad frames get a server:error reply.
func (s *session) handle(data []byte) {
	g := s.gw
	if !s.limiter.Allow() {
		s.reject(nil, CodeRateLimited, "rate limit exceeded")
		return
	}

	var env events.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.reject(nil, errs.CodeInvalidMessage, "frame is not a JSON envelope")
		return
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.Version == 0 {
		env.Version = events.Version
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("null")
	}
	if err := env.Validate(); err != nil {
		s.reject(&env, errs.Code(err), err.Error())
		return
	}
	switch events.Domain(env.Type) {
	case "server", "system":
		s.reject(&env, errs.CodeInvalidMessage, "type "+env.Type+" is reserved for the hub")
		return
	}
	if g.reg.State(s.id) == registry.StateDraining {
		s.reject(&env, CodeDraining, "connection is draining; reconnect")
		return
	}
	g.cfg.Metrics.MessageIn()

	switch env.Type {
	case events.TypeHeartbeatPing:
		_ = g.reg.Heartbeat(s.id)
		s.reply(env, events.TypeHeartbeatPong, map[string]time.Time{"serverTime": time.Now().UTC()})

	case events.TypeChannelSubscribe, events.TypeChannelUnsubscribe:
		var req channelRequest
		if err := env.Decode(&req); err != nil || req.Channel == "" {
			s.reject(&env, errs.CodeInvalidMessage, "payload must be {\"channel\": \"domain:entity:action\"}")
			return
		}
		if env.Type == events.TypeChannelSubscribe {
			if err := g.reg.Subscribe(s.id, req.Channel); err != nil {
				s.reject(&env, channelErrorCode(err), err.Error())
				return
			}
			s.reply(env, events.TypeChannelSubscribed, req)
			return
		}
		if err := g.reg.Unsubscribe(s.id, req.Channel); err != nil {
			s.reject(&env, channelErrorCode(err), err.Error())
			return
		}
		s.reply(env, events.TypeChannelUnsubscribed, req)

	default:
		g.origins.Add(env.ID, s.id)
		g.bus.Publish(env)
	}
}

func (s *session) reply(to events.Envelope, typ string, payload any) {
	env, err := events.Reply(to, typ, events.SourceGateway, payload)
	if err != nil {
		s.gw.logger.Error("build reply", "type", typ, "error", err)
		return
	}
	_ = s.Send(env)
}

// reject sends a server:error. to is nil when the frame could not be
// decoded at all.
func (s *session) reject(to *events.Envelope, code, msg string) {
	s.gw.cfg.Metrics.MessageRejected(code)
	payload := events.ServerError{Code: code, Message: msg}
	var (
		env events.Envelope
		err error
	)
	if to != nil && to.ID != "" {
		env, err = events.Reply(*to, events.TypeServerError, events.SourceGateway, payload)
	} else {
		env, err = events.New(events.TypeServerError, events.SourceGateway, payload)
	}
	if err != nil {
		return
	}
	_ = s.Send(env)
}

func channelErrorCode(err error) string {
	if errors.Is(err, registry.ErrInvalidChannel) {
		return CodeUnknownChannel
	}
	if errors.Is(err, registry.ErrNotOpen) {
		return CodeDraining
	}
	return errs.CodeInternal
}

func closeCode(reason string) int {
	switch {
	case reason == registry.ReasonShutdown, reason == registry.ReasonDrained:
		return websocket.CloseGoingAway
	case reason == registry.ReasonSlow, strings.HasPrefix(reason, "heartbeat"):
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseNormalClosure
	}
}
