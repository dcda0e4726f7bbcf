package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"supporthub/cmd/internal/ids"
	feedv1 "supporthub/shared/contracts/changefeed/v1"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// WSGateway is the websocket entrypoint of the change feed.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, and forwards hub events to subscribed clients.
type WSGateway struct {
	log     *slog.Logger
	hub     *Hub
	cfg     GatewayConfig
	metrics *FeedMetrics

	// Derived for websocket.Accept origin checks.
	originPatterns []string
}

// NewWSGateway constructs a gateway. A nil hub gets a private one.
func NewWSGateway(log *slog.Logger, hub *Hub, cfg GatewayConfig, metrics *FeedMetrics) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log, metrics)
	}
	cfg = cfg.normalized()
	return &WSGateway{
		log:            log,
		hub:            hub,
		cfg:            cfg,
		metrics:        metrics,
		originPatterns: originPatterns(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades the request and runs the feed session until either side closes.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := checkOrigin(r, g.cfg.OriginRequired, g.cfg.AllowedOrigins); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{feedv1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != feedv1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", feedv1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	g.metrics.connOpened()
	defer g.metrics.connClosed()

	sessionID := ids.MustULID(time.Now())
	client := NewClient(sessionID, g.cfg.SendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	// shutdown is idempotent and leaves client.Send open: the hub may still hold it.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Unsubscribe(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	limiter := rate.NewLimiter(rate.Every(g.cfg.RateWindow/time.Duration(g.cfg.RateEvents)), g.cfg.RateEvents)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()
				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !limiter.Allow() {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case feedv1.TypeHello:
			if err := g.onHello(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
		case feedv1.TypeSubscribe:
			if err := g.onSubscribe(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "subscribe_failed", err.Error())
				continue readLoop
			}
		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client, env feedv1.Envelope) error {
	var p feedv1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	ackPayload, _ := json.Marshal(feedv1.HelloAckPayload{SessionID: client.SessionID})
	if !g.enqueue(ctx, client, newEnvelope(feedv1.TypeHelloAck, ackPayload, time.Now().UTC())) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (g *WSGateway) onSubscribe(ctx context.Context, client *Client, env feedv1.Envelope) error {
	var p feedv1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if len(p.Tables) > maxSubscribeTables {
		return fmt.Errorf("too many tables: max=%d", maxSubscribeTables)
	}

	tables := make([]string, 0, len(p.Tables))
	for _, t := range p.Tables {
		t = strings.TrimSpace(t)
		if _, ok := subscribableTables[t]; !ok {
			return fmt.Errorf("unknown table: %q", t)
		}
		if !slices.Contains(tables, t) {
			tables = append(tables, t)
		}
	}
	slices.Sort(tables)

	g.hub.Subscribe(client, tables)
	g.log.Info("ws.subscribe", "session_id", client.SessionID, "tables", tables)

	echoPayload, _ := json.Marshal(feedv1.SubscribePayload{Tables: tables})
	if !g.enqueue(ctx, client, newEnvelope(feedv1.TypeSubscribe, echoPayload, time.Now().UTC())) {
		g.hub.Unsubscribe(client)
		return errors.New("backpressure: subscribe echo")
	}
	return nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(feedv1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, newEnvelope(feedv1.TypeError, p, time.Now().UTC()))
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env feedv1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return client.offer(env)
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (feedv1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return feedv1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return feedv1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env feedv1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return feedv1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env feedv1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return readErrBadJSON
	}
	return readErrUnknown
}
