// Package main provides a CI-friendly smoke test for the supporthub change feed
// and thread API.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - subscribe echo for the messages table
//   - append over HTTP -> exactly one table_changed event
//   - duplicate append (same external_id) -> no event
//   - thread view contains the message once
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	feedv1 "supporthub/shared/contracts/changefeed/v1"
	viewv1 "supporthub/shared/contracts/threadview/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20

type smokeClient struct {
	conn      *websocket.Conn
	sessionID string

	inbox chan feedv1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL of the server")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		convID  = flag.String("conv", "", "Conversation ID (default: generated)")
		text    = flag.String("text", "hello from feed-smoke", "Message text to append")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	wsURL, err := wsURLFor(*baseURL)
	if err != nil {
		fatalf("invalid -base: %v", err)
	}
	if *convID == "" {
		*convID = fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	}

	root := context.Background()

	c := mustConnect(root, wsURL, *origin, *timeout)
	defer func() { _ = c.conn.Close(websocket.StatusNormalClosure, "bye") }()
	if *verbose {
		fmt.Printf("connected: session=%s\n", c.sessionID)
	}

	mustSubscribe(root, c, *timeout)

	externalID := fmt.Sprintf("smoke-ext-%d", time.Now().UnixNano())
	msgID, dup := mustAppend(root, *baseURL, *convID, externalID, *text, *timeout)
	if dup {
		fatalf("first append reported duplicated")
	}

	ev := c.mustReadEvent(root, *timeout)
	if ev.Table != feedv1.TableMessages || ev.ConversationID != *convID {
		fatalf("event mismatch: table=%q conv=%q want=%q %q", ev.Table, ev.ConversationID, feedv1.TableMessages, *convID)
	}

	msgID2, dup := mustAppend(root, *baseURL, *convID, externalID, *text, *timeout)
	if !dup || msgID2 != msgID {
		fatalf("duplicate append: duplicated=%v id=%q want=true %q", dup, msgID2, msgID)
	}
	c.mustAssertNoEvent(root, 1200*time.Millisecond)

	view := mustThread(root, *baseURL, *convID, *timeout)
	seen := 0
	for _, m := range view.Messages {
		if m.ID == msgID {
			seen++
		}
	}
	if seen != 1 {
		fatalf("thread view contains message %d times, want 1", seen)
	}
	if view.TotalCount != 1 || view.HasNextPage {
		fatalf("thread view total=%d has_next=%v want=1 false", view.TotalCount, view.HasNextPage)
	}

	fmt.Printf("OK: session=%s conv_id=%s message_id=%s\n", c.sessionID, *convID, msgID)
}

func wsURLFor(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = "/ws"
	return u.String(), nil
}

func mustConnect(parent context.Context, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{feedv1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != feedv1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, feedv1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		conn:  conn,
		inbox: make(chan feedv1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWrite(parent, conn, envelope(feedv1.TypeHello, feedv1.HelloPayload{}), stepTimeout)
	ack := c.mustReadUntilType(parent, feedv1.TypeHelloAck, stepTimeout)

	var p feedv1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload: %v", err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id")
	}
	c.sessionID = p.SessionID
	return c
}

func mustSubscribe(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	mustWrite(parent, c.conn, envelope(feedv1.TypeSubscribe, feedv1.SubscribePayload{Tables: []string{feedv1.TableMessages}}), stepTimeout)
	echo := c.mustReadUntilType(parent, feedv1.TypeSubscribe, stepTimeout)

	var p feedv1.SubscribePayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal subscribe echo: %v", err)
	}
	if len(p.Tables) != 1 || p.Tables[0] != feedv1.TableMessages {
		fatalf("subscribe echo tables=%v", p.Tables)
	}
}

func mustAppend(parent context.Context, base, convID, externalID, text string, stepTimeout time.Duration) (string, bool) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(viewv1.AppendMessageRequest{
		Content:    text,
		SenderType: "customer",
		ExternalID: externalID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/conversations/"+url.PathEscape(convID)+"/messages", bytes.NewReader(body))
	if err != nil {
		fatalf("build append request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("append: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		fatalf("append status=%d", resp.StatusCode)
	}

	var out viewv1.AppendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("decode append response: %v", err)
	}
	return out.ID, out.Duplicated
}

func mustThread(parent context.Context, base, convID string, stepTimeout time.Duration) viewv1.ThreadView {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/conversations/"+url.PathEscape(convID)+"/thread", nil)
	if err != nil {
		fatalf("build thread request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("thread: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fatalf("thread status=%d", resp.StatusCode)
	}

	var v viewv1.ThreadView
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		fatalf("decode thread view: %v", err)
	}
	return v
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)
		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			var env feedv1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}
			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *smokeClient) mustReadEvent(parent context.Context, stepTimeout time.Duration) feedv1.Event {
	env := c.mustReadUntilType(parent, feedv1.TypeTableChanged, stepTimeout)
	var p feedv1.TableChangedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal table_changed payload: %v", err)
	}
	return p.Event
}

func (c *smokeClient) mustAssertNoEvent(parent context.Context, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly: %v", err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly")
			}
			if env.Type == feedv1.TypeTableChanged {
				fatalf("unexpected table_changed after duplicate append")
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) feedv1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q: %v", wantType, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q: %v", wantType, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q", wantType)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == feedv1.TypeError {
				var ep feedv1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
			}
		}
	}
}

func envelope(typ string, payload any) feedv1.Envelope {
	b, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return feedv1.Envelope{V: feedv1.Version, Type: typ, TS: time.Now().UTC(), Payload: b}
}

func mustWrite(parent context.Context, conn *websocket.Conn, env feedv1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
