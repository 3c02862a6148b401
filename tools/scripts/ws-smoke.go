// Package main provides a CI-friendly WebSocket smoke test for Calls realtime.
//
// It plays both the client and the verification service against a running
// server that shares the given Redis:
//   - handshake + subprotocol selection with a fresh correlation id
//   - verified correlation published on the auth channel -> connected (new)
//   - refreshed correlation on the same id -> connected (refreshed)
//   - total:sockets -> ack with the registered count
//   - logout -> server closes the socket
package main

import (
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

	authv1 "calls/shared/contracts/auth/v1"
	v1 "calls/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	conn  *websocket.Conn
	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin    = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		redisAddr = flag.String("redis", "127.0.0.1:6379", "Redis address shared with the server")
		redisPass = flag.String("redis-password", os.Getenv("CALLS_REDIS_PASSWORD"), "Redis password")
		namespace = flag.String("namespace", os.Getenv("CALLS_KEY_NAMESPACE"), "Key namespace configured on the server")
		channel   = flag.String("channel", authv1.DefaultChannel, "Auth correlation channel (without namespace)")
		identity  = flag.String("identity", "smoke-"+uuid.NewString()[:8], "Identity id to authenticate as")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	root := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr, Password: *redisPass})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(root, *timeout)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		fatalf("redis ping: %v", err)
	}
	cancel()

	authChannel := *channel
	if ns := strings.Trim(strings.TrimSpace(*namespace), ":"); ns != "" {
		authChannel = ns + ":" + authChannel
	}

	correlationID := uuid.NewString()
	c := mustConnect(root, *wsURL, *origin, correlationID, *timeout)
	defer closeWS(c.conn)

	mustPublish(root, rdb, authChannel, authv1.Correlation{
		IdentityID:    *identity,
		Status:        authv1.StatusVerified,
		CorrelationID: correlationID,
		IssuedAt:      time.Now().UTC(),
	}, *timeout)
	first := mustConnected(root, c, *identity, "new", *timeout)
	if *verbose {
		fmt.Printf("connected: connection_id=%s identity_id=%s path=%s\n", first.ConnectionID, first.IdentityID, first.Path)
	}

	mustPublish(root, rdb, authChannel, authv1.Correlation{
		IdentityID:    *identity,
		Status:        authv1.StatusRefreshed,
		CorrelationID: correlationID,
		IssuedAt:      time.Now().UTC(),
	}, *timeout)
	second := mustConnected(root, c, *identity, "refreshed", *timeout)
	if second.ConnectionID != first.ConnectionID {
		fatalf("refresh changed connection id: %s -> %s", first.ConnectionID, second.ConnectionID)
	}

	total := mustTotalSockets(root, c, *timeout)
	if total < 1 {
		fatalf("total:sockets: got %d want >= 1", total)
	}

	mustWriteWithTimeout(root, c.conn, v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeLogout,
		TS:   time.Now().UTC(),
	}, *timeout)
	mustClosed(root, c, *timeout)

	fmt.Printf("OK: identity_id=%s connection_id=%s total=%d\n", *identity, first.ConnectionID, total)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func mustConnect(parent context.Context, wsURL, origin, correlationID string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u, _ := url.Parse(wsURL)
	q := u.Query()
	q.Set("correlation_id", correlationID)
	u.RawQuery = q.Encode()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustPublish(parent context.Context, rdb *redis.Client, channel string, corr authv1.Correlation, stepTimeout time.Duration) {
	if err := corr.Validate(); err != nil {
		fatalf("correlation: %v", err)
	}
	b, err := json.Marshal(corr)
	if err != nil {
		fatalf("marshal correlation: %v", err)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := rdb.Publish(ctx, channel, b).Err(); err != nil {
		fatalf("publish %s: %v", channel, err)
	}
}

func mustConnected(parent context.Context, c *smokeClient, identityID, path string, stepTimeout time.Duration) v1.ConnectedPayload {
	env := c.mustReadUntilType(parent, v1.TypeConnected, stepTimeout)

	var p v1.ConnectedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal connected payload: %v", err)
	}
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("connected missing connection_id")
	}
	if p.IdentityID != identityID {
		fatalf("connected identity mismatch: got=%q want=%q", p.IdentityID, identityID)
	}
	if p.Path != path {
		fatalf("connected path mismatch: got=%q want=%q", p.Path, path)
	}
	return p
}

func mustTotalSockets(parent context.Context, c *smokeClient, stepTimeout time.Duration) int64 {
	id := "total-" + uuid.NewString()
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeTotalSockets,
		ID:   id,
		TS:   time.Now().UTC(),
	}, stepTimeout)

	for {
		env := c.mustReadUntilType(parent, v1.TypeAck, stepTimeout)
		if env.AckID != id {
			continue
		}
		var p v1.TotalSocketsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal total:sockets ack: %v", err)
		}
		return p.Total
	}
}

func mustClosed(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("server did not close after logout")
		case _, ok := <-c.inbox:
			if ok {
				continue
			}
			err := <-c.errCh
			if st := websocket.CloseStatus(err); st != websocket.StatusNormalClosure {
				fatalf("close after logout: status=%v err=%v", st, err)
			}
			return
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, want string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s", want)
		case err := <-c.errCh:
			fatalf("read failed while waiting for %s: %v", want, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %s", want)
			}
			switch env.Type {
			case want:
				return env
			case v1.TypeConnectionError, v1.TypeError:
				msg, _ := v1.DecodeString(env.Payload)
				fatalf("server sent %s while waiting for %s: %s %s", env.Type, want, msg, string(env.Payload))
			}
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal %s: %v", env.Type, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s: %v", env.Type, err)
	}
}

func closeWS(conn *websocket.Conn) {
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
