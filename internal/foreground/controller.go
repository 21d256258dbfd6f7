// Package foreground is the credential provider side of the worker channel.
// It stays connected to the worker and answers every credential request with
// whatever token the local session currently holds.
package foreground

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/memohai/mxgate/internal/protocol"
)

const (
	writeWait             = 10 * time.Second
	pongWait              = 60 * time.Second
	defaultReconnectDelay = 3 * time.Second
)

// CredentialSource yields the current access token, or "" when signed out.
type CredentialSource interface {
	AccessToken() string
}

type Options struct {
	WorkerURL string
	ClientID  string
	// Token authenticates the channel when the worker requires it.
	Token          string
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
}

type Controller struct {
	source    CredentialSource
	workerURL string
	header    http.Header
	delay     time.Duration
	dialer    *websocket.Dialer
	logger    *slog.Logger

	mu       sync.RWMutex
	clientID string
	ready    chan struct{}
	once     sync.Once
}

func NewController(log *slog.Logger, source CredentialSource, opts Options) (*Controller, error) {
	if log == nil {
		log = slog.Default()
	}
	if source == nil {
		return nil, fmt.Errorf("credential source is required")
	}
	target, err := url.Parse(strings.TrimSpace(opts.WorkerURL))
	if err != nil {
		return nil, fmt.Errorf("invalid worker url: %w", err)
	}
	if target.Scheme != "ws" && target.Scheme != "wss" {
		return nil, fmt.Errorf("invalid worker url: scheme must be ws or wss, got %q", target.Scheme)
	}
	if id := strings.TrimSpace(opts.ClientID); id != "" {
		query := target.Query()
		query.Set("client_id", id)
		target.RawQuery = query.Encode()
	}
	header := http.Header{}
	if token := strings.TrimSpace(opts.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	c := &Controller{
		source:    source,
		workerURL: target.String(),
		header:    header,
		delay:     opts.ReconnectDelay,
		dialer:    opts.Dialer,
		logger:    log.With(slog.String("component", "foreground")),
		ready:     make(chan struct{}),
	}
	if c.delay <= 0 {
		c.delay = defaultReconnectDelay
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	return c, nil
}

// ClientID is the connection id the worker announced, empty until the first hello.
func (c *Controller) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// Ready is closed once the first hello arrives.
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

// HandleMessage returns the reply for msg, if any. Every credential request
// gets exactly one reply.
func (c *Controller) HandleMessage(msg protocol.Message) (protocol.Message, bool) {
	switch m := msg.(type) {
	case protocol.AuthRequest:
		reply := protocol.AuthResponse{RequestID: m.RequestID}
		if token := c.source.AccessToken(); token != "" {
			reply.AccessToken = token
		} else {
			reply.Error = protocol.NoAccessTokenError
		}
		return reply, true
	case protocol.Hello:
		c.mu.Lock()
		c.clientID = m.ClientID
		c.mu.Unlock()
		c.once.Do(func() { close(c.ready) })
		c.logger.Info("registered with worker", slog.String("client_id", m.ClientID))
		return nil, false
	default:
		c.logger.Debug("ignore message", slog.String("type", string(msg.MessageType())))
		return nil, false
	}
}

// Run keeps a connection to the worker open until ctx ends, reconnecting
// after every failure.
func (c *Controller) Run(ctx context.Context) error {
	for {
		conn, resp, err := c.dialer.DialContext(ctx, c.workerURL, c.header)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attrs := []any{slog.Any("error", err)}
			if resp != nil {
				attrs = append(attrs, slog.Int("status", resp.StatusCode))
			}
			c.logger.Warn("dial worker failed", attrs...)
		} else {
			c.logger.Info("connected to worker")
			if err := c.serve(ctx, conn); err != nil && ctx.Err() == nil {
				c.logger.Warn("worker connection lost", slog.Any("error", err))
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.delay):
		}
	}
}

func (c *Controller) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = conn.Close()
	})
	defer func() {
		stop()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("drop invalid frame", slog.Any("error", err))
			continue
		}
		reply, ok := c.HandleMessage(msg)
		if !ok {
			continue
		}
		frame, err := protocol.Encode(reply)
		if err != nil {
			c.logger.Error("encode reply failed", slog.Any("error", err))
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}
}
