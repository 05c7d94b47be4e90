package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vesaa/talonwatch/internal/apperrors"
	"github.com/vesaa/talonwatch/internal/models"
	"github.com/vesaa/talonwatch/internal/retry"
)

const (
	pongWait  = 70 * time.Second
	writeWait = 10 * time.Second
)

// ClientOptions describe how to reach and authenticate against the relay.
type ClientOptions struct {
	RelayHTTP    string
	Username     string
	Password     string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// RelayClient logs in, subscribes as a dashboard and feeds relay frames to a channel.
type RelayClient struct {
	loginURL string
	wsURL    string
	username string
	password string
	http     *http.Client
	dialer   *websocket.Dialer
	backoff  *retry.Backoff
	logger   *zap.Logger
}

func NewRelayClient(opts ClientOptions, logger *zap.Logger) (*RelayClient, error) {
	base, err := url.Parse(strings.TrimRight(opts.RelayHTTP, "/"))
	if err != nil {
		return nil, fmt.Errorf("dashboard.NewRelayClient: %w", err)
	}
	ws := *base
	switch base.Scheme {
	case "http":
		ws.Scheme = "ws"
	case "https":
		ws.Scheme = "wss"
	default:
		return nil, fmt.Errorf("dashboard.NewRelayClient: unsupported scheme %q", base.Scheme)
	}
	ws.Path = base.Path + "/ws"

	return &RelayClient{
		loginURL: base.String() + "/api/login",
		wsURL:    ws.String(),
		username: opts.Username,
		password: opts.Password,
		http:     &http.Client{Timeout: 10 * time.Second},
		dialer:   &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		backoff:  retry.NewBackoff(opts.ReconnectMin, opts.ReconnectMax),
		logger:   logger,
	}, nil
}

type loginResponse struct {
	Token string `json:"token"`
	Error string `json:"error"`
}

// Login exchanges the configured credentials for a bearer token.
func (c *RelayClient) Login(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{"username": c.username, "password": c.password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.loginURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("dashboard.Login: %w", err)
	}
	defer resp.Body.Close()

	var out loginResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", fmt.Errorf("dashboard.Login: %w", apperrors.ErrInvalidCredentials)
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("dashboard.Login: relay returned %d %s", resp.StatusCode, out.Error)
	case out.Token == "":
		return "", errors.New("dashboard.Login: relay returned no token")
	}
	return out.Token, nil
}

// Stream keeps a subscription alive until ctx is done, reconnecting with
// backoff. Rejected credentials end the stream.
func (c *RelayClient) Stream(ctx context.Context, out chan<- []byte) error {
	for {
		err := c.session(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, apperrors.ErrInvalidCredentials) {
			return err
		}
		d := c.backoff.Next()
		c.logger.Warn("relay subscription lost", zap.Error(err), zap.Duration("retry_in", d))
		if !retry.Sleep(ctx, d) {
			return nil
		}
	}
}

func (c *RelayClient) session(ctx context.Context, out chan<- []byte) error {
	token, err := c.Login(ctx)
	if err != nil {
		return err
	}
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.wsURL, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	join, err := models.NewEnvelope(models.EventJoinDashboard, models.JoinDashboard{Token: token})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	c.logger.Info("subscribed to relay", zap.String("url", c.wsURL))
	subscribed := false
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		if env, err := models.DecodeEnvelope(data); err == nil && env.Event == models.EventError {
			// the join was refused; log in again on a fresh connection
			return fmt.Errorf("%w: %s", apperrors.ErrInvalidToken, env.Data)
		}
		if !subscribed {
			subscribed = true
			c.backoff.Reset()
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
