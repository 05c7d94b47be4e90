package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vesaa/talonwatch/internal/apperrors"
	"github.com/vesaa/talonwatch/internal/models"
	"github.com/vesaa/talonwatch/internal/retry"
)

const (
	writeWait = 10 * time.Second
	readLimit = 64 << 10
)

var _ Publisher = (*WSPublisher)(nil)

// WSPublisher keeps one websocket to the relay. It dials lazily, announces
// itself with join-as-probe on every connect and backs off between failed dials.
type WSPublisher struct {
	url      string
	hostname string
	dialer   *websocket.Dialer
	backoff  *retry.Backoff
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	conn     *websocket.Conn
	nextDial time.Time
}

func NewWSPublisher(url, hostname string, backoff *retry.Backoff, logger *zap.Logger) *WSPublisher {
	return &WSPublisher{
		url:      url,
		hostname: hostname,
		dialer:   &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		backoff:  backoff,
		logger:   logger,
		now:      time.Now,
	}
}

func (p *WSPublisher) Publish(ctx context.Context, rec models.MetricsRecord) error {
	frame, err := models.NewEnvelope(models.EventPublishMetrics, rec)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureConnLocked(ctx); err != nil {
		return err
	}
	return p.writeLocked(frame, time.Now().Add(writeWait))
}

// Goodbye sends host-offline over the current connection. It never dials.
func (p *WSPublisher) Goodbye(ctx context.Context, hostname string) error {
	frame, err := models.NewEnvelope(models.EventHostOffline, models.HostOffline{Hostname: hostname})
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return fmt.Errorf("probe.WSPublisher.Goodbye: %w", apperrors.ErrRelayUnavailable)
	}
	deadline := time.Now().Add(writeWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	return p.writeLocked(frame, deadline)
}

func (p *WSPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(time.Second))
	err := p.conn.Close()
	p.conn = nil
	return err
}

func (p *WSPublisher) writeLocked(frame []byte, deadline time.Time) error {
	_ = p.conn.SetWriteDeadline(deadline)
	if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		p.logger.Warn("relay write failed, reconnecting", zap.Error(err))
		p.dropLocked(p.conn)
		return fmt.Errorf("probe.WSPublisher.write: %w", err)
	}
	return nil
}

func (p *WSPublisher) ensureConnLocked(ctx context.Context) error {
	if p.conn != nil {
		return nil
	}
	if wait := p.nextDial.Sub(p.now()); wait > 0 {
		return fmt.Errorf("%w: next attempt in %s", apperrors.ErrRelayUnavailable, wait.Round(time.Millisecond))
	}

	conn, _, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		p.scheduleRetryLocked()
		return fmt.Errorf("%w: dial %s: %v", apperrors.ErrRelayUnavailable, p.url, err)
	}
	join, err := models.NewEnvelope(models.EventJoinProbe, models.JoinProbe{Hostname: p.hostname})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err = conn.WriteMessage(websocket.TextMessage, join)
	}
	if err != nil {
		_ = conn.Close()
		p.scheduleRetryLocked()
		return fmt.Errorf("%w: join: %v", apperrors.ErrRelayUnavailable, err)
	}

	conn.SetReadLimit(readLimit)
	p.conn = conn
	p.backoff.Reset()
	go p.readLoop(conn)
	p.logger.Info("connected to relay", zap.String("url", p.url), zap.String("hostname", p.hostname))
	return nil
}

func (p *WSPublisher) scheduleRetryLocked() {
	d := p.backoff.Next()
	p.nextDial = p.now().Add(d)
	p.logger.Warn("relay unreachable", zap.String("url", p.url), zap.Duration("retry_in", d))
}

// readLoop answers pings and notices when the relay goes away.
func (p *WSPublisher) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			p.mu.Lock()
			p.dropLocked(conn)
			p.mu.Unlock()
			return
		}
	}
}

func (p *WSPublisher) dropLocked(conn *websocket.Conn) {
	if p.conn != conn || conn == nil {
		return
	}
	_ = conn.Close()
	p.conn = nil
}
