package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vesaa/talonwatch/internal/apperrors"
	"github.com/vesaa/talonwatch/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Probes and dashboards are not browsers; any origin may connect.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWS upgrades GET /ws. The role is chosen by the first join event.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("remote_addr", c.ClientIP()))
		return
	}

	client := NewClient(c.ClientIP(), s.cfg.SendBuffer)
	s.hub.Attach(client)

	go s.writePump(conn, client)
	s.readPump(conn, client)
}

// readPump decodes inbound frames until the connection fails. Any decode or
// routing problem is contained to the frame that caused it.
func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer func() {
		s.hub.Leave(client)
		_ = conn.Close()
	}()

	if s.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("connection closed", zap.String("client_id", client.ID), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		if err := s.dispatch(client, data); err != nil {
			s.logger.Warn("dropping frame", zap.String("client_id", client.ID), zap.Error(err))
		}
	}
}

func (s *Server) dispatch(client *Client, data []byte) error {
	env, err := models.DecodeEnvelope(data)
	if err != nil {
		return err
	}

	switch env.Event {
	case models.EventJoinProbe:
		// the announcement is optional; a bad payload still joins the probe group
		var join models.JoinProbe
		_ = json.Unmarshal(env.Data, &join)
		s.hub.Join(client, RoleProbe, join.Hostname)
	case models.EventJoinDashboard:
		var join models.JoinDashboard
		_ = json.Unmarshal(env.Data, &join)
		if s.cfg.DashboardAuth {
			if _, err := s.auth.ParseJWT(join.Token); err != nil {
				s.refuse(client, err)
				return err
			}
		}
		s.hub.Join(client, RoleDashboard, "")
	case models.EventPublishMetrics, models.EventHostOffline:
		if len(env.Data) == 0 {
			return apperrors.ErrMalformedEvent
		}
		s.hub.Forward(client, env.Event, env.Data)
	default:
		return apperrors.ErrUnknownEvent
	}
	return nil
}

// refuse tells the client why its join failed; the connection stays open so
// it may retry with a fresh token.
func (s *Server) refuse(client *Client, cause error) {
	msg := cause.Error()
	if errors.Is(cause, apperrors.ErrInvalidToken) {
		msg = apperrors.ErrInvalidToken.Error()
	}
	frame, err := models.NewEnvelope(models.EventError, models.ErrorPayload{Error: msg})
	if err != nil {
		return
	}
	client.TrySend(frame)
}

// writePump drains the client queue and keeps the connection alive with pings.
func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-client.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "closing"))
			return
		case frame := <-client.Send():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug("write failed", zap.String("client_id", client.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
