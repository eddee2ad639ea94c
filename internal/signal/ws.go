package signal

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/unisonfm/unison/internal/auth"
	"github.com/unisonfm/unison/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// BearerToken pulls the credential from the Authorization header or, for
// browser websocket clients that cannot set headers, the token query
// parameter.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// HandleWS authenticates the connection and runs its read loop. Auth
// failures refuse the connection before the upgrade, so an unauthenticated
// caller can never reach group state.
func (s *Service) HandleWS(ctx context.Context, c *gin.Context) {
	ident, err := s.verify(c.Request)
	if err != nil {
		s.metrics.observe("auth")
		c.JSON(http.StatusUnauthorized, gin.H{"error": AuthMessage(err)})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := newWSConn(ws)
	sess := &session{
		socketID: domain.SocketID(uuid.NewString()),
		identity: ident,
		conn:     conn,
	}
	if !s.register(sess) {
		conn.Close()
		return
	}
	log.Info().Str("module", "signal").Str("socket_id", string(sess.socketID)).
		Str("user_id", ident.UserID).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		s.writePump(ctx, conn)
		cancel()
	}()
	s.readPump(ctx, sess, conn)
	cancel()
}

func (s *Service) verify(r *http.Request) (*auth.Identity, error) {
	ctx, cancel := context.WithTimeout(r.Context(), backendTimeout)
	defer cancel()
	return s.opts.Verifier.Verify(ctx, BearerToken(r))
}

// AuthMessage maps an auth failure to its wire-facing cause.
func AuthMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return "missing credential"
	case errors.Is(err, auth.ErrUnknownUser):
		return "user not found"
	case errors.Is(err, auth.ErrTokenExpired):
		return "Token expired"
	default:
		return "invalid token"
	}
}

func (s *Service) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump serializes this connection's events: one frame is fully
// handled, and its ack sent, before the next is read.
func (s *Service) readPump(ctx context.Context, sess *session, c *wsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("socket_id", string(sess.socketID)).Msg("readPump closing")
		c.Close()
		s.onDisconnect(sess)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			if reply := s.HandleFrame(sess, data); reply != nil {
				_ = c.TrySend(reply)
			}
		}
	}
}
