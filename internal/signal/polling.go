package signal

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/unisonfm/unison/internal/auth"
	"github.com/unisonfm/unison/internal/domain"
)

// The polling fallback gives clients without a working websocket the same
// runtime: each client-token cookie maps to one virtual connection whose
// outbound frames accumulate until the next poll drains them. The janitor
// treats a client that stops polling like a dropped socket.

func (s *Service) pollSession(clientToken string, ident *auth.Identity) *session {
	sid := domain.SocketID("poll:" + clientToken)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if sess, ok := s.conns[sid]; ok {
		if sess.identity.UserID == ident.UserID {
			sess.touch(time.Now())
			s.mu.Unlock()
			return sess
		}
		// same browser, new login: the old user's session must not be
		// resumed under the new credential
		delete(s.conns, sid)
		s.mu.Unlock()
		log.Info().Str("module", "signal").Str("socket_id", string(sid)).
			Str("old_user_id", sess.identity.UserID).Str("user_id", ident.UserID).
			Msg("polling client changed identity, dropping old session")
		sess.conn.Close()
		s.onDisconnect(sess)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil
		}
	}
	sess := &session{
		socketID: sid,
		identity: ident,
		conn:     &pollConn{},
		lastSeen: time.Now(),
	}
	s.conns[sid] = sess
	s.mu.Unlock()
	log.Info().Str("module", "signal").Str("socket_id", string(sid)).
		Str("user_id", ident.UserID).Msg("new polling session")
	return sess
}

// PollingSend dispatches one event for a polling client and returns the
// ack frame synchronously.
func (s *Service) PollingSend(clientToken string, ident *auth.Identity, data []byte) []byte {
	sess := s.pollSession(clientToken, ident)
	if sess == nil {
		return ackErr("", "Internal error")
	}
	return s.HandleFrame(sess, data)
}

// PollingFrames drains the buffered room frames for a polling client.
func (s *Service) PollingFrames(clientToken string, ident *auth.Identity) [][]byte {
	sess := s.pollSession(clientToken, ident)
	if sess == nil {
		return nil
	}
	pc, ok := sess.conn.(*pollConn)
	if !ok {
		return nil
	}
	return pc.drain()
}
