package signal

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/unisonfm/unison/internal/domain"
)

// onDisconnect handles an unannounced connection loss. Membership is kept
// for the grace period so a reconnect causes no observable churn; only
// the timer firing makes the departure real.
func (s *Service) onDisconnect(sess *session) {
	s.unregister(sess.socketID)
	gid := sess.group()
	if gid == "" {
		return
	}
	userID := domain.UserID(sess.identity.UserID)
	s.hub.Leave(gid, sess.socketID)
	remaining := s.groups.RemoveSocket(gid, userID, sess.socketID)
	log.Info().Str("module", "signal").Str("group_id", string(gid)).Str("user_id", string(userID)).
		Int("remaining_sockets", remaining).Msg("socket disconnected")

	// the grace timer applies even when this was already the last socket
	key := pendingKey{userID: userID, groupID: gid}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if p, exists := s.pending[key]; exists {
		// the latest disconnect restarts the window in full, so a second
		// socket dropping late never shortens the user's grace
		p.timer.Stop()
		p.at = time.Now()
		p.timer = time.AfterFunc(s.opts.DisconnectGrace, func() { s.finishCleanup(key) })
		return
	}
	s.pending[key] = &pendingCleanup{
		at:    time.Now(),
		timer: time.AfterFunc(s.opts.DisconnectGrace, func() { s.finishCleanup(key) }),
	}
}

// finishCleanup fires when the grace period elapses with no reconnect.
func (s *Service) finishCleanup(key pendingKey) {
	s.mu.Lock()
	if _, ok := s.pending[key]; !ok || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.mu.Unlock()

	if s.groups.SocketCount(key.groupID, key.userID) > 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	if err := s.opts.Hooks.OnLeave(ctx, string(key.groupID), string(key.userID)); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("group_id", string(key.groupID)).Msg("deferred leave hook failed")
	}
	cancel()

	res := s.groups.Leave(key.groupID, key.userID)
	log.Info().Str("module", "signal").Str("group_id", string(key.groupID)).
		Str("user_id", string(key.userID)).Msg("grace period elapsed, member removed")
	if res.Ended {
		s.deleteSnapshot(key.groupID)
	} else if res.Left {
		s.persistAndSync(key.groupID)
	}
}

func (s *Service) cancelPending(userID domain.UserID, gid domain.GroupID) *pendingCleanup {
	key := pendingKey{userID: userID, groupID: gid}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[key]
	if !ok {
		return nil
	}
	delete(s.pending, key)
	p.timer.Stop()
	return p
}

// observeReconnect records reconnect latency when a join lands inside the
// grace window for the same user+group. The SLO is monitored, never
// enforced.
func (s *Service) observeReconnect(userID domain.UserID, gid domain.GroupID) {
	p := s.cancelPending(userID, gid)
	if p == nil {
		return
	}
	latency := time.Since(p.at)
	ev := log.Info()
	if latency > s.opts.ReconnectSLO {
		ev = log.Warn()
	}
	ev.Str("module", "signal").Str("group_id", string(gid)).Str("user_id", string(userID)).
		Dur("latency", latency).Dur("slo", s.opts.ReconnectSLO).Msg("reconnected within grace window")
}

// pollJanitor expires polling-fallback sessions that stopped polling; an
// expired poll session goes through the same disconnect path as a dropped
// websocket.
func (s *Service) pollJanitor() {
	defer close(s.janitorDone)
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.janitorStop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			var stale []*session
			for _, sess := range s.conns {
				if _, ok := sess.conn.(*pollConn); !ok {
					continue
				}
				if sess.idleSince(now) > s.opts.DisconnectGrace {
					stale = append(stale, sess)
				}
			}
			s.mu.Unlock()
			for _, sess := range stale {
				log.Info().Str("module", "signal").Str("socket_id", string(sess.socketID)).Msg("poll session expired")
				sess.conn.Close()
				s.onDisconnect(sess)
			}
		}
	}
}
