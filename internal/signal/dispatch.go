package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/unisonfm/unison/internal/cluster"
	"github.com/unisonfm/unison/internal/domain"
	"github.com/unisonfm/unison/internal/group"
)

// HandleFrame processes one client event and returns the reply frame to
// send back on the same connection (nil when the event has no reply).
// Anything unexpected is caught here, logged, and surfaced as a generic
// failure instead of killing the connection.
func (s *Service) HandleFrame(sess *session, data []byte) (reply []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("module", "signal").Str("event", env.Type).Msg("handler panic")
			s.metrics.observe("internal")
			reply = ackErr(env.ID, "Internal error")
		}
	}()

	switch env.Type {
	case "join-group":
		return s.handleJoin(sess, env, data)
	case "leave-group":
		return s.handleLeave(sess, env)
	case "end-group":
		return s.handleEnd(sess, env)
	case "playback":
		return s.handlePlayback(sess, env, data)
	case "queue":
		return s.handleQueue(sess, env, data)
	case "ready":
		return s.handleReady(sess, env)
	case "lt-ping":
		return mustFrame(struct {
			Type       string `json:"type"`
			ServerTime int64  `json:"serverTime"`
		}{"pong", time.Now().UnixMilli()})
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown event")
		return nil
	}
}

func (s *Service) handleJoin(sess *session, env envelope, data []byte) []byte {
	var p struct {
		GroupID string `json:"groupId"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.GroupID == "" {
		s.metrics.observe("validation")
		return ackErr(env.ID, "groupId is required")
	}
	gid := domain.GroupID(p.GroupID)
	userID := domain.UserID(sess.identity.UserID)

	if cur := sess.group(); cur == gid {
		return ackOK(env.ID)
	} else if cur != "" {
		// joining a different group implies leaving the old one first
		s.leaveCurrent(sess, cur)
	}

	// a pod that never held this group learns it from the snapshot store
	if !s.groups.Has(gid) && s.opts.Snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		snap, err := s.opts.Snapshots.Get(ctx, gid)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("group_id", string(gid)).Msg("rehydrate failed")
		} else if snap != nil {
			s.groups.ApplyExternalSnapshot(*snap)
			log.Info().Str("module", "signal").Str("group_id", string(gid)).Msg("group rehydrated from snapshot store")
		}
	}

	newMember := !s.groups.IsMember(gid, userID)
	if newMember {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		err := s.opts.Hooks.OnJoin(ctx, string(gid), string(userID))
		cancel()
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Str("group_id", string(gid)).Msg("join hook failed")
			s.metrics.observe("join_failed")
			return ackErr(env.ID, "Failed to join group")
		}
	}

	s.hub.Join(gid, sess.socketID, sess.conn)
	snap, _ := s.groups.Join(gid, userID, sess.identity.Name, sess.socketID)
	sess.setGroup(gid)
	s.observeReconnect(userID, gid)

	if newMember {
		s.persistAndSync(gid)
	}
	if err := sess.conn.TrySend(groupStateFrame(snap)); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("state push on join")
	}
	return ackOK(env.ID)
}

func (s *Service) handleLeave(sess *session, env envelope) []byte {
	gid := sess.group()
	if gid == "" {
		return ackOK(env.ID)
	}
	if err := s.leaveCurrent(sess, gid); err != nil {
		return ackErr(env.ID, "Failed to leave group")
	}
	return ackOK(env.ID)
}

// leaveCurrent performs an explicit departure: the hook fires immediately,
// no grace period. Other sessions of the same user in the group detach too.
func (s *Service) leaveCurrent(sess *session, gid domain.GroupID) error {
	userID := domain.UserID(sess.identity.UserID)
	s.cancelPending(userID, gid)

	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	hookErr := s.opts.Hooks.OnLeave(ctx, string(gid), string(userID))
	cancel()
	if hookErr != nil {
		log.Error().Err(hookErr).Str("module", "signal").Str("group_id", string(gid)).Msg("leave hook failed")
	}

	res := s.groups.Leave(gid, userID)
	s.hub.Leave(gid, sess.socketID)
	sess.setGroup("")
	for _, other := range s.sessionsOf(userID, gid, sess.socketID) {
		s.hub.Leave(gid, other.socketID)
		other.setGroup("")
	}

	if res.Ended {
		s.deleteSnapshot(gid)
	} else if res.Left {
		s.persistAndSync(gid)
	}
	return hookErr
}

func (s *Service) handleEnd(sess *session, env envelope) []byte {
	gid := sess.group()
	if gid == "" {
		s.metrics.observe("not_in_group")
		return ackErr(env.ID, "Not in a group")
	}
	if host, _ := s.groups.HostOf(gid); host != domain.UserID(sess.identity.UserID) {
		s.metrics.observe("not_host")
		return ackErr(env.ID, "Only the host can end the group")
	}

	release, err := s.acquireLock(gid)
	if err != nil {
		return ackErr(env.ID, lockErrMessage(err))
	}
	defer release()

	snap, _ := s.groups.SnapshotByID(gid)
	if !s.groups.End(gid) {
		return ackErr(env.ID, "Not in a group")
	}
	for _, m := range snap.Members {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		if err := s.opts.Hooks.OnLeave(ctx, string(gid), string(m.UserID)); err != nil {
			log.Error().Err(err).Str("module", "signal").Str("group_id", string(gid)).Msg("leave hook failed on end")
		}
		cancel()
		s.cancelPending(m.UserID, gid)
	}
	for _, member := range s.sessionsInGroup(gid) {
		member.setGroup("")
	}
	s.hub.DropRoom(gid)
	s.deleteSnapshot(gid)
	return ackOK(env.ID)
}

func (s *Service) handlePlayback(sess *session, env envelope, data []byte) []byte {
	gid := sess.group()
	if gid == "" {
		s.metrics.observe("not_in_group")
		return ackErr(env.ID, "Not in a group")
	}
	var p playbackPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.metrics.observe("validation")
		return ackErr(env.ID, "Invalid payload")
	}
	cmd, err := parsePlaybackCommand(p)
	if err != nil {
		s.metrics.observe("validation")
		return ackErr(env.ID, err.Error())
	}
	userID := domain.UserID(sess.identity.UserID)
	if host, _ := s.groups.HostOf(gid); host != userID {
		s.metrics.observe("not_host")
		return ackErr(env.ID, "Only the host can control playback")
	}

	release, err := s.acquireLock(gid)
	if err != nil {
		return ackErr(env.ID, lockErrMessage(err))
	}
	defer release()

	switch c := cmd.(type) {
	case playCommand:
		err = s.groups.Play(gid, userID)
	case pauseCommand:
		err = s.groups.Pause(gid, userID)
	case seekCommand:
		err = s.groups.Seek(gid, userID, c.positionMs)
	case nextCommand:
		err = s.groups.Next(gid, userID)
	case previousCommand:
		err = s.groups.Previous(gid, userID)
	case setTrackCommand:
		err = s.groups.SetTrack(gid, userID, c.index)
	}
	if err != nil {
		return s.mutationErrAck(env.ID, err)
	}
	s.persistAndSync(gid)
	return ackOK(env.ID)
}

func (s *Service) handleQueue(sess *session, env envelope, data []byte) []byte {
	gid := sess.group()
	if gid == "" {
		s.metrics.observe("not_in_group")
		return ackErr(env.ID, "Not in a group")
	}
	var p queuePayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.metrics.observe("validation")
		return ackErr(env.ID, "Invalid payload")
	}
	cmd, err := parseQueueCommand(p)
	if err != nil {
		s.metrics.observe("validation")
		return ackErr(env.ID, err.Error())
	}
	userID := domain.UserID(sess.identity.UserID)
	if host, _ := s.groups.HostOf(gid); host != userID {
		s.metrics.observe("not_host")
		return ackErr(env.ID, "Only the host can edit the queue")
	}

	release, err := s.acquireLock(gid)
	if err != nil {
		return ackErr(env.ID, lockErrMessage(err))
	}
	defer release()

	switch c := cmd.(type) {
	case addCommand:
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		tracks, rerr := s.opts.Resolver.Resolve(ctx, c.trackIDs)
		cancel()
		if rerr != nil {
			log.Error().Err(rerr).Str("module", "signal").Msg("track resolve failed")
			s.metrics.observe("internal")
			return ackErr(env.ID, "Failed to update queue")
		}
		err = s.groups.AddTracks(gid, userID, tracks)
	case removeCommand:
		err = s.groups.RemoveTrack(gid, userID, c.index)
	case reorderCommand:
		err = s.groups.Reorder(gid, userID, c.fromIndex, c.toIndex)
	case clearCommand:
		err = s.groups.ClearQueue(gid, userID)
	}
	if err != nil {
		return s.mutationErrAck(env.ID, err)
	}
	s.persistAndSync(gid)
	return ackOK(env.ID)
}

func (s *Service) handleReady(sess *session, env envelope) []byte {
	gid := sess.group()
	if gid == "" {
		s.metrics.observe("not_in_group")
		return ackErr(env.ID, "Ready report failed")
	}

	release, err := s.acquireLock(gid)
	if err != nil {
		return ackErr(env.ID, lockErrMessage(err))
	}
	defer release()

	if err := s.groups.ReportReady(gid, domain.UserID(sess.identity.UserID)); err != nil {
		s.metrics.observe("internal")
		return ackErr(env.ID, "Ready report failed")
	}
	s.persistAndSync(gid)
	return ackOK(env.ID)
}

func (s *Service) acquireLock(gid domain.GroupID) (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	release, err := s.opts.Locker.Acquire(ctx, gid)
	if err == nil {
		return release, nil
	}
	if errors.Is(err, cluster.ErrLockHeld) {
		s.metrics.observe("lock_conflict")
	} else {
		s.metrics.observe("lock_unavailable")
		log.Error().Err(err).Str("module", "signal").Str("group_id", string(gid)).Msg("lock acquire failed")
	}
	return nil, err
}

func lockErrMessage(err error) string {
	if errors.Is(err, cluster.ErrLockHeld) {
		return "Another group update is in progress. Please retry."
	}
	return "Group coordination temporarily unavailable. Please retry."
}

func (s *Service) mutationErrAck(id string, err error) []byte {
	var ve *group.ValidationError
	switch {
	case errors.As(err, &ve):
		s.metrics.observe("validation")
		return ackErr(id, ve.Msg)
	case errors.Is(err, group.ErrNotFound), errors.Is(err, group.ErrNotMember):
		s.metrics.observe("not_in_group")
		return ackErr(id, "Not in a group")
	default:
		log.Error().Err(err).Str("module", "signal").Msg("mutation failed")
		s.metrics.observe("internal")
		return ackErr(id, "Internal error")
	}
}
