package signal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/unisonfm/unison/internal/domain"
)

// FrameRelay pushes an already-serialized room frame to sockets connected
// to other pods. Nil relay means pod-local broadcast only.
type FrameRelay interface {
	PublishFrame(ctx context.Context, id domain.GroupID, frame []byte)
}

// Hub tracks which sockets are in which group room and fans frames out to
// them, locally and (through the relay) cluster-wide.
type Hub struct {
	mu    sync.RWMutex
	rooms map[domain.GroupID]map[domain.SocketID]Conn
	relay FrameRelay
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[domain.GroupID]map[domain.SocketID]Conn)}
}

func (h *Hub) SetRelay(relay FrameRelay) {
	h.mu.Lock()
	h.relay = relay
	h.mu.Unlock()
}

func (h *Hub) Join(id domain.GroupID, sid domain.SocketID, c Conn) {
	h.mu.Lock()
	room, ok := h.rooms[id]
	if !ok {
		room = make(map[domain.SocketID]Conn)
		h.rooms[id] = room
	}
	room[sid] = c
	h.mu.Unlock()
}

func (h *Hub) Leave(id domain.GroupID, sid domain.SocketID) {
	h.mu.Lock()
	if room, ok := h.rooms[id]; ok {
		delete(room, sid)
		if len(room) == 0 {
			delete(h.rooms, id)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) DropRoom(id domain.GroupID) {
	h.mu.Lock()
	delete(h.rooms, id)
	h.mu.Unlock()
}

// Broadcast serializes once and delivers to every local room member, then
// hands the frame to the relay for remote pods.
func (h *Hub) Broadcast(id domain.GroupID, v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("broadcast marshal")
		return
	}
	h.deliverLocal(id, frame)

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		relay.PublishFrame(ctx, id, frame)
		cancel()
	}
}

// DeliverLocal sends a frame that originated on another pod to the local
// sockets only; relaying it again would echo forever.
func (h *Hub) DeliverLocal(id domain.GroupID, frame []byte) {
	h.deliverLocal(id, frame)
}

func (h *Hub) deliverLocal(id domain.GroupID, frame []byte) {
	h.mu.RLock()
	conns := make([]Conn, 0, len(h.rooms[id]))
	for _, c := range h.rooms[id] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		if err := c.TrySend(frame); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("group_id", string(id)).Msg("broadcast drop")
		}
	}
}
