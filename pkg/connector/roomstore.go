// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"sync"

	"github.com/aiku/mautrix-slack/pkg/datastore"
	"maunium.net/go/mautrix/id"
)

type roomKeys struct {
	matrix  id.RoomID
	channel string
	inbound string
}

// RoomStore indexes rooms by Matrix room id, Slack channel id and inbound
// id. A room is only ever reachable under the keys it had when it was last
// upserted.
type RoomStore struct {
	mu        sync.RWMutex
	byMatrix  map[id.RoomID]Room
	byChannel map[string]Room
	byInbound map[string]Room
	keys      map[Room]roomKeys
}

func NewRoomStore() *RoomStore {
	return &RoomStore{
		byMatrix:  make(map[id.RoomID]Room),
		byChannel: make(map[string]Room),
		byInbound: make(map[string]Room),
		keys:      make(map[Room]roomKeys),
	}
}

// Upsert (re)indexes room under its current keys. Stale keys of room are
// dropped first, then any other room that holds one of the new keys is
// evicted entirely.
func (s *RoomStore) Upsert(room Room) {
	next := roomKeys{
		matrix:  room.MatrixRoomID(),
		channel: room.SlackChannelID(),
		inbound: room.InboundID(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(room)
	for _, other := range []Room{s.byMatrix[next.matrix], s.byChannel[next.channel], s.byInbound[next.inbound]} {
		if other != nil {
			s.removeLocked(other)
		}
	}

	if next.matrix != "" {
		s.byMatrix[next.matrix] = room
	}
	if next.channel != "" {
		s.byChannel[next.channel] = room
	}
	if next.inbound != "" {
		s.byInbound[next.inbound] = room
	}
	s.keys[room] = next
}

// Remove drops room from every index.
func (s *RoomStore) Remove(room Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(room)
}

func (s *RoomStore) removeLocked(room Room) {
	old, ok := s.keys[room]
	if !ok {
		return
	}
	if s.byMatrix[old.matrix] == room {
		delete(s.byMatrix, old.matrix)
	}
	if s.byChannel[old.channel] == room {
		delete(s.byChannel, old.channel)
	}
	if s.byInbound[old.inbound] == room {
		delete(s.byInbound, old.inbound)
	}
	delete(s.keys, room)
}

func (s *RoomStore) GetByMatrixRoomID(roomID id.RoomID) Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byMatrix[roomID]
}

func (s *RoomStore) GetBySlackChannelID(channelID string) Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byChannel[channelID]
}

func (s *RoomStore) GetByInboundID(inboundID string) Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byInbound[inboundID]
}

// All returns every indexed room in no particular order.
func (s *RoomStore) All() []Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Room, 0, len(s.keys))
	for room := range s.keys {
		out = append(out, room)
	}
	return out
}

func (s *RoomStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Persist writes room when it is dirty and reindexes it, since a setter may
// have changed its channel id.
func (s *RoomStore) Persist(ctx context.Context, ds datastore.Datastore, room Room) error {
	s.Upsert(room)
	if !room.IsDirty() {
		return nil
	}
	entry, gen := room.Snapshot()
	if err := ds.UpsertRoom(ctx, entry); err != nil {
		return fmt.Errorf("failed to persist room %s: %w", room.MatrixRoomID(), err)
	}
	room.MarkPersisted(gen)
	return nil
}

// FlushDirty persists every dirty room and returns the first error.
func (s *RoomStore) FlushDirty(ctx context.Context, ds datastore.Datastore) error {
	var firstErr error
	for _, room := range s.All() {
		if !room.IsDirty() {
			continue
		}
		if err := s.Persist(ctx, ds, room); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
