// Copyright 2024-2026 Aiku AI

package datastore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps all state in process memory. It is used by tests and by
// deployments that accept losing correlation history on restart.
type MemoryStore struct {
	mu sync.RWMutex

	rooms          map[string]*RoomEntry
	users          map[string]*UserEntry
	teams          map[string]*TeamEntry
	eventsByMatrix map[string]*EventEntry
	eventsBySlack  map[string]*EventEntry
	reactsByMatrix map[string]*ReactionEntry
	reactsBySlack  map[string]*ReactionEntry
	puppets        map[string]*PuppetEntry
	adminByUser    map[string]string
	adminByRoom    map[string]string
}

var _ Datastore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:          make(map[string]*RoomEntry),
		users:          make(map[string]*UserEntry),
		teams:          make(map[string]*TeamEntry),
		eventsByMatrix: make(map[string]*EventEntry),
		eventsBySlack:  make(map[string]*EventEntry),
		reactsByMatrix: make(map[string]*ReactionEntry),
		reactsBySlack:  make(map[string]*ReactionEntry),
		puppets:        make(map[string]*PuppetEntry),
		adminByUser:    make(map[string]string),
		adminByRoom:    make(map[string]string),
	}
}

func (m *MemoryStore) UpsertRoom(_ context.Context, room *RoomEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *room
	m.rooms[room.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteRoom(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, id)
	return nil
}

func (m *MemoryStore) GetAllRooms(_ context.Context) ([]*RoomEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*RoomEntry, 0, len(m.rooms))
	for _, r := range m.rooms {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) UpsertUser(_ context.Context, user *UserEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*UserEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetAllUsersForTeam(_ context.Context, teamID string) ([]*UserEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*UserEntry
	for _, u := range m.users {
		if u.TeamID == teamID {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertTeam(_ context.Context, team *TeamEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *team
	m.teams[team.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTeam(_ context.Context, teamID string) (*TeamEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.teams[teamID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetAllTeams(_ context.Context) ([]*TeamEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TeamEntry, 0, len(m.teams))
	for _, t := range m.teams {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) DeleteTeam(_ context.Context, teamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.teams, teamID)
	return nil
}

func (m *MemoryStore) UpsertEvent(_ context.Context, evt *EventEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := copyEvent(evt)
	m.eventsByMatrix[matrixEventKey(evt.RoomID, evt.EventID)] = cp
	if evt.EditOf == "" {
		m.eventsBySlack[slackEventKey(evt.SlackChannelID, evt.SlackTS)] = cp
	}
	return nil
}

func (m *MemoryStore) GetEventByMatrixID(_ context.Context, roomID, eventID string) (*EventEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.eventsByMatrix[matrixEventKey(roomID, eventID)]
	if !ok {
		return nil, nil
	}
	return copyEvent(e), nil
}

func (m *MemoryStore) GetEventBySlackID(_ context.Context, channelID, ts string) (*EventEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.eventsBySlack[slackEventKey(channelID, ts)]
	if !ok {
		return nil, nil
	}
	return copyEvent(e), nil
}

func (m *MemoryStore) DeleteEventByMatrixID(_ context.Context, roomID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := matrixEventKey(roomID, eventID)
	e, ok := m.eventsByMatrix[key]
	if !ok {
		return nil
	}
	delete(m.eventsByMatrix, key)
	slackKey := slackEventKey(e.SlackChannelID, e.SlackTS)
	if cur, ok := m.eventsBySlack[slackKey]; ok && cur.EventID == e.EventID {
		delete(m.eventsBySlack, slackKey)
	}
	return nil
}

func (m *MemoryStore) InsertReaction(_ context.Context, reaction *ReactionEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *reaction
	m.reactsByMatrix[matrixEventKey(reaction.RoomID, reaction.EventID)] = &cp
	m.reactsBySlack[slackReactionKey(reaction.SlackChannelID, reaction.SlackTS, reaction.SlackUserID, reaction.Reaction)] = &cp
	return nil
}

func (m *MemoryStore) GetReactionByMatrixID(_ context.Context, roomID, eventID string) (*ReactionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reactsByMatrix[matrixEventKey(roomID, eventID)]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetReactionBySlackID(_ context.Context, channelID, ts, userID, reaction string) (*ReactionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reactsBySlack[slackReactionKey(channelID, ts, userID, reaction)]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) DeleteReactionByMatrixID(_ context.Context, roomID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := matrixEventKey(roomID, eventID)
	r, ok := m.reactsByMatrix[key]
	if !ok {
		return nil
	}
	delete(m.reactsByMatrix, key)
	delete(m.reactsBySlack, slackReactionKey(r.SlackChannelID, r.SlackTS, r.SlackUserID, r.Reaction))
	return nil
}

func (m *MemoryStore) DeleteReactionBySlackID(_ context.Context, channelID, ts, userID, reaction string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := slackReactionKey(channelID, ts, userID, reaction)
	r, ok := m.reactsBySlack[key]
	if !ok {
		return nil
	}
	delete(m.reactsBySlack, key)
	delete(m.reactsByMatrix, matrixEventKey(r.RoomID, r.EventID))
	return nil
}

func (m *MemoryStore) SetPuppetToken(_ context.Context, puppet *PuppetEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *puppet
	m.puppets[puppetKey(puppet.TeamID, puppet.SlackUserID)] = &cp
	return nil
}

func (m *MemoryStore) GetPuppetBySlackID(_ context.Context, teamID, slackUserID string) (*PuppetEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.puppets[puppetKey(teamID, slackUserID)]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetPuppetsByMatrixID(_ context.Context, matrixID string) ([]*PuppetEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PuppetEntry
	for _, p := range m.puppets {
		if p.MatrixID == matrixID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetAllPuppets(_ context.Context) ([]*PuppetEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*PuppetEntry, 0, len(m.puppets))
	for _, p := range m.puppets {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) RemovePuppet(_ context.Context, teamID, slackUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.puppets, puppetKey(teamID, slackUserID))
	return nil
}

func (m *MemoryStore) SetUserAdminRoom(_ context.Context, userID, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.adminByUser[userID]; ok {
		delete(m.adminByRoom, old)
	}
	m.adminByUser[userID] = roomID
	m.adminByRoom[roomID] = userID
	return nil
}

func (m *MemoryStore) GetUserAdminRoom(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.adminByUser[userID], nil
}

func (m *MemoryStore) GetUserForAdminRoom(_ context.Context, roomID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.adminByRoom[roomID], nil
}

func (m *MemoryStore) CountRooms(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms), nil
}

func (m *MemoryStore) CountActiveRooms(_ context.Context, since time.Time) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for _, r := range m.rooms {
		if roomActiveSince(r, since) {
			out[r.Remote.TeamID]++
		}
	}
	return out, nil
}

func (m *MemoryStore) CountActiveUsers(_ context.Context, since time.Time) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for _, u := range m.users {
		if !u.LastActive.IsZero() && !u.LastActive.Before(since) {
			out[u.TeamID]++
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

