// Copyright 2024-2026 Aiku AI

package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/rs/zerolog"
)

// Key layout. Each record type lives under its own prefix; secondary indices
// hold the primary key of the record they point at.
const (
	prefixRoom        = "room:"
	prefixUser        = "user:"
	prefixTeam        = "team:"
	prefixEventMatrix = "event:mx:"
	prefixEventSlack  = "event:sl:"
	prefixReactMatrix = "reaction:mx:"
	prefixReactSlack  = "reaction:sl:"
	prefixPuppet      = "puppet:"
	prefixAdminByUser = "admin:user:"
	prefixAdminByRoom = "admin:room:"
)

// PebbleStore is a Datastore backed by a Pebble key-value database.
type PebbleStore struct {
	db  *pebble.DB
	log zerolog.Logger

	// writeMu serializes read-modify-write sequences that touch an index.
	writeMu sync.Mutex
}

var _ Datastore = (*PebbleStore)(nil)

// OpenPebble opens (or creates) a Pebble database at path. An empty path
// opens an in-memory filesystem.
func OpenPebble(path string, log zerolog.Logger) (*PebbleStore, error) {
	opts := &pebble.Options{}
	if path == "" {
		opts.FS = vfs.NewMem()
	}
	log = log.With().Str("component", "pebble").Logger()
	log.Info().Str("path", path).Msg("Opening datastore")
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %q: %w", path, err)
	}
	return &PebbleStore{db: db, log: log}, nil
}

func (p *PebbleStore) Close() error {
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("failed to close pebble: %w", err)
	}
	p.log.Info().Msg("Datastore closed")
	return nil
}

func (p *PebbleStore) getRaw(key string) ([]byte, error) {
	val, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", key, err)
	}
	out := make([]byte, len(val))
	copy(out, val)
	if err := closer.Close(); err != nil {
		return nil, fmt.Errorf("failed to release %q: %w", key, err)
	}
	return out, nil
}

func (p *PebbleStore) getJSON(key string, into any) (bool, error) {
	raw, err := p.getRaw(key)
	if err != nil || raw == nil {
		return false, err
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return false, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return true, nil
}

func (p *PebbleStore) setJSON(key string, val any) error {
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	if err := p.db.Set([]byte(key), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	return nil
}

func (p *PebbleStore) delete(key string) error {
	if err := p.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// scan calls fn with the value of every key under prefix, in key order.
func (p *PebbleStore) scan(prefix string, fn func(val []byte) error) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator on %q: %w", prefix, err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func scanJSON[T any](p *PebbleStore, prefix string, keep func(*T) bool) ([]*T, error) {
	var out []*T
	err := p.scan(prefix, func(val []byte) error {
		var rec T
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("failed to decode record under %q: %w", prefix, err)
		}
		if keep == nil || keep(&rec) {
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

func (p *PebbleStore) UpsertRoom(_ context.Context, room *RoomEntry) error {
	return p.setJSON(prefixRoom+room.ID, room)
}

func (p *PebbleStore) DeleteRoom(_ context.Context, id string) error {
	return p.delete(prefixRoom + id)
}

func (p *PebbleStore) GetAllRooms(_ context.Context) ([]*RoomEntry, error) {
	return scanJSON[RoomEntry](p, prefixRoom, nil)
}

func (p *PebbleStore) UpsertUser(_ context.Context, user *UserEntry) error {
	return p.setJSON(prefixUser+user.ID, user)
}

func (p *PebbleStore) GetUser(_ context.Context, id string) (*UserEntry, error) {
	var u UserEntry
	found, err := p.getJSON(prefixUser+id, &u)
	if !found {
		return nil, err
	}
	return &u, nil
}

func (p *PebbleStore) GetAllUsersForTeam(_ context.Context, teamID string) ([]*UserEntry, error) {
	return scanJSON(p, prefixUser, func(u *UserEntry) bool { return u.TeamID == teamID })
}

func (p *PebbleStore) UpsertTeam(_ context.Context, team *TeamEntry) error {
	return p.setJSON(prefixTeam+team.ID, team)
}

func (p *PebbleStore) GetTeam(_ context.Context, teamID string) (*TeamEntry, error) {
	var t TeamEntry
	found, err := p.getJSON(prefixTeam+teamID, &t)
	if !found {
		return nil, err
	}
	return &t, nil
}

func (p *PebbleStore) GetAllTeams(_ context.Context) ([]*TeamEntry, error) {
	return scanJSON[TeamEntry](p, prefixTeam, nil)
}

func (p *PebbleStore) DeleteTeam(_ context.Context, teamID string) error {
	return p.delete(prefixTeam + teamID)
}

func (p *PebbleStore) UpsertEvent(_ context.Context, evt *EventEntry) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	primary := matrixEventKey(evt.RoomID, evt.EventID)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(prefixEventMatrix+primary), data, nil); err != nil {
		return fmt.Errorf("failed to stage event: %w", err)
	}
	if evt.EditOf == "" {
		if err := b.Set([]byte(prefixEventSlack+slackEventKey(evt.SlackChannelID, evt.SlackTS)), []byte(primary), nil); err != nil {
			return fmt.Errorf("failed to stage event index: %w", err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit event: %w", err)
	}
	return nil
}

func (p *PebbleStore) GetEventByMatrixID(_ context.Context, roomID, eventID string) (*EventEntry, error) {
	var e EventEntry
	found, err := p.getJSON(prefixEventMatrix+matrixEventKey(roomID, eventID), &e)
	if !found {
		return nil, err
	}
	return &e, nil
}

func (p *PebbleStore) GetEventBySlackID(ctx context.Context, channelID, ts string) (*EventEntry, error) {
	primary, err := p.getRaw(prefixEventSlack + slackEventKey(channelID, ts))
	if err != nil || primary == nil {
		return nil, err
	}
	var e EventEntry
	found, err := p.getJSON(prefixEventMatrix+string(primary), &e)
	if !found {
		return nil, err
	}
	return &e, nil
}

func (p *PebbleStore) DeleteEventByMatrixID(ctx context.Context, roomID, eventID string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	e, err := p.GetEventByMatrixID(ctx, roomID, eventID)
	if err != nil || e == nil {
		return err
	}
	primary := matrixEventKey(roomID, eventID)
	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Delete([]byte(prefixEventMatrix+primary), nil); err != nil {
		return fmt.Errorf("failed to stage event delete: %w", err)
	}
	slackKey := prefixEventSlack + slackEventKey(e.SlackChannelID, e.SlackTS)
	if cur, err := p.getRaw(slackKey); err != nil {
		return err
	} else if string(cur) == primary {
		if err := b.Delete([]byte(slackKey), nil); err != nil {
			return fmt.Errorf("failed to stage event index delete: %w", err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit event delete: %w", err)
	}
	return nil
}

func (p *PebbleStore) InsertReaction(_ context.Context, reaction *ReactionEntry) error {
	data, err := json.Marshal(reaction)
	if err != nil {
		return fmt.Errorf("failed to encode reaction: %w", err)
	}
	primary := matrixEventKey(reaction.RoomID, reaction.EventID)
	secondary := slackReactionKey(reaction.SlackChannelID, reaction.SlackTS, reaction.SlackUserID, reaction.Reaction)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(prefixReactMatrix+primary), data, nil); err != nil {
		return fmt.Errorf("failed to stage reaction: %w", err)
	}
	if err := b.Set([]byte(prefixReactSlack+secondary), []byte(primary), nil); err != nil {
		return fmt.Errorf("failed to stage reaction index: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit reaction: %w", err)
	}
	return nil
}

func (p *PebbleStore) GetReactionByMatrixID(_ context.Context, roomID, eventID string) (*ReactionEntry, error) {
	var r ReactionEntry
	found, err := p.getJSON(prefixReactMatrix+matrixEventKey(roomID, eventID), &r)
	if !found {
		return nil, err
	}
	return &r, nil
}

func (p *PebbleStore) GetReactionBySlackID(_ context.Context, channelID, ts, userID, reaction string) (*ReactionEntry, error) {
	primary, err := p.getRaw(prefixReactSlack + slackReactionKey(channelID, ts, userID, reaction))
	if err != nil || primary == nil {
		return nil, err
	}
	var r ReactionEntry
	found, err := p.getJSON(prefixReactMatrix+string(primary), &r)
	if !found {
		return nil, err
	}
	return &r, nil
}

func (p *PebbleStore) deleteReaction(r *ReactionEntry) error {
	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Delete([]byte(prefixReactMatrix+matrixEventKey(r.RoomID, r.EventID)), nil); err != nil {
		return fmt.Errorf("failed to stage reaction delete: %w", err)
	}
	if err := b.Delete([]byte(prefixReactSlack+slackReactionKey(r.SlackChannelID, r.SlackTS, r.SlackUserID, r.Reaction)), nil); err != nil {
		return fmt.Errorf("failed to stage reaction index delete: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit reaction delete: %w", err)
	}
	return nil
}

func (p *PebbleStore) DeleteReactionByMatrixID(ctx context.Context, roomID, eventID string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	r, err := p.GetReactionByMatrixID(ctx, roomID, eventID)
	if err != nil || r == nil {
		return err
	}
	return p.deleteReaction(r)
}

func (p *PebbleStore) DeleteReactionBySlackID(ctx context.Context, channelID, ts, userID, reaction string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	r, err := p.GetReactionBySlackID(ctx, channelID, ts, userID, reaction)
	if err != nil || r == nil {
		return err
	}
	return p.deleteReaction(r)
}

func (p *PebbleStore) SetPuppetToken(_ context.Context, puppet *PuppetEntry) error {
	return p.setJSON(prefixPuppet+puppetKey(puppet.TeamID, puppet.SlackUserID), puppet)
}

func (p *PebbleStore) GetPuppetBySlackID(_ context.Context, teamID, slackUserID string) (*PuppetEntry, error) {
	var pe PuppetEntry
	found, err := p.getJSON(prefixPuppet+puppetKey(teamID, slackUserID), &pe)
	if !found {
		return nil, err
	}
	return &pe, nil
}

func (p *PebbleStore) GetPuppetsByMatrixID(_ context.Context, matrixID string) ([]*PuppetEntry, error) {
	return scanJSON(p, prefixPuppet, func(pe *PuppetEntry) bool { return pe.MatrixID == matrixID })
}

func (p *PebbleStore) GetAllPuppets(_ context.Context) ([]*PuppetEntry, error) {
	return scanJSON[PuppetEntry](p, prefixPuppet, nil)
}

func (p *PebbleStore) RemovePuppet(_ context.Context, teamID, slackUserID string) error {
	return p.delete(prefixPuppet + puppetKey(teamID, slackUserID))
}

func (p *PebbleStore) SetUserAdminRoom(_ context.Context, userID, roomID string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	old, err := p.getRaw(prefixAdminByUser + userID)
	if err != nil {
		return err
	}
	b := p.db.NewBatch()
	defer b.Close()
	if old != nil {
		if err := b.Delete([]byte(prefixAdminByRoom+string(old)), nil); err != nil {
			return fmt.Errorf("failed to stage admin room delete: %w", err)
		}
	}
	if err := b.Set([]byte(prefixAdminByUser+userID), []byte(roomID), nil); err != nil {
		return fmt.Errorf("failed to stage admin room: %w", err)
	}
	if err := b.Set([]byte(prefixAdminByRoom+roomID), []byte(userID), nil); err != nil {
		return fmt.Errorf("failed to stage admin room index: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit admin room: %w", err)
	}
	return nil
}

func (p *PebbleStore) GetUserAdminRoom(_ context.Context, userID string) (string, error) {
	raw, err := p.getRaw(prefixAdminByUser + userID)
	return string(raw), err
}

func (p *PebbleStore) GetUserForAdminRoom(_ context.Context, roomID string) (string, error) {
	raw, err := p.getRaw(prefixAdminByRoom + roomID)
	return string(raw), err
}

func (p *PebbleStore) CountRooms(_ context.Context) (int, error) {
	n := 0
	err := p.scan(prefixRoom, func([]byte) error {
		n++
		return nil
	})
	return n, err
}

func (p *PebbleStore) CountActiveRooms(ctx context.Context, since time.Time) (map[string]int, error) {
	rooms, err := scanJSON(p, prefixRoom, func(r *RoomEntry) bool { return roomActiveSince(r, since) })
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, r := range rooms {
		out[r.Remote.TeamID]++
	}
	return out, nil
}

func (p *PebbleStore) CountActiveUsers(_ context.Context, since time.Time) (map[string]int, error) {
	users, err := scanJSON(p, prefixUser, func(u *UserEntry) bool {
		return !u.LastActive.IsZero() && !u.LastActive.Before(since)
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, u := range users {
		out[u.TeamID]++
	}
	return out, nil
}
