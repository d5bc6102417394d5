// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/m-mizutani/goerr/v2"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"maunium.net/go/mautrix/id"
)

// Error kinds of the HTTP surfaces.
var (
	ErrTagNotFound     = goerr.NewTag("not_found")
	ErrTagForbidden    = goerr.NewTag("forbidden")
	ErrTagConflict     = goerr.NewTag("conflict")
	ErrTagBadRequest   = goerr.NewTag("bad_request")
	ErrTagUnauthorized = goerr.NewTag("unauthorized")
)

var errorKinds = []struct {
	has    func(error) bool
	status int
	code   string
}{
	{func(err error) bool { return goerr.HasTag(err, ErrTagNotFound) }, http.StatusNotFound, "NOT_FOUND"},
	{func(err error) bool { return goerr.HasTag(err, ErrTagForbidden) }, http.StatusForbidden, "FORBIDDEN"},
	{func(err error) bool { return goerr.HasTag(err, ErrTagConflict) }, http.StatusConflict, "CONFLICT"},
	{func(err error) bool { return goerr.HasTag(err, ErrTagBadRequest) }, http.StatusBadRequest, "BAD_REQUEST"},
	{func(err error) bool { return goerr.HasTag(err, ErrTagUnauthorized) }, http.StatusUnauthorized, "UNAUTHORIZED"},
}

// writeError maps err to a status code and a {"errcode","error"} body.
// Untagged errors are internal.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	for _, kind := range errorKinds {
		if kind.has(err) {
			status, code = kind.status, kind.code
			break
		}
	}
	evt := zerolog.Ctx(r.Context()).Warn()
	if status >= http.StatusInternalServerError {
		evt = zerolog.Ctx(r.Context()).Error()
	}
	var ge *goerr.Error
	if errors.As(err, &ge) {
		evt = evt.Interface("values", ge.Values())
	}
	evt.Err(err).Int("status", status).Msg("HTTP request failed")
	writeJSON(w, status, map[string]string{"errcode": code, "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// classifyCoreError tags the sentinel errors of core operations.
func classifyCoreError(err error, msg string) error {
	switch {
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrTeamNotFound):
		return goerr.Wrap(err, msg, goerr.T(ErrTagNotFound))
	case errors.Is(err, ErrChannelAlreadyLinked):
		return goerr.Wrap(err, msg, goerr.T(ErrTagConflict))
	case errors.Is(err, ErrChannelDenied), errors.Is(err, ErrTeamBadAuth):
		return goerr.Wrap(err, msg, goerr.T(ErrTagForbidden))
	case errors.Is(err, ErrInvalidLink):
		return goerr.Wrap(err, msg, goerr.T(ErrTagBadRequest))
	default:
		return goerr.Wrap(err, msg)
	}
}

// OAuthExchanger trades an OAuth code for tokens.
type OAuthExchanger func(ctx context.Context, code string) (*slack.OAuthV2Response, error)

// ProvisioningAPI is the HTTP façade over link management, OAuth and puppets.
type ProvisioningAPI struct {
	bridge   *Bridge
	exchange OAuthExchanger
	states   *expirable.LRU[string, id.UserID]
}

const oauthStateTTL = 10 * time.Minute

func NewProvisioningAPI(b *Bridge) *ProvisioningAPI {
	cfg := b.Config.Slack
	return &ProvisioningAPI{
		bridge: b,
		exchange: func(ctx context.Context, code string) (*slack.OAuthV2Response, error) {
			return slack.GetOAuthV2ResponseContext(ctx, http.DefaultClient, cfg.ClientID, cfg.ClientSecret, code, cfg.RedirectURI)
		},
		states: expirable.NewLRU[string, id.UserID](1000, nil, oauthStateTTL),
	}
}

func (p *ProvisioningAPI) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/oauth/callback", p.handleOAuthCallback)
	r.Group(func(r chi.Router) {
		r.Use(p.authenticate)
		r.Post("/link", p.handleLink)
		r.Post("/unlink", p.handleUnlink)
		r.Get("/getlink", p.handleGetLink)
		r.Get("/channels", p.handleChannels)
		r.Get("/teams", p.handleTeams)
		r.Get("/authurl", p.handleAuthURL)
		r.Get("/puppets", p.handlePuppets)
		r.Post("/puppets/remove", p.handleRemovePuppet)
	})
	return r
}

type provisioningUserKey struct{}

// authenticate checks the shared secret and reads the acting Matrix user from
// the user_id query parameter.
func (p *ProvisioningAPI) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		secret := p.bridge.Config.Provisioning.SharedSecret
		if secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			writeError(w, r, goerr.New("invalid shared secret", goerr.T(ErrTagUnauthorized)))
			return
		}
		userID := id.UserID(r.URL.Query().Get("user_id"))
		if _, _, err := userID.Parse(); err != nil {
			writeError(w, r, goerr.Wrap(err, "invalid user_id", goerr.T(ErrTagBadRequest)))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), provisioningUserKey{}, userID)))
	})
}

func requestUser(r *http.Request) id.UserID {
	userID, _ := r.Context().Value(provisioningUserKey{}).(id.UserID)
	return userID
}

type linkRequest struct {
	MatrixRoomID id.RoomID `json:"matrix_room_id"`
	ChannelID    string    `json:"slack_channel_id"`
	TeamID       string    `json:"team_id"`
	WebhookURL   string    `json:"slack_webhook_url"`
}

type linkResponse struct {
	MatrixRoomID id.RoomID  `json:"matrix_room_id"`
	InboundID    string     `json:"inbound_id"`
	ChannelID    string     `json:"slack_channel_id,omitempty"`
	ChannelName  string     `json:"slack_channel_name,omitempty"`
	TeamID       string     `json:"team_id,omitempty"`
	Status       RoomStatus `json:"status"`
	IsPrivate    bool       `json:"isPrivate"`
	LinkedBy     id.UserID  `json:"linked_by,omitempty"`
}

func roomResponse(room Room) *linkResponse {
	return &linkResponse{
		MatrixRoomID: room.MatrixRoomID(),
		InboundID:    room.InboundID(),
		ChannelID:    room.SlackChannelID(),
		ChannelName:  room.SlackChannelName(),
		TeamID:       room.SlackTeamID(),
		Status:       room.Status(),
		IsPrivate:    room.IsPrivate(),
		LinkedBy:     room.LinkedBy(),
	}
}

func (p *ProvisioningAPI) handleLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, goerr.Wrap(err, "invalid request body", goerr.T(ErrTagBadRequest)))
		return
	}
	room, err := p.bridge.LinkRoom(r.Context(), LinkOptions{
		MatrixRoomID: req.MatrixRoomID,
		ChannelID:    req.ChannelID,
		TeamID:       req.TeamID,
		WebhookURI:   req.WebhookURL,
		LinkedBy:     requestUser(r),
	})
	if err != nil {
		writeError(w, r, classifyCoreError(err, "failed to link room"))
		return
	}
	writeJSON(w, http.StatusOK, roomResponse(room))
}

func (p *ProvisioningAPI) handleUnlink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MatrixRoomID id.RoomID `json:"matrix_room_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, goerr.Wrap(err, "invalid request body", goerr.T(ErrTagBadRequest)))
		return
	}
	room := p.bridge.Rooms.GetByMatrixRoomID(req.MatrixRoomID)
	if room == nil {
		writeError(w, r, goerr.New("room is not linked", goerr.T(ErrTagNotFound), goerr.V("room_id", req.MatrixRoomID)))
		return
	}
	user := requestUser(r)
	if room.LinkedBy() != user && !p.bridge.Config.Bridge.IsAdmin(user) {
		writeError(w, r, goerr.New("only the linking user or an admin may unlink", goerr.T(ErrTagForbidden)))
		return
	}
	if err := p.bridge.UnlinkRoom(r.Context(), room); err != nil {
		writeError(w, r, classifyCoreError(err, "failed to unlink room"))
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (p *ProvisioningAPI) handleGetLink(w http.ResponseWriter, r *http.Request) {
	roomID := id.RoomID(r.URL.Query().Get("matrix_room_id"))
	room := p.bridge.Rooms.GetByMatrixRoomID(roomID)
	if room == nil {
		writeError(w, r, goerr.New("room is not linked", goerr.T(ErrTagNotFound), goerr.V("room_id", roomID)))
		return
	}
	writeJSON(w, http.StatusOK, roomResponse(room))
}

type channelResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Topic   string `json:"topic,omitempty"`
	Purpose string `json:"purpose,omitempty"`
}

// handleChannels lists the channels of a team the acting user can see: the
// user's own channels when they are puppeted, otherwise the bot's.
func (p *ProvisioningAPI) handleChannels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	teamID := r.URL.Query().Get("team_id")
	if teamID == "" {
		writeError(w, r, goerr.New("team_id is required", goerr.T(ErrTagBadRequest)))
		return
	}
	client, _, err := p.bridge.Clients.GetPuppetForMatrixUser(ctx, teamID, string(requestUser(r)))
	if err == nil && client == nil {
		client, err = p.bridge.Clients.GetTeamClient(ctx, teamID)
	}
	if err != nil {
		writeError(w, r, classifyCoreError(err, "failed to get Slack client"))
		return
	}
	channels, err := client.ListConversations(ctx)
	if err != nil {
		writeError(w, r, goerr.Wrap(err, "failed to list channels", goerr.V("team_id", teamID)))
		return
	}
	out := make([]channelResponse, 0, len(channels))
	for _, ch := range channels {
		if ch.IsArchived || ch.IsIM || ch.IsMpIM {
			continue
		}
		if p.bridge.AllowDeny.AllowSlackChannel(ch.ID, ch.Name) != DenyReasonAllowed {
			continue
		}
		out = append(out, channelResponse{ID: ch.ID, Name: ch.Name, Topic: ch.Topic, Purpose: ch.Purpose})
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}

type teamResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain,omitempty"`
	Status string `json:"status"`
}

// handleTeams lists the teams the acting user has a puppet in. Admins see
// every team.
func (p *ProvisioningAPI) handleTeams(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := requestUser(r)
	teams, err := p.bridge.DB.GetAllTeams(ctx)
	if err != nil {
		writeError(w, r, goerr.Wrap(err, "failed to load teams"))
		return
	}
	var visible []string
	if !p.bridge.Config.Bridge.IsAdmin(user) {
		puppets, err := p.bridge.DB.GetPuppetsByMatrixID(ctx, string(user))
		if err != nil {
			writeError(w, r, goerr.Wrap(err, "failed to load puppets"))
			return
		}
		for _, puppet := range puppets {
			visible = append(visible, puppet.TeamID)
		}
	}
	out := make([]teamResponse, 0, len(teams))
	for _, team := range teams {
		if visible != nil && !slices.Contains(visible, team.ID) {
			continue
		}
		if visible == nil && !p.bridge.Config.Bridge.IsAdmin(user) {
			continue
		}
		out = append(out, teamResponse{ID: team.ID, Name: team.Name, Domain: team.Domain, Status: string(team.Status)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"teams": out})
}

func (p *ProvisioningAPI) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	cfg := p.bridge.Config.Slack
	if cfg.ClientID == "" || cfg.RedirectURI == "" {
		writeError(w, r, goerr.New("OAuth is not configured", goerr.T(ErrTagNotFound)))
		return
	}
	state := uuid.NewString()
	p.states.Add(state, requestUser(r))
	q := url.Values{}
	q.Set("client_id", cfg.ClientID)
	q.Set("scope", strings.Join(cfg.BotScopes, ","))
	q.Set("user_scope", strings.Join(cfg.UserScopes, ","))
	q.Set("redirect_uri", cfg.RedirectURI)
	q.Set("state", state)
	writeJSON(w, http.StatusOK, map[string]string{
		"auth_uri": "https://slack.com/oauth/v2/authorize?" + q.Encode(),
		"state":    state,
	})
}

// handleOAuthCallback completes an OAuth flow started with /authurl. The bot
// token updates the team and the user token makes the initiating Matrix user
// a puppet.
func (p *ProvisioningAPI) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	state, code := q.Get("state"), q.Get("code")
	user, ok := p.states.Get(state)
	if !ok || code == "" {
		writeError(w, r, goerr.New("unknown or expired OAuth state", goerr.T(ErrTagForbidden)))
		return
	}
	p.states.Remove(state)

	resp, err := p.exchange(ctx, code)
	if err != nil {
		writeError(w, r, goerr.Wrap(err, "failed to exchange OAuth code", goerr.T(ErrTagForbidden)))
		return
	}
	team, err := p.bridge.AddTeam(ctx, resp.AccessToken)
	if err != nil {
		writeError(w, r, goerr.Wrap(err, "failed to store team", goerr.V("team_id", resp.Team.ID)))
		return
	}
	if resp.AuthedUser.AccessToken != "" {
		if err = p.bridge.SetPuppet(ctx, user, team.ID, resp.AuthedUser.ID, resp.AuthedUser.AccessToken); err != nil {
			writeError(w, r, goerr.Wrap(err, "failed to store puppet"))
			return
		}
		p.bridge.notifyUser(ctx, user, fmt.Sprintf("Logged in to %s as %s.", team.Name, resp.AuthedUser.ID))
	}
	writeJSON(w, http.StatusOK, map[string]string{"team_id": team.ID, "team_name": team.Name, "slack_user_id": resp.AuthedUser.ID})
}

type puppetResponse struct {
	TeamID      string `json:"team_id"`
	SlackUserID string `json:"slack_user_id"`
}

func (p *ProvisioningAPI) handlePuppets(w http.ResponseWriter, r *http.Request) {
	puppets, err := p.bridge.DB.GetPuppetsByMatrixID(r.Context(), string(requestUser(r)))
	if err != nil {
		writeError(w, r, goerr.Wrap(err, "failed to load puppets"))
		return
	}
	out := make([]puppetResponse, 0, len(puppets))
	for _, puppet := range puppets {
		out = append(out, puppetResponse{TeamID: puppet.TeamID, SlackUserID: puppet.SlackUserID})
	}
	writeJSON(w, http.StatusOK, map[string]any{"puppets": out})
}

func (p *ProvisioningAPI) handleRemovePuppet(w http.ResponseWriter, r *http.Request) {
	var req puppetResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, goerr.Wrap(err, "invalid request body", goerr.T(ErrTagBadRequest)))
		return
	}
	puppet, err := p.bridge.DB.GetPuppetBySlackID(r.Context(), req.TeamID, req.SlackUserID)
	if err != nil {
		writeError(w, r, goerr.Wrap(err, "failed to load puppet"))
		return
	}
	if puppet == nil || puppet.MatrixID != string(requestUser(r)) {
		writeError(w, r, goerr.New("puppet not found", goerr.T(ErrTagNotFound),
			goerr.V("team_id", req.TeamID), goerr.V("slack_user_id", req.SlackUserID)))
		return
	}
	if err = p.bridge.RemovePuppet(r.Context(), req.TeamID, req.SlackUserID); err != nil {
		writeError(w, r, goerr.Wrap(err, "failed to remove puppet"))
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
