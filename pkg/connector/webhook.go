// Copyright 2024-2026 Aiku AI

package connector

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/m-mizutani/goerr/v2"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack/slackevents"
)

const (
	slackSignatureMaxAge = 5 * time.Minute
	maxWebhookBody       = 1 << 20
)

// Router serves the Events API endpoint, legacy inbound webhooks and, when
// enabled, the provisioning API.
func (b *Bridge) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(b.accessLogger)
	r.Use(middleware.Recoverer)

	r.Route("/slack", func(r chi.Router) {
		r.Use(slackSignatureMiddleware(b.Config.Slack.SigningSecret))
		r.Post("/events", b.handleEventsAPI)
	})
	r.Post("/webhooks/{inboundID}", b.handleInboundWebhook)
	if b.Config.Provisioning.Enabled {
		r.Mount(b.Config.Provisioning.Prefix, NewProvisioningAPI(b).Router())
	}
	return r
}

func (b *Bridge) accessLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		log := b.Log.With().
			Str("component", "http").
			Str("request_id", middleware.GetReqID(r.Context())).
			Logger()
		defer func() {
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("Handled request")
		}()
		next.ServeHTTP(ww, r.WithContext(log.WithContext(r.Context())))
	})
}

// verifySlackSignature checks the v0 HMAC-SHA256 signature Slack puts on
// Events API requests.
func verifySlackSignature(signingSecret, timestamp, signature string, body []byte, now time.Time) error {
	if timestamp == "" {
		return goerr.New("missing timestamp", goerr.T(ErrTagUnauthorized))
	}
	if signature == "" {
		return goerr.New("missing signature", goerr.T(ErrTagUnauthorized))
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return goerr.Wrap(err, "invalid timestamp", goerr.T(ErrTagUnauthorized))
	}
	if age := now.Sub(time.Unix(ts, 0)); age > slackSignatureMaxAge || age < -slackSignatureMaxAge {
		return goerr.New("timestamp outside replay window",
			goerr.T(ErrTagUnauthorized),
			goerr.V("timestamp", timestamp),
			goerr.V("now", now.Unix()))
	}

	mac := hmac.New(sha256.New, []byte(signingSecret))
	_, _ = fmt.Fprintf(mac, "v0:%s:%s", timestamp, body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return goerr.New("signature mismatch", goerr.T(ErrTagUnauthorized))
	}
	return nil
}

func slackSignatureMiddleware(signingSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
			_ = r.Body.Close()
			if err != nil {
				writeError(w, r, goerr.Wrap(err, "failed to read request body", goerr.T(ErrTagBadRequest)))
				return
			}
			err = verifySlackSignature(signingSecret,
				r.Header.Get("X-Slack-Request-Timestamp"),
				r.Header.Get("X-Slack-Signature"),
				body, time.Now())
			if err != nil {
				writeError(w, r, goerr.Wrap(err, "slack signature verification failed"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

func (b *Bridge) handleEventsAPI(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, goerr.Wrap(err, "failed to read request body", goerr.T(ErrTagBadRequest)))
		return
	}
	var outer struct {
		Type string `json:"type"`
	}
	if err = json.Unmarshal(body, &outer); err != nil {
		writeError(w, r, goerr.Wrap(err, "failed to parse event envelope", goerr.T(ErrTagBadRequest)))
		return
	}

	switch outer.Type {
	case string(slackevents.URLVerification):
		var challenge slackevents.ChallengeResponse
		if err = json.Unmarshal(body, &challenge); err != nil {
			writeError(w, r, goerr.Wrap(err, "failed to parse challenge", goerr.T(ErrTagBadRequest)))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(challenge.Challenge))
	case string(slackevents.CallbackEvent):
		cb, evt, err := parseCallback(body)
		if err != nil {
			writeError(w, r, goerr.Wrap(err, "failed to parse callback", goerr.T(ErrTagBadRequest)))
			return
		}
		b.Events.HandleEvent(cb.TeamID, evt, func() { w.WriteHeader(http.StatusOK) }, SourceWebhook)
	default:
		zerolog.Ctx(r.Context()).Debug().Str("type", outer.Type).Msg("Ignoring Events API request")
		w.WriteHeader(http.StatusOK)
	}
}

// handleInboundWebhook accepts Slack outgoing-webhook form posts addressed to
// a room by its inbound id.
func (b *Bridge) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	room := b.Rooms.GetByInboundID(chi.URLParam(r, "inboundID"))
	if room == nil {
		writeError(w, r, goerr.New("unknown inbound id", goerr.T(ErrTagNotFound)))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, r, goerr.Wrap(err, "failed to parse form", goerr.T(ErrTagBadRequest)))
		return
	}
	form := r.PostForm
	userID := form.Get("user_id")
	if userID == "" || userID == "USLACKBOT" || form.Get("bot_id") != "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	if channelID := form.Get("channel_id"); channelID != "" && room.SlackChannelID() == "" {
		room.SetSlackChannelID(channelID)
	}
	if name := form.Get("channel_name"); name != "" && room.SlackChannelName() == "" {
		room.SetSlackChannelName(name)
	}
	if teamID := form.Get("team_id"); teamID != "" && room.SlackTeamID() == "" {
		room.SetSlackTeamID(teamID)
	}
	if err := b.persistRoom(r.Context(), room); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Failed to persist room learned from webhook")
	}

	raw, err := json.Marshal(&SlackMessage{
		Type:    "message",
		Channel: room.SlackChannelID(),
		User:    userID,
		Text:    form.Get("text"),
		TS:      form.Get("timestamp"),
		Team:    form.Get("team_id"),
	})
	if err != nil {
		writeError(w, r, goerr.Wrap(err, "failed to encode message"))
		return
	}
	evt := &SlackEvent{Type: "message", ChannelID: room.SlackChannelID(), Raw: raw}
	b.Events.HandleEvent(room.SlackTeamID(), evt, func() { w.WriteHeader(http.StatusOK) }, SourceWebhook)
}
