package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wuzapi-autoflow/internal/conversations"
	"wuzapi-autoflow/internal/flowengine"
	"wuzapi-autoflow/internal/models"
)

const maxWebhookBody = 1 << 20

// VerifyWebhook answers the Cloud API subscription handshake.
func (s *Server) VerifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || s.opts.VerifyToken == "" || q.Get("hub.verify_token") != s.opts.VerifyToken {
		respond(w, r, http.StatusForbidden, "verification failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// ReceiveWebhook records inbound messages and delivery statuses. The flow
// decision for a message runs before the message is recorded so the
// conversation history it sees excludes the message itself. Per-message
// failures are logged; the Cloud API only needs a 200.
func (s *Server) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respond(w, r, http.StatusBadRequest, "could not read body")
		return
	}
	if !s.validSignature(body, r.Header.Get("X-Hub-Signature-256")) {
		logger(r).Warn().Msg("Webhook signature mismatch")
		respond(w, r, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		respond(w, r, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	var messages, statuses int
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			messages += s.handleMessages(r, change.Value)
			statuses += s.handleStatuses(r, change.Value)
		}
	}
	respond(w, r, http.StatusOK, map[string]int{"messages": messages, "statuses": statuses})
}

func (s *Server) handleMessages(r *http.Request, v WebhookValue) int {
	if len(v.Messages) == 0 {
		return 0
	}
	ctx := r.Context()
	log := logger(r)
	channel, err := s.deps.Channels.ResolvePhoneNumberID(ctx, v.Metadata.PhoneNumberID)
	if err != nil {
		log.Warn().Err(err).Str("phoneNumberID", v.Metadata.PhoneNumberID).Msg("Webhook for unknown channel")
		return 0
	}

	handled := 0
	for _, m := range v.Messages {
		conv, err := s.deps.Conversations.FindOrCreateByPhone(ctx, channel.CompanyID, channel.CompanyPhoneID, m.From)
		if err != nil {
			log.Error().Err(err).Str("messageID", m.ID).Msg("Could not resolve conversation")
			continue
		}

		in, ev := toInbound(m, conv.ID)
		s.deps.Flow.HandleInbound(ctx, ev)

		if _, err := s.deps.Conversations.RecordInbound(ctx, conv.ID, in); err != nil {
			log.Error().Err(err).Str("messageID", m.ID).Int64("conversationID", conv.ID).Msg("Could not record inbound message")
			continue
		}
		handled++
	}
	return handled
}

func (s *Server) handleStatuses(r *http.Request, v WebhookValue) int {
	handled := 0
	for _, st := range v.Statuses {
		changed, err := s.deps.Conversations.UpdateStatus(r.Context(), st.ID, st.Status)
		if err != nil {
			logger(r).Error().Err(err).Str("messageID", st.ID).Str("status", st.Status).Msg("Could not update message status")
			continue
		}
		if changed {
			handled++
		}
	}
	return handled
}

// toInbound maps a webhook message to the stored message and the flow event.
// Interactive button replies route like template quick-reply buttons.
func toInbound(m WebhookMessage, conversationID int64) (conversations.Inbound, flowengine.InboundEvent) {
	in := conversations.Inbound{ExternalID: m.ID, MessageType: m.Type}
	ev := flowengine.InboundEvent{ConversationID: conversationID, MessageType: m.Type}
	if m.Context != nil {
		ev.ContextMessageID = m.Context.ID
	}
	if ts, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
		in.ReceivedAt = time.Unix(ts, 0)
	}

	switch {
	case m.Text != nil:
		in.Body = m.Text.Body
	case m.Button != nil:
		in.Body = m.Button.Text
		ev.ButtonPayload = m.Button.Payload
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		in.Body = m.Interactive.ButtonReply.Title
		in.MessageType = models.TypeButton
		ev.MessageType = models.TypeButton
		ev.ButtonPayload = m.Interactive.ButtonReply.ID
	case m.Image != nil:
		in.Body = m.Image.Caption
	}
	return in, ev
}

// validSignature checks X-Hub-Signature-256 when an app secret is set.
func (s *Server) validSignature(body []byte, header string) bool {
	if s.opts.AppSecret == "" {
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.opts.AppSecret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
