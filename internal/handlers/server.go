// Package handlers exposes the flow subsystem over HTTP: the Cloud API
// webhook, flow graph editing, tag assignment, scheduled tasks and queue
// status.
package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"wuzapi-autoflow/internal/conversations"
	"wuzapi-autoflow/internal/credentials"
	"wuzapi-autoflow/internal/flowengine"
	"wuzapi-autoflow/internal/flowgraph"
	"wuzapi-autoflow/internal/metrics"
	"wuzapi-autoflow/internal/models"
)

type FlowGraph interface {
	ListLiveEdges(ctx context.Context, scope flowgraph.Scope) ([]models.FlowEdge, error)
	ReplaceGraph(ctx context.Context, scope flowgraph.Scope, edges []flowgraph.EdgeInput) error
}

type InboundFlow interface {
	HandleInbound(ctx context.Context, ev flowengine.InboundEvent)
}

type ConversationStore interface {
	FindOrCreateByPhone(ctx context.Context, companyID, companyPhoneID int64, phone string) (*models.Conversation, error)
	RecordInbound(ctx context.Context, conversationID int64, in conversations.Inbound) (int64, error)
	UpdateStatus(ctx context.Context, externalID, status string) (bool, error)
}

type ChannelResolver interface {
	ResolvePhoneNumberID(ctx context.Context, phoneNumberID string) (credentials.Channel, error)
}

type TagAssigner interface {
	Assign(ctx context.Context, conversationID, tagID int64) (bool, error)
}

type QueueStats interface {
	PendingCount(ctx context.Context) (int, error)
	Window() time.Duration
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Graph         FlowGraph
	Flow          InboundFlow
	Conversations ConversationStore
	Channels      ChannelResolver
	Tagger        TagAssigner
	Queue         QueueStats
	DB            *gorm.DB
}

type Options struct {
	APIToken     string
	VerifyToken  string
	AppSecret    string
	BatchSize    int
	PollInterval time.Duration
}

type Server struct {
	deps Deps
	opts Options
}

func NewServer(deps Deps, opts Options) *Server {
	return &Server{deps: deps, opts: opts}
}

// Router builds the route table. Webhook, health and metrics routes are
// public; everything else requires the API token when one is configured.
func (s *Server) Router() http.Handler {
	base := alice.New(
		hlog.NewHandler(log.Logger),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Got API request")
		}),
		hlog.RemoteAddrHandler("ip"),
		hlog.RequestIDHandler("req_id", "Request-Id"),
		recoverer,
	)
	authed := base.Append(s.authenticate)

	r := mux.NewRouter()
	r.Handle("/health", base.ThenFunc(s.Health)).Methods(http.MethodGet)
	r.Handle("/metrics", base.Then(metrics.Handler())).Methods(http.MethodGet)

	r.Handle("/webhooks/messages", base.ThenFunc(s.VerifyWebhook)).Methods(http.MethodGet)
	r.Handle("/webhooks/messages", base.ThenFunc(s.ReceiveWebhook)).Methods(http.MethodPost)

	r.Handle("/flows/{companyId}/{companyPhoneId}", authed.ThenFunc(s.GetFlow)).Methods(http.MethodGet)
	r.Handle("/flows/{companyId}/{companyPhoneId}", authed.ThenFunc(s.ReplaceFlow)).Methods(http.MethodPut)
	r.Handle("/conversations/{id}/tags", authed.ThenFunc(s.AssignTag)).Methods(http.MethodPost)
	r.Handle("/scheduled-tasks", authed.ThenFunc(s.CreateScheduledTask)).Methods(http.MethodPost)
	r.Handle("/scheduled-tasks/{id}", authed.ThenFunc(s.GetScheduledTask)).Methods(http.MethodGet)
	r.Handle("/queue/status", authed.ThenFunc(s.QueueStatus)).Methods(http.MethodGet)
	return r
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APIToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("token")
		if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
			token = strings.TrimPrefix(bearer, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.APIToken)) != 1 {
			respond(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				hlog.FromRequest(r).Error().Interface("panic", p).Msg("Recovered panic in handler")
				respond(w, r, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// respond writes the {code, success, data|error} envelope. Errors and
// strings on a failure status become the error message.
func respond(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	body := map[string]interface{}{"code": status, "success": status < http.StatusBadRequest}
	switch v := data.(type) {
	case error:
		body["error"] = v.Error()
	case string:
		if status >= http.StatusBadRequest {
			body["error"] = v
		} else {
			body["data"] = v
		}
	default:
		body["data"] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger(r).Error().Err(err).Msg("Could not write response")
	}
}

func logger(r *http.Request) *zerolog.Logger {
	return hlog.FromRequest(r)
}
