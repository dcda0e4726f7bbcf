package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"supporthub/cmd/internal/realtime"
	"supporthub/cmd/internal/store"
	"supporthub/cmd/internal/thread"
	feedv1 "supporthub/shared/contracts/changefeed/v1"
	viewv1 "supporthub/shared/contracts/threadview/v1"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxAppendBodyBytes = 1 << 20

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	dbEnabled bool,
	ws *realtime.WSGateway,
	threads *threadAPI,
	gatherer prometheus.Gatherer,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbEnabled && dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	if threads != nil {
		threads.Register(mux)
	}

	if ws != nil {
		mux.HandleFunc("/ws", ws.HandleWS)
	}
}

// threadAPI serves the thread views and message ingestion.
type threadAPI struct {
	log    Logger
	loader *thread.Loader
	store  store.MessageStore
	// feed receives append events. Nil when the store announces inserts itself.
	feed realtime.Publisher

	agentEmails []string
	agentPhones []string
}

func (a *threadAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/conversations/{id}/thread", a.handleThread)
	mux.HandleFunc("POST /v1/conversations/{id}/thread/next", a.handleNext)
	mux.HandleFunc("POST /v1/conversations/{id}/thread/retry", a.handleRetry)
	mux.HandleFunc("POST /v1/conversations/{id}/thread/refetch", a.handleRefetch)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", a.handleAppend)
}

func (a *threadAPI) viewer(r *http.Request) *thread.NormalizationContext {
	return &thread.NormalizationContext{
		ViewerEmail: strings.TrimSpace(r.Header.Get(viewv1.ViewerHeader)),
		AgentEmails: a.agentEmails,
		AgentPhones: a.agentPhones,
	}
}

func (a *threadAPI) handleThread(w http.ResponseWriter, r *http.Request) {
	a.serveView(w, r, a.loader.LoadFirst)
}

func (a *threadAPI) handleNext(w http.ResponseWriter, r *http.Request) {
	a.serveView(w, r, a.loader.LoadNext)
}

func (a *threadAPI) handleRetry(w http.ResponseWriter, r *http.Request) {
	a.serveView(w, r, a.loader.Retry)
}

func (a *threadAPI) handleRefetch(w http.ResponseWriter, r *http.Request) {
	a.serveView(w, r, func(ctx context.Context, id string, nctx *thread.NormalizationContext) (thread.View, error) {
		a.loader.Invalidate(id)
		return a.loader.LoadFirst(ctx, id, nctx)
	})
}

type loadFunc func(ctx context.Context, conversationID string, nctx *thread.NormalizationContext) (thread.View, error)

func (a *threadAPI) serveView(w http.ResponseWriter, r *http.Request, load loadFunc) {
	convID := strings.TrimSpace(r.PathValue("id"))
	if convID == "" {
		writeError(w, http.StatusBadRequest, "invalid_conversation", "missing conversation id")
		return
	}

	nctx := a.viewer(r)
	v, err := load(r.Context(), convID, nctx)
	if thread.IsStale(err) {
		// The thread changed under the request (an append invalidated it).
		// Serve the fresh first page instead of failing the caller.
		a.log.Debug("thread.load.reload", "conversation_id", convID, "request_id", RequestIDFrom(r.Context()))
		v, err = a.loader.LoadFirst(r.Context(), convID, nctx)
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toThreadView(v))
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// Client went away; nothing to answer.
	case thread.IsStale(err):
		writeError(w, http.StatusConflict, "stale_response", "conversation changed while loading")
	case thread.IsStoreQuery(err):
		a.log.Warn("thread.load.fail", "conversation_id", convID, "request_id", RequestIDFrom(r.Context()), "err", err)
		status := http.StatusOK
		if len(v.Messages) == 0 {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, toThreadView(v))
	default:
		a.log.Error("thread.load.fail", "conversation_id", convID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "thread load failed")
	}
}

func (a *threadAPI) handleAppend(w http.ResponseWriter, r *http.Request) {
	convID := strings.TrimSpace(r.PathValue("id"))
	if convID == "" {
		writeError(w, http.StatusBadRequest, "invalid_conversation", "missing conversation id")
		return
	}

	var req viewv1.AppendMessageRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAppendBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	in, err := appendInput(convID, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	res, err := a.store.AppendMessage(r.Context(), in)
	if err != nil {
		if errors.Is(err, store.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		a.log.Error("message.append.fail", "conversation_id", convID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "append failed")
		return
	}

	if !res.Duplicated {
		a.loader.Invalidate(convID)
		if a.feed != nil {
			ev := feedv1.Event{
				Table:          feedv1.TableMessages,
				Op:             feedv1.OpInsert,
				ConversationID: convID,
				RecordID:       res.Stored.ID,
			}
			if err := a.feed.Publish(r.Context(), ev); err != nil {
				a.log.Warn("feed.publish.fail", "conversation_id", convID, "err", err)
			}
		}
	}

	a.log.Info("message.appended",
		"conversation_id", convID,
		"message_id", res.Stored.ID,
		"duplicated", res.Duplicated,
	)

	createdAt, _ := store.ParseTimestamp(res.Stored.CreatedAt)
	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, viewv1.AppendMessageResponse{
		ID:         res.Stored.ID,
		CreatedAt:  createdAt,
		Duplicated: res.Duplicated,
	})
}

func appendInput(convID string, req viewv1.AppendMessageRequest) (store.AppendMessageInput, error) {
	in := store.AppendMessageInput{
		ConversationID: convID,
		Content:        req.Content,
		ContentType:    req.ContentType,
		SenderType:     req.SenderType,
		SenderID:       req.SenderID,
		IsInternal:     req.IsInternal,
		Attachments:    req.Attachments,
		EmailSubject:   req.EmailSubject,
		ExternalID:     req.ExternalID,
		EmailMessageID: req.EmailMessageID,
	}
	if req.CreatedAt != nil {
		in.CreatedAt = req.CreatedAt.UTC()
	}
	if c := req.Conversation; c != nil {
		in.Conversation = store.ConversationRef{
			CustomerEmail: c.CustomerEmail,
			CustomerName:  c.CustomerName,
			InboxID:       c.InboxID,
		}
	}
	if len(req.EmailHeaders) > 0 {
		h, err := store.DecodeHeaders(req.EmailHeaders)
		if err != nil {
			return store.AppendMessageInput{}, err
		}
		in.Headers = h
	}
	return in, nil
}

func toThreadView(v thread.View) viewv1.ThreadView {
	out := viewv1.ThreadView{
		ConversationID: v.ConversationID,
		Messages:       make([]viewv1.Message, 0, len(v.Messages)),
		TotalCount:     v.TotalCount,
		LoadedCount:    v.LoadedCount,
		Confidence:     string(v.Confidence),
		HasNextPage:    v.HasNextPage,
		IsLoading:      v.IsLoading,
		State:          string(v.State),
	}
	if v.Remaining.Known {
		n := v.Remaining.Count
		out.Remaining = &n
	}
	if v.Err != nil {
		out.Error = v.Err.Error()
	}
	for _, m := range v.Messages {
		out.Messages = append(out.Messages, viewv1.Message{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			Content:        m.Content,
			ContentType:    m.ContentType,
			SenderType:     m.SenderType,
			SenderID:       m.SenderID,
			IsInternal:     m.IsInternal,
			Attachments:    m.Attachments,
			CreatedAt:      m.CreatedAt,
			Subject:        m.Subject,
			ExternalID:     m.ExternalID,
			EmailMessageID: m.EmailMessageID,
			Direction:      string(m.Direction),
			DedupKey:       m.DedupKey,
			Synthetic:      m.Synthetic,
			QuotedFrom:     m.QuotedFrom,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, viewv1.ErrorResponse{Error: code, Message: msg})
}
