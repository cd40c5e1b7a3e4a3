package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vnmchuo/deep-search/internal/auth"
	"github.com/vnmchuo/deep-search/internal/billing"
	"github.com/vnmchuo/deep-search/internal/credits"
	"github.com/vnmchuo/deep-search/internal/pricing"
	"github.com/vnmchuo/deep-search/internal/provider"
	"github.com/vnmchuo/deep-search/internal/tokens"
	"github.com/vnmchuo/deep-search/internal/worker"
	tokenlimit "github.com/vnmchuo/deep-search/pkg/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultMaxTokens = 1000

var systemPrompts = map[credits.Mode]string{
	credits.ModeWeb:        "You are a search assistant. Answer concisely and cite sources when you can.",
	credits.ModePro:        "You are a research assistant. Break the question down, reason step by step and give a thorough, sourced answer.",
	credits.ModeBrainstorm: "You are a brainstorming partner. Offer varied, original ideas and group them by theme.",
}

type SearchHandler struct {
	router   *Router
	reserver Reserver
	billing  billing.Store
	limiter  *tokenlimit.Limiter
	queue    worker.Queue
	tracer   trace.Tracer
}

func NewSearchHandler(router *Router, reserver Reserver, billing billing.Store, limiter *tokenlimit.Limiter, queue worker.Queue, tracer trace.Tracer) *SearchHandler {
	return &SearchHandler{
		router:   router,
		reserver: reserver,
		billing:  billing,
		limiter:  limiter,
		queue:    queue,
		tracer:   tracer,
	}
}

type searchRequest struct {
	Query     string `json:"query"`
	Mode      string `json:"mode"`
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
}

type streamEvent struct {
	Choices []streamEventChoice `json:"choices"`
}

type streamEventChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	Index int `json:"index"`
}

func deltaEvent(content string) []byte {
	var c streamEventChoice
	c.Delta.Content = content
	data, _ := json.Marshal(streamEvent{Choices: []streamEventChoice{c}})
	return data
}

// HandleSearch answers a query as a server-sent event stream. Credits are
// reserved up front and settled by the worker once the stream ends.
func (h *SearchHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var body searchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	body.Query = strings.TrimSpace(body.Query)
	if body.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if body.Mode == "" {
		body.Mode = string(credits.ModeWeb)
	}
	mode, err := credits.ParseMode(body.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "mode must be one of web, pro, brainstorm")
		return
	}

	ctx, span := h.tracer.Start(ctx, "api.search")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("request_id", requestID),
		attribute.String("mode", string(mode)),
		attribute.String("model", body.Model),
	)

	req := &provider.Request{
		Model: body.Model,
		Messages: []provider.Message{
			{Role: "system", Content: systemPrompts[mode]},
			{Role: "user", Content: body.Query},
		},
		MaxTokens: body.MaxTokens,
		UserID:    userID,
		RequestID: requestID,
	}

	estimatedTokens := req.MaxTokens
	if estimatedTokens <= 0 {
		estimatedTokens = defaultMaxTokens
	}
	estimatedTokens += tokens.Estimate(body.Query)

	allowed, err := h.limiter.Allow(ctx, userID, estimatedTokens)
	if err != nil || !allowed {
		if err != nil {
			log.Printf("api: token rate limit check failed for %s: %v", userID, err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error":       "rate limit exceeded",
			"retry_after": 60,
		})
		return
	}

	out := reserve(ctx, h.reserver, userID, mode)
	span.SetAttributes(attribute.String("credits.outcome", out.Kind.String()))
	if out.Kind != credits.Allowed {
		status, resp := outcomeResponse(out)
		writeJSON(w, status, resp)
		return
	}

	job := &worker.Job{
		ID:            requestID,
		UserID:        userID,
		ReservationID: out.ReservationID,
	}

	selected, err := h.router.Route(ctx, req)
	if err != nil {
		h.settle(job)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.settle(job)
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, err := h.router.ExecuteStream(ctx, req, selected)
	if err != nil {
		span.RecordError(err)
		h.settle(job)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Reservation-ID", out.ReservationID)

	var content strings.Builder
	var usage *provider.Usage
	var streamErr error
	for chunk := range ch {
		if chunk.Err != nil {
			streamErr = chunk.Err
			errBody, _ := json.Marshal(map[string]string{"error": chunk.Err.Error()})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", errBody)
			flusher.Flush()
			break
		}

		if chunk.Done {
			usage = chunk.Usage
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			break
		}

		content.WriteString(chunk.Delta)
		fmt.Fprintf(w, "data: %s\n\n", deltaEvent(chunk.Delta))
		flusher.Flush()
	}

	model := req.Model
	if model == "" {
		model = selected.DefaultModel()
	}
	if usage == nil {
		usage = &provider.Usage{
			InputTokens:  tokens.EstimateAll(req.Messages[0].Content, req.Messages[1].Content),
			OutputTokens: tokens.Estimate(content.String()),
		}
	}

	if streamErr != nil || ctx.Err() != nil {
		span.SetStatus(codes.Error, "stream interrupted")
	} else {
		job.ActualCredits = mode.MaxCredits()
	}
	job.Usage = &billing.UsageLog{
		UserID:       userID,
		RequestID:    requestID,
		Mode:         string(mode),
		Provider:     selected.Name(),
		Model:        model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Cached:       usage.CachedTokens > 0,
		CostUSD:      searchCost(selected.PricingID(), model, usage),
		LatencyMs:    time.Since(start).Milliseconds(),
	}
	h.settle(job)
}

// settle hands the job to the worker. The request context may already be
// cancelled, so a background context is used.
func (h *SearchHandler) settle(job *worker.Job) {
	if err := h.queue.Enqueue(context.Background(), job); err != nil {
		log.Printf("api: failed to enqueue settlement for %s: %v", job.ID, err)
	}
}

// searchCost prices by model when the model is known and by provider
// otherwise. Cached input tokens are billed at the cached rate.
func searchCost(pricingID, model string, u *provider.Usage) float64 {
	id := pricingID
	if _, ok := pricing.Lookup(model); ok {
		id = model
	}
	cached := min(u.CachedTokens, u.InputTokens)
	return pricing.CalculateCost(id, u.InputTokens-cached, u.OutputTokens, false) +
		pricing.CalculateCost(id, cached, 0, true)
}
