package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"sdr-agent/internal/domain"
	"sdr-agent/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 1 << 20
	healthMessage     = "API SDR-Elite-Dev-IA está rodando"
)

type ChatUseCase interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
}

type chatRequest struct {
	Prompt  string        `json:"prompt"`
	History []domain.Turn `json:"history,omitempty"`
}

type chatResponse struct {
	Response string        `json:"response"`
	History  []domain.Turn `json:"history"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Message string `json:"message"`
}

type Handler struct {
	uc     ChatUseCase
	logger *slog.Logger
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(uc ChatUseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &Handler{uc: uc, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle serves API Gateway proxy events with the same routes as
// HTTPHandler: GET / is the health check, POST /chat runs one chat exchange.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)

	var status int
	var payload any
	switch route, method := routePath(req.Path), req.HTTPMethod; {
	case route == "/" && method == http.MethodGet:
		status, payload = http.StatusOK, healthResponse{Message: healthMessage}
	case route == "/chat" && method == http.MethodPost:
		status, payload = h.chat(ctx, corrID, []byte(req.Body))
	case route == "/" || route == "/chat":
		status, payload = http.StatusMethodNotAllowed, errorResponse{Error: string(usecase.ErrorInvalidInput)}
	default:
		status, payload = http.StatusNotFound, errorResponse{Error: string(usecase.ErrorInvalidInput)}
	}
	h.logger.Info("request",
		"method", req.HTTPMethod,
		"path", req.Path,
		"status", status,
		"correlation_id", corrID,
	)

	body, err := encodeJSON(payload)
	if err != nil {
		h.logger.Error("encode response", "correlation_id", corrID, "err", err)
		status = http.StatusInternalServerError
		body = `{"error":"` + string(usecase.ErrorInternal) + `"}`
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: body,
	}, nil
}

// HTTPHandler exposes the same routes for a plain net/http server.
func (h *Handler) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Message: healthMessage})
	})
	mux.HandleFunc("POST /chat", func(w http.ResponseWriter, r *http.Request) {
		corrID := w.Header().Get(correlationHeader)
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil || len(body) > maxBodyBytes {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput)})
			return
		}
		status, payload := h.chat(r.Context(), corrID, body)
		writeJSON(w, status, payload)
	})
	return h.withCorrelation(mux)
}

func (h *Handler) chat(ctx context.Context, corrID string, body []byte) (int, any) {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Warn("invalid request body", "correlation_id", corrID, "err", err)
		return http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput)}
	}

	out, err := h.uc.Chat(ctx, usecase.ChatInput{Prompt: req.Prompt, History: req.History})
	if err != nil {
		code := usecase.CodeOf(err)
		status := statusFor(code)
		attrs := []any{"correlation_id", corrID, "code", code, "err", err}
		var ue *usecase.Error
		if errors.As(err, &ue) {
			attrs = append(attrs, "reason", ue.Reason)
		}
		if status >= http.StatusInternalServerError {
			h.logger.Error("chat failed", attrs...)
		} else {
			h.logger.Warn("chat rejected", attrs...)
		}
		return status, errorResponse{Error: string(code)}
	}

	h.logger.Info("chat completed", "correlation_id", corrID, "turns", len(out.History))
	return http.StatusOK, chatResponse{Response: out.Response, History: out.History}
}

func (h *Handler) withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		corrID := strings.TrimSpace(r.Header.Get(correlationHeader))
		if corrID == "" {
			corrID = newCorrelationID()
		}
		w.Header().Set(correlationHeader, corrID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"correlation_id", corrID,
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorInvalidQuestion:
		return http.StatusBadRequest
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// routePath drops a trailing slash so "/chat/" and "/chat" match alike. An
// empty path is the root.
func routePath(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/"
	}
	return p
}

// correlationID looks the header up case-insensitively; API Gateway passes
// header names through as the client sent them.
func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return newCorrelationID()
}

func encodeJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := encodeJSON(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = `{"error":"` + string(usecase.ErrorInternal) + `"}`
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

var newCorrelationID = func() string {
	return uuid.NewString()
}
