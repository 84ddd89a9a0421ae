package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iogate/iogate/internal/auth"
	"github.com/iogate/iogate/internal/output"
	"github.com/iogate/iogate/internal/pump"
)

// maxStreamBody bounds the bytes accepted by a single stream write.
const maxStreamBody = 64 << 10

// Outputs is what the API needs from the digital output coordinator.
type Outputs interface {
	Enqueue(ctx context.Context, name, payload string) error
}

// Streams is what the API needs from the stream pump.
type Streams interface {
	Send(ctx context.Context, name string, data []byte) error
}

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	authService *auth.Service
}

func NewAuthHandler(authService *auth.Service) *AuthHandler {
	return &AuthHandler{authService: authService}
}

// Login handles POST /api/v1/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[auth.LoginRequest](w, r)
	if !ok {
		return
	}
	if req.Username == "" || req.Password == "" {
		sendError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "Username and password are required", nil)
		return
	}

	response, err := h.authService.Login(req.Username, req.Password)
	if err != nil {
		sendError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid credentials", nil)
		return
	}
	sendJSON(w, http.StatusOK, response)
}

// IOHandler serves gateway state and accepts commands.
type IOHandler struct {
	state   *State
	outputs Outputs
	streams Streams
	logger  *slog.Logger
}

func NewIOHandler(state *State, outputs Outputs, streams Streams, logger *slog.Logger) *IOHandler {
	return &IOHandler{state: state, outputs: outputs, streams: streams, logger: logger}
}

// ListInputs handles GET /api/v1/inputs
func (h *IOHandler) ListInputs(w http.ResponseWriter, _ *http.Request) {
	sendListResponse(w, h.state.Inputs())
}

// ListOutputs handles GET /api/v1/outputs
func (h *IOHandler) ListOutputs(w http.ResponseWriter, _ *http.Request) {
	sendListResponse(w, h.state.Outputs())
}

// ListSensors handles GET /api/v1/sensors
func (h *IOHandler) ListSensors(w http.ResponseWriter, _ *http.Request) {
	sendListResponse(w, h.state.Sensors())
}

// SetOutputRequest is the body of PUT /api/v1/outputs/{name}.
type SetOutputRequest struct {
	Payload string `json:"payload"`
}

// SetOutput handles PUT /api/v1/outputs/{name}
func (h *IOHandler) SetOutput(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	req, ok := decodeJSON[SetOutputRequest](w, r)
	if !ok {
		return
	}
	if req.Payload == "" {
		sendError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "payload is required", nil)
		return
	}

	if err := h.outputs.Enqueue(r.Context(), name, req.Payload); err != nil {
		if errors.Is(err, output.ErrUnknownOutput) {
			sendError(w, r, http.StatusNotFound, "NOT_FOUND", "Output not found", nil)
			return
		}
		h.logger.Warn("failed to queue output command", "output", name, "error", err)
		sendError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "Output queue unavailable", nil)
		return
	}
	sendJSON(w, http.StatusAccepted, map[string]string{"output": name, "payload": req.Payload})
}

// SendStream handles POST /api/v1/streams/{name}. The raw body is written
// to the stream.
func (h *IOHandler) SendStream(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxStreamBody))
	if err != nil {
		sendError(w, r, http.StatusRequestEntityTooLarge, "INVALID_BODY", "Body too large", nil)
		return
	}

	if err := h.streams.Send(r.Context(), name, data); err != nil {
		if errors.Is(err, pump.ErrUnknownStream) {
			sendError(w, r, http.StatusNotFound, "NOT_FOUND", "Stream not found", nil)
			return
		}
		h.logger.Warn("failed to queue stream data", "stream", name, "error", err)
		sendError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "Stream unavailable", nil)
		return
	}
	sendJSON(w, http.StatusAccepted, map[string]any{"stream": name, "bytes": len(data)})
}
