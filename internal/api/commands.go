// Package api provides the HTTP API server implementation for the Dispatchr service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dispatchr-io/dispatchr/internal/api/middleware"
	"github.com/dispatchr-io/dispatchr/internal/command"
	"github.com/dispatchr-io/dispatchr/internal/event"
	"github.com/dispatchr-io/dispatchr/internal/requestctx"
)

// handleCommands accepts a command envelope, routes it through the executor,
// and maps the outcome onto HTTP status codes:
//
//   - validation failure → 400
//   - unknown aggregate → 404
//   - optimistic lock or duplicate → 409
//   - business rule rejection → 422
//   - transient concurrency conflict → 409 (caller should retry)
//   - infrastructure failure → 503
//
// Successful commands return 200 with the aggregate id, the new version, and
// the ids of the events produced.
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, BadRequest("Content-Type must be application/json"))

		return
	}

	// Bound the request body before decoding
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)

	var req CommandRequest

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			WriteErrorResponse(w, r, s.logger, NewProblemDetail(
				http.StatusRequestEntityTooLarge,
				"Request Entity Too Large",
				"Request body exceeds the configured size limit",
			))

			return
		}

		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid JSON in request body: "+err.Error()))

		return
	}

	// Reject trailing garbage after the envelope
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		WriteErrorResponse(w, r, s.logger, BadRequest("Request body must contain a single JSON object"))

		return
	}

	if strings.TrimSpace(req.Type) == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Command type is required"))

		return
	}

	cmd := command.Command{
		Type:     req.Type,
		Payload:  req.Payload,
		Metadata: req.Metadata,
	}

	ctx := bindCallerActor(r.Context(), req.Metadata.Actor)

	result, cmdErr := s.executor.Execute(ctx, cmd)
	if cmdErr != nil {
		s.writeCommandError(w, r, cmdErr)

		return
	}

	response := CommandResponse{
		AggregateID:   result.AggregateID,
		Version:       result.Version,
		EventIDs:      result.EventIDs,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	s.writeJSON(w, r, http.StatusOK, response)
}

// bindCallerActor adopts the actor supplied in command metadata when no
// authenticated actor is bound, so commands stay attributable while
// authentication is disabled. An authenticated service context wins over
// caller-supplied metadata.
func bindCallerActor(ctx context.Context, actor *event.Actor) context.Context {
	if actor == nil || actor.ID == "" {
		return ctx
	}

	rc, ok := requestctx.From(ctx)
	if ok && rc.Actor.ID != "" {
		return ctx
	}

	rc.Actor = *actor

	return requestctx.With(ctx, rc)
}

// writeCommandError translates a command failure into an RFC 7807 response.
// The failure kind decides the status code; the kind and rule (when present)
// are logged but only the message is exposed to the caller.
func (s *Server) writeCommandError(w http.ResponseWriter, r *http.Request, cmdErr *command.Error) {
	status := cmdErr.HTTPStatus()

	s.logger.Warn("Command rejected",
		slog.String("kind", string(cmdErr.Kind)),
		slog.String("rule", cmdErr.Rule),
		slog.Int("status", status),
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.String("path", r.URL.Path),
	)

	WriteErrorResponse(w, r, s.logger, NewProblemDetail(status, http.StatusText(status), cmdErr.Message))
}

// writeJSON marshals a response body and writes it with the given status.
// Marshaling happens before headers are written so failures can still
// produce a proper error response.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	correlationID := middleware.GetCorrelationID(r.Context())

	data, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}
