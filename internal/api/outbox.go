// Package api provides the HTTP API server implementation for the Dispatchr service.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dispatchr-io/dispatchr/internal/api/middleware"
)

// handleOutboxMetrics reports outbox entry counts grouped by delivery status.
// Operators use this endpoint to watch for a growing pending backlog or for
// entries that exhausted their retries.
func (s *Server) handleOutboxMetrics(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	metrics, err := s.dispatcher.Metrics(r.Context())
	if err != nil {
		s.logger.Error("Failed to collect outbox metrics",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Outbox metrics are temporarily unavailable"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, OutboxMetricsResponse{
		Metrics:       metrics,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}

// handleOutboxTrigger runs one dispatcher tick on demand, outside the poll
// schedule. Useful in tests and when draining a backlog after an outage.
// Concurrent triggers are coalesced by the dispatcher; a coalesced trigger
// still returns 200 with zero stats.
func (s *Server) handleOutboxTrigger(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	stats, err := s.dispatcher.TriggerOnce(r.Context())
	if err != nil {
		s.logger.Error("Manual outbox tick failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Outbox dispatch is temporarily unavailable"))

		return
	}

	s.logger.Info("Manual outbox tick completed",
		slog.String("correlation_id", correlationID),
		slog.Int("claimed", stats.Claimed),
		slog.Int("published", stats.Published),
		slog.Int("retried", stats.Retried),
		slog.Int("failed", stats.Failed),
	)

	s.writeJSON(w, r, http.StatusOK, TriggerResponse{
		Stats:         stats,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}
