// Package api provides the HTTP API server implementation for the Dispatchr service.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/dispatchr-io/dispatchr/internal/command"
	"github.com/dispatchr-io/dispatchr/internal/outbox"
	"github.com/dispatchr-io/dispatchr/internal/storage"
)

type (
	// Version represents the API version response structure.
	Version struct {
		Version     string `json:"version"`
		ServiceName string `json:"serviceName"`
		BuildInfo   string `json:"buildInfo,omitempty"`
	}

	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// CommandRequest is the envelope accepted by POST /api/v1/commands.
	// The payload schema depends on the command type; it is decoded by the
	// aggregate that handles the command, not by the API layer.
	CommandRequest struct {
		Type     string          `json:"type"`
		Payload  json.RawMessage `json:"payload"`
		Metadata command.Meta    `json:"metadata,omitempty"`
	}

	// CommandResponse is returned for successfully executed commands. The
	// correlation_id and timestamp fields mirror the response extensions
	// used across the API for observability.
	CommandResponse struct {
		AggregateID   string   `json:"aggregateId"`
		Version       int      `json:"version"`
		EventIDs      []string `json:"eventIds"`
		CorrelationID string   `json:"correlation_id"` //nolint: tagliatelle
		Timestamp     string   `json:"timestamp"`
	}

	// OutboxMetricsResponse reports outbox entry counts grouped by status.
	OutboxMetricsResponse struct {
		Metrics       storage.OutboxMetrics `json:"metrics"`
		CorrelationID string                `json:"correlation_id"` //nolint: tagliatelle
		Timestamp     string                `json:"timestamp"`
	}

	// TriggerResponse reports the outcome of one manually triggered
	// dispatcher tick.
	TriggerResponse struct {
		Stats         outbox.TickStats `json:"stats"`
		CorrelationID string           `json:"correlation_id"` //nolint: tagliatelle
		Timestamp     string           `json:"timestamp"`
	}

	// Route represents an HTTP route configuration with a path and handler.
	// Used for declarative route registration with middleware bypass support.
	Route struct {
		Path    string           // The URL path for this route (e.g., "/ping", "/health")
		Handler http.HandlerFunc // The HTTP handler function for this route
	}
)
