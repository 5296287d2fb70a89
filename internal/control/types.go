// Package control implements the per-collector Control API (C7): a small
// HTTP plane bound to 8000+connection_id that lets an operator (or the
// Lifecycle Manager) inspect and adjust what one collector is subscribed
// to without restarting it.
//
// Grounded on the teacher's api package: one Server wrapping a stdlib
// http.Server with read/write/idle timeouts, one Handlers struct holding
// the provider it serves, routes registered on a plain http.ServeMux.
// The dashboard's WebSocket broadcast hub and market-snapshot payloads are
// dropped; this plane is a request/response control surface, not a live
// feed.
package control

import (
	"context"
	"time"
)

// SubscribeRequest is the body of /api/subscribe and /api/unsubscribe.
type SubscribeRequest struct {
	Instruments []string `json:"instruments"`
}

// SubscribeResponse enumerates what happened to each requested instrument.
type SubscribeResponse struct {
	Subscribed        []string `json:"subscribed"`
	AlreadySubscribed []string `json:"already_subscribed"`
	Failed            []string `json:"failed"`
}

// StatusResponse is the body of /api/status.
type StatusResponse struct {
	ConnectionID   int       `json:"connection_id"`
	Currency       string    `json:"currency"`
	PartitionSize  int       `json:"partition_size"`
	Instruments    []string  `json:"instruments"`
	WSConnected    bool      `json:"ws_connected"`
	LastTickAt     time.Time `json:"last_tick_at"`
	ReconnectCount int       `json:"reconnect_count"`
	QuotesWritten  int64     `json:"quotes_written"`
	TradesWritten  int64     `json:"trades_written"`
	DepthWritten   int64     `json:"depth_written"`
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status string    `json:"status"`
	Now    time.Time `json:"now"`
}

// ErrorResponse is returned for any request the handler rejects.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Provider is what a collector exposes to the Control API. The collector
// package implements this directly.
type Provider interface {
	Status(ctx context.Context) StatusResponse
	Subscribe(ctx context.Context, instruments []string) SubscribeResponse
	Unsubscribe(ctx context.Context, instruments []string) SubscribeResponse
}
