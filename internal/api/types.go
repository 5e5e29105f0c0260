package api

import (
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/entities"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/fork"
)

// HealthResponse reports process and switch connectivity
type HealthResponse struct {
	Status          string `json:"status"`
	Service         string `json:"service"`
	Mode            string `json:"mode"`
	SwitchConnected bool   `json:"switch_connected"`
	Sessions        int    `json:"sessions"`
	Streams         int    `json:"streams"`
}

// SessionListResponse lists the live sessions
type SessionListResponse struct {
	Sessions []fork.Info `json:"sessions"`
	Count    int         `json:"count"`
}

// CancelPlaybackResponse reports how many queued clips were dropped
type CancelPlaybackResponse struct {
	SessionID string `json:"session_id"`
	Dropped   int    `json:"dropped"`
}

// RecordListResponse lists persisted session summaries, newest first
type RecordListResponse struct {
	Records []*entities.SessionRecord `json:"records"`
	Count   int                       `json:"count"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
