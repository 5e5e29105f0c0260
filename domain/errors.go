package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every layer of the bridge.
var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrPayloadDecode    = errors.New("payload decode error")
	ErrArtifactIO       = errors.New("artifact io error")
	ErrIssuanceFailure  = errors.New("playback issuance failure")
	ErrLinkLost         = errors.New("duplex link lost")
	ErrQueueClosed      = errors.New("playback queue closed")
	ErrSessionExists    = errors.New("session already exists")
	ErrSessionNotFound  = errors.New("session not found")
)

// DecodeError describes why an inbound control frame was rejected.
type DecodeError struct {
	Kind   error // ErrMalformedMessage or ErrPayloadDecode
	Field  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := e.Kind.Error()
	if e.Field != "" {
		msg += ": field " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IssuanceError is returned when a playback strategy's command was refused
// by the call leg or could not be delivered.
type IssuanceError struct {
	Strategy string
	Reply    string
	Err      error
}

func (e *IssuanceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("strategy %s: %v", e.Strategy, e.Err)
	}
	return fmt.Sprintf("strategy %s: %s", e.Strategy, e.Reply)
}

func (e *IssuanceError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrIssuanceFailure}
	}
	return []error{ErrIssuanceFailure, e.Err}
}

// ArtifactError wraps a filesystem failure on a temporary audio artifact.
type ArtifactError struct {
	Op   string
	Path string
	Err  error
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("artifact %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ArtifactError) Unwrap() []error {
	return []error{ErrArtifactIO, e.Err}
}
