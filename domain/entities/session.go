package entities

import (
	"errors"
	"fmt"
	"time"
)

// SessionState is the lifecycle state of a fork session
type SessionState int

const (
	SessionConnecting SessionState = iota
	SessionStreaming
	SessionDisconnecting
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionStreaming:
		return "streaming"
	case SessionDisconnecting:
		return "disconnecting"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

var validSessionTransitions = map[SessionState][]SessionState{
	SessionConnecting:    {SessionStreaming, SessionDisconnecting, SessionClosed},
	SessionStreaming:     {SessionDisconnecting},
	SessionDisconnecting: {SessionClosed},
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s SessionState) CanTransition(next SessionState) bool {
	for _, allowed := range validSessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CallDirection of the forked call leg
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// CallMetadata is copied from the answer event when the session opens
type CallMetadata struct {
	CallID            string        `json:"call_id" bson:"call_id"`
	To                string        `json:"to" bson:"to"`
	From              string        `json:"from" bson:"from"`
	Direction         CallDirection `json:"direction" bson:"direction"`
	CallerNumber      string        `json:"caller_number" bson:"caller_number"`
	DestinationNumber string        `json:"destination_number" bson:"destination_number"`
	OtherLegID        string        `json:"other_leg_id,omitempty" bson:"other_leg_id,omitempty"`
}

// CallSession represents one forked call leg
type CallSession struct {
	ID             string       `json:"id"`
	RemoteEndpoint string       `json:"remote_endpoint"`
	Metadata       CallMetadata `json:"metadata"`
	State          SessionState `json:"-"`
	OpenedAt       time.Time    `json:"opened_at"`
	ClosedAt       *time.Time   `json:"closed_at,omitempty"`
	CloseReason    string       `json:"close_reason,omitempty"`
}

// NewCallSession creates a session in the Connecting state
func NewCallSession(id, remote string, meta CallMetadata) *CallSession {
	return &CallSession{
		ID:             id,
		RemoteEndpoint: remote,
		Metadata:       meta,
		State:          SessionConnecting,
		OpenedAt:       time.Now(),
	}
}

// Transition moves the session to next or returns an error if the move is
// not part of the lifecycle.
func (s *CallSession) Transition(next SessionState) error {
	if !s.State.CanTransition(next) {
		return fmt.Errorf("invalid session transition %s -> %s", s.State, next)
	}
	s.State = next
	if next == SessionClosed {
		now := time.Now()
		s.ClosedAt = &now
	}
	return nil
}

// Validate validates the session data
func (s *CallSession) Validate() error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	if s.RemoteEndpoint == "" {
		return errors.New("remote endpoint is required")
	}
	return nil
}

// SessionRecord is the persisted summary of one fork session
type SessionRecord struct {
	ID              string       `json:"id" bson:"_id"`
	RemoteEndpoint  string       `json:"remote_endpoint" bson:"remote_endpoint"`
	Mode            string       `json:"mode" bson:"mode"`
	Metadata        CallMetadata `json:"metadata" bson:"metadata"`
	State           string       `json:"state" bson:"state"`
	OpenedAt        time.Time    `json:"opened_at" bson:"opened_at"`
	ClosedAt        *time.Time   `json:"closed_at,omitempty" bson:"closed_at,omitempty"`
	CloseReason     string       `json:"close_reason,omitempty" bson:"close_reason,omitempty"`
	TasksCompleted  int64        `json:"tasks_completed" bson:"tasks_completed"`
	TasksFailed     int64        `json:"tasks_failed" bson:"tasks_failed"`
	TasksCancelled  int64        `json:"tasks_cancelled" bson:"tasks_cancelled"`
	TasksEvicted    int64        `json:"tasks_evicted" bson:"tasks_evicted"`
	FramesForwarded int64        `json:"frames_forwarded" bson:"frames_forwarded"`
	FramesDropped   int64        `json:"frames_dropped" bson:"frames_dropped"`
	DTMFRelayed     int64        `json:"dtmf_relayed" bson:"dtmf_relayed"`
}
