package usecase

import (
	"strings"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/entities"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/fork"
)

// CallEventKind is the closed set of events the bridge reacts to
type CallEventKind int

const (
	KindUnrecognized CallEventKind = iota
	KindAnswer
	KindBridge
	KindUnbridge
	KindHangup
	KindDTMF
	KindForkConnect
	KindForkConnectFailed
	KindForkDisconnect
	KindForkError
	KindForkMaintenance
	KindForkPlayAudio
	KindForkKillAudio
	KindForkTranscription
	KindForkTransfer
)

// mod_audio_fork subclasses the bridge only logs
const (
	eventTranscription = "mod_audio_fork::transcription"
	eventTransfer      = "mod_audio_fork::transfer"
)

var kindNames = map[CallEventKind]string{
	KindUnrecognized:      "unrecognized",
	KindAnswer:            "answer",
	KindBridge:            "bridge",
	KindUnbridge:          "unbridge",
	KindHangup:            "hangup",
	KindDTMF:              "dtmf",
	KindForkConnect:       "fork_connect",
	KindForkConnectFailed: "fork_connect_failed",
	KindForkDisconnect:    "fork_disconnect",
	KindForkError:         "fork_error",
	KindForkMaintenance:   "fork_maintenance",
	KindForkPlayAudio:     "fork_play_audio",
	KindForkKillAudio:     "fork_kill_audio",
	KindForkTranscription: "fork_transcription",
	KindForkTransfer:      "fork_transfer",
}

func (k CallEventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnrecognized]
}

// IsForkOutcome reports whether k is a connection outcome of the fork that
// is surfaced as a notification.
func (k CallEventKind) IsForkOutcome() bool {
	switch k {
	case KindForkConnect, KindForkConnectFailed, KindForkDisconnect, KindForkError, KindForkMaintenance:
		return true
	}
	return false
}

var customKinds = map[string]CallEventKind{
	fork.EventConnect:       KindForkConnect,
	fork.EventConnectFailed: KindForkConnectFailed,
	fork.EventDisconnect:    KindForkDisconnect,
	fork.EventError:         KindForkError,
	fork.EventMaintenance:   KindForkMaintenance,
	fork.EventPlayAudio:     KindForkPlayAudio,
	fork.EventKillAudio:     KindForkKillAudio,
	eventTranscription:      KindForkTranscription,
	eventTransfer:           KindForkTransfer,
}

// Classify maps a raw event to its kind
func Classify(ev domain.CallEvent) CallEventKind {
	switch ev.Name {
	case "CHANNEL_ANSWER":
		return KindAnswer
	case "CHANNEL_BRIDGE":
		return KindBridge
	case "CHANNEL_UNBRIDGE":
		return KindUnbridge
	case "CHANNEL_HANGUP", "CHANNEL_HANGUP_COMPLETE":
		return KindHangup
	case "DTMF":
		return KindDTMF
	case "CUSTOM":
		if kind, ok := customKinds[ev.Subclass]; ok {
			return kind
		}
	}
	return KindUnrecognized
}

// SubscribedEvents is the event list handed to the event socket
func SubscribedEvents() []string {
	events := []string{"CHANNEL_ANSWER", "CHANNEL_BRIDGE", "CHANNEL_UNBRIDGE", "CHANNEL_HANGUP", "DTMF", "CUSTOM"}
	events = append(events, fork.ForkEventSubclasses...)
	return append(events, eventTranscription, eventTransfer)
}

// MetadataFromEvent copies the call details of a channel event
func MetadataFromEvent(ev domain.CallEvent) entities.CallMetadata {
	return entities.CallMetadata{
		CallID:            ev.Header("variable_sip_call_id"),
		To:                ev.Header("variable_sip_to_uri"),
		From:              ev.Header("variable_sip_from_uri"),
		Direction:         entities.CallDirection(strings.ToLower(ev.Header("Call-Direction"))),
		CallerNumber:      ev.Header("Caller-Caller-ID-Number"),
		DestinationNumber: ev.Header("Caller-Destination-Number"),
		OtherLegID:        ev.Header("Other-Leg-Unique-ID"),
	}
}
