// Package protocol turns inbound control frames from the remote audio
// endpoint into typed commands.
package protocol

import (
	"bytes"
	"encoding/base64"
	"strings"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/entities"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
)

// DefaultSampleRate is assumed when a frame omits sampleRate
const DefaultSampleRate = 16000

const waveHeaderSize = 44

// Command is the closed set of decoded control frames
type Command interface {
	CommandType() string
}

// PlayAudio asks for an artifact to be played to the call leg
type PlayAudio struct {
	SessionID string
	Encoding  entities.EncodingDescriptor
	Artifact  *entities.Artifact
	Text      string
}

// StopAudio cancels pending and current playback
type StopAudio struct {
	SessionID string
}

// StartRecording is passed through untouched
type StartRecording struct {
	SampleRate int
	Channels   int
}

// StopRecording is passed through untouched
type StopRecording struct{}

// Unknown marks a frame type the bridge does not handle
type Unknown struct {
	Type string
}

func (PlayAudio) CommandType() string      { return domain.MessageTypePlayAudio }
func (StopAudio) CommandType() string      { return domain.MessageTypeKillAudio }
func (StartRecording) CommandType() string { return domain.MessageTypeStartRecording }
func (StopRecording) CommandType() string  { return domain.MessageTypeStopRecording }
func (u Unknown) CommandType() string      { return u.Type }

// Decoder validates control frames and materialises embedded audio
type Decoder struct {
	store  repositories.ArtifactStore
	logger *zap.Logger
}

// NewDecoder creates a new decoder backed by store
func NewDecoder(store repositories.ArtifactStore, logger *zap.Logger) *Decoder {
	return &Decoder{store: store, logger: logger}
}

// Decode parses one frame. A PlayAudio writes exactly one artifact named
// after sessionID and seq; every other outcome writes nothing.
func (d *Decoder) Decode(sessionID string, seq uint64, frame []byte) (Command, error) {
	var msg domain.ControlFrame
	if err := sonic.Unmarshal(frame, &msg); err != nil {
		return nil, &domain.DecodeError{Kind: domain.ErrMalformedMessage, Reason: "invalid JSON format", Err: err}
	}

	switch msg.Type {
	case domain.MessageTypePlayAudio:
		return d.decodePlayAudio(sessionID, seq, msg.Data)
	case domain.MessageTypeKillAudio:
		return StopAudio{SessionID: sessionID}, nil
	case domain.MessageTypeStartRecording:
		return StartRecording{SampleRate: msg.SampleRate, Channels: msg.Channels}, nil
	case domain.MessageTypeStopRecording:
		return StopRecording{}, nil
	case "":
		return nil, &domain.DecodeError{Kind: domain.ErrMalformedMessage, Field: "type", Reason: "is required"}
	default:
		d.logger.Debug("Unhandled control frame type",
			zap.String("sessionID", sessionID),
			zap.String("type", msg.Type))
		return Unknown{Type: msg.Type}, nil
	}
}

func (d *Decoder) decodePlayAudio(sessionID string, seq uint64, data *domain.PlayAudioData) (Command, error) {
	if data == nil {
		return nil, &domain.DecodeError{Kind: domain.ErrMalformedMessage, Field: "data", Reason: "is required"}
	}
	if data.AudioContent == "" {
		return nil, &domain.DecodeError{Kind: domain.ErrMalformedMessage, Field: "data.audioContent", Reason: "is required"}
	}

	enc, err := encodingFor(data.AudioContentType, data.SampleRate)
	if err != nil {
		return nil, err
	}

	payload, err := decodeBase64(data.AudioContent)
	if err != nil {
		return nil, &domain.DecodeError{Kind: domain.ErrPayloadDecode, Field: "data.audioContent", Err: err}
	}
	if len(payload) == 0 {
		return nil, &domain.DecodeError{Kind: domain.ErrPayloadDecode, Field: "data.audioContent", Reason: "empty payload"}
	}
	if enc.Format == entities.FormatWave && !isWave(payload) {
		return nil, &domain.DecodeError{Kind: domain.ErrPayloadDecode, Field: "data.audioContent", Reason: "missing RIFF/WAVE header"}
	}

	artifact, err := d.store.Create(sessionID, seq, enc, payload)
	if err != nil {
		return nil, err
	}

	return PlayAudio{
		SessionID: sessionID,
		Encoding:  enc,
		Artifact:  artifact,
		Text:      data.TextContent,
	}, nil
}

// DecodeForkEvent handles control delivered through mod_audio_fork events,
// where the switch has already written the clip to disk.
func (d *Decoder) DecodeForkEvent(sessionID string, seq uint64, subclass, body string) (Command, error) {
	switch subclass {
	case "mod_audio_fork::kill_audio":
		return StopAudio{SessionID: sessionID}, nil
	case "mod_audio_fork::play_audio":
	default:
		return Unknown{Type: subclass}, nil
	}

	var msg domain.ForkPlayAudioBody
	if err := sonic.UnmarshalString(body, &msg); err != nil {
		return nil, &domain.DecodeError{Kind: domain.ErrMalformedMessage, Reason: "invalid JSON body", Err: err}
	}
	if msg.File == "" {
		return nil, &domain.DecodeError{Kind: domain.ErrMalformedMessage, Field: "file", Reason: "is required"}
	}

	enc, err := encodingFor(msg.AudioContentType, msg.SampleRate)
	if err != nil {
		return nil, err
	}

	artifact, err := d.store.Adopt(sessionID, seq, enc, msg.File)
	if err != nil {
		return nil, err
	}

	return PlayAudio{
		SessionID: sessionID,
		Encoding:  enc,
		Artifact:  artifact,
		Text:      msg.TextContent,
	}, nil
}

func encodingFor(contentType string, sampleRate int) (entities.EncodingDescriptor, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	switch strings.ToLower(contentType) {
	case "", "raw":
		return entities.NewEncodingDescriptor(entities.FormatRaw, sampleRate), nil
	case "wave", "wav":
		return entities.NewEncodingDescriptor(entities.FormatWave, sampleRate), nil
	default:
		return entities.EncodingDescriptor{}, &domain.DecodeError{
			Kind:   domain.ErrMalformedMessage,
			Field:  "audioContentType",
			Reason: "must be one of: raw, wave",
		}
	}
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func isWave(b []byte) bool {
	return len(b) >= waveHeaderSize && bytes.Equal(b[0:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WAVE"))
}
