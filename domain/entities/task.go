package entities

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AudioFormat of a playback artifact
type AudioFormat string

const (
	FormatRaw  AudioFormat = "raw"
	FormatWave AudioFormat = "wave"
)

// EncodingDescriptor describes how a playback artifact is encoded. For wave
// artifacts the header is authoritative and BitDepth is only a hint.
type EncodingDescriptor struct {
	Format     AudioFormat `json:"format"`
	SampleRate int         `json:"sample_rate"`
	BitDepth   int         `json:"bit_depth"`
}

// InferBitDepth returns the bit depth used for raw audio at the given rate.
// The switch reads every .rN file as 16-bit linear PCM, whatever the rate.
func InferBitDepth(sampleRate int) int {
	return 16
}

// NewEncodingDescriptor builds a descriptor with an inferred bit depth
func NewEncodingDescriptor(format AudioFormat, sampleRate int) EncodingDescriptor {
	return EncodingDescriptor{
		Format:     format,
		SampleRate: sampleRate,
		BitDepth:   InferBitDepth(sampleRate),
	}
}

// Extension returns the file extension used for artifacts of this encoding
func (d EncodingDescriptor) Extension() string {
	if d.Format == FormatWave {
		return ".wav"
	}
	switch d.SampleRate {
	case 8000, 16000, 24000, 32000, 48000, 64000:
		return fmt.Sprintf(".r%d", d.SampleRate/1000)
	default:
		return ".r16"
	}
}

// Artifact is a transient audio file owned by exactly one playback task
type Artifact struct {
	Path      string `json:"path"`
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
	Size      int64  `json:"size"`
}

// TaskStatus of a playback task
type TaskStatus int

const (
	TaskPending TaskStatus = iota
	TaskPlaying
	TaskCompleted
	TaskCancelled
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskPlaying:
		return "playing"
	case TaskCompleted:
		return "completed"
	case TaskCancelled:
		return "cancelled"
	case TaskFailed:
		return "failed"
	default:
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition is possible
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskFailed
}

var validTaskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskPlaying, TaskCancelled},
	TaskPlaying: {TaskCompleted, TaskFailed, TaskCancelled},
}

// PlaybackTask is one request to play an artifact to the call leg
type PlaybackTask struct {
	ID         string
	SessionID  string
	Seq        uint64
	Artifact   *Artifact
	Encoding   EncodingDescriptor
	Text       string
	EnqueuedAt time.Time
	Status     TaskStatus
	Strategy   string
	Err        error
}

// NewPlaybackTask creates a pending task for an artifact
func NewPlaybackTask(sessionID string, seq uint64, artifact *Artifact, enc EncodingDescriptor, text string) *PlaybackTask {
	return &PlaybackTask{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       seq,
		Artifact:  artifact,
		Encoding:  enc,
		Text:      text,
		Status:    TaskPending,
	}
}

// Transition moves the task to next. Terminal states are final.
func (t *PlaybackTask) Transition(next TaskStatus) error {
	for _, allowed := range validTaskTransitions[t.Status] {
		if allowed == next {
			t.Status = next
			return nil
		}
	}
	return fmt.Errorf("invalid task transition %s -> %s", t.Status, next)
}
