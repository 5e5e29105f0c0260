package repositories

import (
	"context"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain/entities"
)

// ArtifactStore creates and deletes transient playback artifacts
type ArtifactStore interface {
	// Create writes data to a new artifact named after the session and sequence.
	Create(sessionID string, seq uint64, enc entities.EncodingDescriptor, data []byte) (*entities.Artifact, error)
	// Adopt takes ownership of a file written by someone else.
	Adopt(sessionID string, seq uint64, enc entities.EncodingDescriptor, path string) (*entities.Artifact, error)
	// Inspect returns the artifact size and its leading header bytes.
	Inspect(artifact *entities.Artifact) (size int64, header []byte, err error)
	// Delete removes the artifact. Deleting a missing artifact is not an error.
	Delete(artifact *entities.Artifact) error
	// Purge removes every artifact left behind by a session.
	Purge(sessionID string) (int, error)
}

// SessionRecordRepository persists fork session summaries
type SessionRecordRepository interface {
	Create(ctx context.Context, record *entities.SessionRecord) error
	Update(ctx context.Context, record *entities.SessionRecord) error
	GetByID(ctx context.Context, id string) (*entities.SessionRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*entities.SessionRecord, error)
}

// SessionMirror publishes the set of active sessions to a shared cache
type SessionMirror interface {
	Put(ctx context.Context, record *entities.SessionRecord) error
	Remove(ctx context.Context, id string) error
}
