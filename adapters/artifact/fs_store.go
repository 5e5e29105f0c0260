package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/entities"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
)

// HeaderSize is the number of leading bytes returned by Inspect
const HeaderSize = 44

// FileStore keeps playback artifacts in a directory shared by all sessions.
// Names are <session>_<seq><ext> so two tasks never contend for a path.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

var _ repositories.ArtifactStore = (*FileStore)(nil)

// NewFileStore creates the directory if needed
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &domain.ArtifactError{Op: "mkdir", Path: dir, Err: err}
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Dir returns the artifact directory
func (s *FileStore) Dir() string { return s.dir }

// PathFor returns the deterministic path of an artifact
func (s *FileStore) PathFor(sessionID string, seq uint64, enc entities.EncodingDescriptor) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%d%s", sanitizeID(sessionID), seq, enc.Extension()))
}

// Create implements repositories.ArtifactStore
func (s *FileStore) Create(sessionID string, seq uint64, enc entities.EncodingDescriptor, data []byte) (*entities.Artifact, error) {
	path := s.PathFor(sessionID, seq, enc)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &domain.ArtifactError{Op: "create", Path: path, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return nil, &domain.ArtifactError{Op: "write", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, &domain.ArtifactError{Op: "close", Path: path, Err: err}
	}

	s.logger.Debug("Artifact created",
		zap.String("sessionID", sessionID),
		zap.Uint64("seq", seq),
		zap.String("path", path),
		zap.Int("bytes", len(data)))

	return &entities.Artifact{Path: path, SessionID: sessionID, Seq: seq, Size: int64(len(data))}, nil
}

// Adopt implements repositories.ArtifactStore. The file is moved into the
// store; if it cannot be moved it is used in place and still deleted by
// its owner.
func (s *FileStore) Adopt(sessionID string, seq uint64, enc entities.EncodingDescriptor, path string) (*entities.Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &domain.ArtifactError{Op: "stat", Path: path, Err: err}
	}

	target := s.PathFor(sessionID, seq, enc)
	if err := os.Rename(path, target); err != nil {
		if cerr := copyFile(path, target); cerr != nil {
			s.logger.Warn("Using artifact in place",
				zap.String("sessionID", sessionID),
				zap.String("path", path),
				zap.Error(err))
			target = path
		} else {
			os.Remove(path)
		}
	}

	return &entities.Artifact{Path: target, SessionID: sessionID, Seq: seq, Size: info.Size()}, nil
}

// Inspect returns the artifact size and up to HeaderSize leading bytes
func (s *FileStore) Inspect(artifact *entities.Artifact) (int64, []byte, error) {
	f, err := os.Open(artifact.Path)
	if err != nil {
		return 0, nil, &domain.ArtifactError{Op: "open", Path: artifact.Path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, nil, &domain.ArtifactError{Op: "stat", Path: artifact.Path, Err: err}
	}
	header := make([]byte, HeaderSize)
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return 0, nil, &domain.ArtifactError{Op: "read", Path: artifact.Path, Err: err}
	}
	return info.Size(), header[:n], nil
}

// Delete implements repositories.ArtifactStore. Deleting an artifact that
// is already gone is not an error.
func (s *FileStore) Delete(artifact *entities.Artifact) error {
	if artifact == nil || artifact.Path == "" {
		return nil
	}
	if err := os.Remove(artifact.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &domain.ArtifactError{Op: "delete", Path: artifact.Path, Err: err}
	}
	return nil
}

// Purge implements repositories.ArtifactStore
func (s *FileStore) Purge(sessionID string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, sanitizeID(sessionID)+"_*"))
	if err != nil {
		return 0, &domain.ArtifactError{Op: "glob", Path: s.dir, Err: err}
	}
	removed := 0
	var firstErr error
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			if firstErr == nil {
				firstErr = &domain.ArtifactError{Op: "purge", Path: path, Err: err}
			}
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("Purged leftover artifacts",
			zap.String("sessionID", sessionID),
			zap.Int("count", removed))
	}
	return removed, firstErr
}

// sanitizeID keeps ids safe for file names. Underscore is reserved as the
// sequence separator.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, id)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
