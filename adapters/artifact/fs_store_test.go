package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/entities"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "artifacts"), zap.NewNop())
	require.NoError(t, err)
	return store
}

func TestCreateNamesArtifactDeterministically(t *testing.T) {
	store := newTestStore(t)

	tests := []struct {
		enc  entities.EncodingDescriptor
		want string
	}{
		{entities.NewEncodingDescriptor(entities.FormatRaw, 8000), "leg-1_1.r8"},
		{entities.NewEncodingDescriptor(entities.FormatRaw, 16000), "leg-1_2.r16"},
		{entities.NewEncodingDescriptor(entities.FormatRaw, 48000), "leg-1_3.r48"},
		{entities.NewEncodingDescriptor(entities.FormatWave, 16000), "leg-1_4.wav"},
	}

	for i, tt := range tests {
		a, err := store.Create("leg-1", uint64(i+1), tt.enc, []byte("pcm"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(store.Dir(), tt.want), a.Path)
		assert.Equal(t, int64(3), a.Size)
		assert.FileExists(t, a.Path)
	}
}

func TestCreateRejectsExistingPath(t *testing.T) {
	store := newTestStore(t)
	enc := entities.NewEncodingDescriptor(entities.FormatRaw, 16000)

	_, err := store.Create("leg", 1, enc, []byte("a"))
	require.NoError(t, err)

	_, err = store.Create("leg", 1, enc, []byte("b"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrArtifactIO))
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	a, err := store.Create("leg", 1, entities.NewEncodingDescriptor(entities.FormatRaw, 16000), []byte("data"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(a))
	assert.NoFileExists(t, a.Path)
	assert.NoError(t, store.Delete(a))
	assert.NoError(t, store.Delete(nil))
}

func TestInspect(t *testing.T) {
	store := newTestStore(t)
	data := make([]byte, 100)
	copy(data, "RIFF")
	a, err := store.Create("leg", 1, entities.NewEncodingDescriptor(entities.FormatWave, 16000), data)
	require.NoError(t, err)

	size, header, err := store.Inspect(a)
	require.NoError(t, err)
	assert.Equal(t, int64(100), size)
	assert.Len(t, header, HeaderSize)
	assert.Equal(t, "RIFF", string(header[:4]))

	short, err := store.Create("leg", 2, entities.NewEncodingDescriptor(entities.FormatRaw, 16000), []byte("ab"))
	require.NoError(t, err)
	size, header, err = store.Inspect(short)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)
	assert.Len(t, header, 2)

	require.NoError(t, store.Delete(short))
	_, _, err = store.Inspect(short)
	assert.ErrorIs(t, err, domain.ErrArtifactIO)
}

func TestAdoptMovesFileIntoStore(t *testing.T) {
	store := newTestStore(t)
	src := filepath.Join(t.TempDir(), "switch-written.r8")
	require.NoError(t, os.WriteFile(src, []byte("12345678"), 0o644))

	a, err := store.Adopt("leg", 7, entities.NewEncodingDescriptor(entities.FormatRaw, 8000), src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.Dir(), "leg_7.r8"), a.Path)
	assert.Equal(t, int64(8), a.Size)
	assert.NoFileExists(t, src)
	assert.FileExists(t, a.Path)

	_, err = store.Adopt("leg", 8, entities.NewEncodingDescriptor(entities.FormatRaw, 8000), src)
	assert.ErrorIs(t, err, domain.ErrArtifactIO)
}

func TestPurgeOnlyTouchesOwnSession(t *testing.T) {
	store := newTestStore(t)
	enc := entities.NewEncodingDescriptor(entities.FormatRaw, 16000)

	for seq := uint64(1); seq <= 3; seq++ {
		_, err := store.Create("leg-a", seq, enc, []byte("x"))
		require.NoError(t, err)
	}
	other, err := store.Create("leg-ab", 1, enc, []byte("x"))
	require.NoError(t, err)

	removed, err := store.Purge("leg-a")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.FileExists(t, other.Path)
}

func TestSanitizeID(t *testing.T) {
	assert.Equal(t, "a-b-c", sanitizeID("a/b_c"))
	assert.Equal(t, "0f0c2b5e-1a2b", sanitizeID("0f0c2b5e-1a2b"))
}
