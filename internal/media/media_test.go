package media

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postdeck/internal/model"
)

func TestLibraryOpenLocal(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "team"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "team", "a.png"), []byte("pixels"), 0o600))

	lib := NewLibrary(NewLocal(root), 1024, "")
	rc, err := lib.Open(context.Background(), model.Attachment{Name: "a.png", Path: "team/a.png", Size: 6})
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(b))

	_, err = lib.Open(context.Background(), model.Attachment{Path: "team/missing.png"})
	assert.ErrorIs(t, err, ErrNotExists)
}

func TestLibraryRejectsTraversal(t *testing.T) {
	lib := NewLibrary(NewLocal(t.TempDir()), 0, "https://cdn.example.com/")
	for _, p := range []string{"", "../etc/passwd", "a/../../b", "/"} {
		_, err := lib.Open(context.Background(), model.Attachment{Path: p})
		assert.ErrorIs(t, err, ErrBadPath, p)
	}
}

func TestLibrarySizeLimits(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.bin"), make([]byte, 32), 0o600))
	lib := NewLibrary(NewLocal(root), 16, "")

	_, err := lib.Open(context.Background(), model.Attachment{Path: "big.bin", Size: 32})
	assert.ErrorIs(t, err, ErrTooLarge)

	// Declared size lies; the reader still stops at the cap.
	rc, err := lib.Open(context.Background(), model.Attachment{Path: "big.bin", Size: 1})
	require.NoError(t, err)
	defer rc.Close()
	_, err = io.ReadAll(rc)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestPublicURL(t *testing.T) {
	lib := NewLibrary(NewLocal("."), 0, "https://cdn.example.com/media/")
	u, err := lib.PublicURL(model.Attachment{Path: "team 1/photo.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/media/team%201/photo.jpg", u)

	_, err = NewLibrary(NewLocal("."), 0, "").PublicURL(model.Attachment{Path: "x.jpg"})
	assert.ErrorIs(t, err, ErrNoPublic)
}
