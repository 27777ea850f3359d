package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage_RoundTrip(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir(), "http://localhost:8080/")
	require.NoError(t, err)
	ctx := context.Background()

	name := ObjectName("damage", "Photo.JPG")
	assert.True(t, strings.HasPrefix(name, "damage/"))
	assert.True(t, strings.HasSuffix(name, ".jpg"))

	require.NoError(t, s.Put(ctx, name, "image/jpeg", strings.NewReader("pixels")))

	rc, err := s.Get(ctx, name)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(body))

	url, err := s.PresignGet(ctx, name, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/media/"+name, url)

	require.NoError(t, s.Delete(ctx, name))
	_, err = s.Get(ctx, name)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, name), ErrNotFound)
}

func TestCleanName(t *testing.T) {
	for _, bad := range []string{"", "/etc/passwd", "../secret", "a/../../b", "..", `a\b`} {
		_, err := CleanName(bad)
		assert.ErrorIs(t, err, ErrInvalidName, bad)
	}
	name, err := CleanName("damage/2024/01/01/x.jpg")
	require.NoError(t, err)
	assert.Equal(t, "damage/2024/01/01/x.jpg", name)
}

func TestMediaPolicy_ValidateFile(t *testing.T) {
	policy := DefaultPresets()[PresetDamagePhotos]

	tests := []struct {
		name        string
		fileName    string
		contentType string
		size        int64
		wantErr     bool
	}{
		{"valid jpeg", "a.jpg", "image/jpeg", 1024, false},
		{"mime params", "a.png", "image/png; charset=binary", 1024, false},
		{"too large", "a.jpg", "image/jpeg", 11 * 1024 * 1024, true},
		{"wrong mime", "a.jpg", "application/pdf", 1024, true},
		{"wrong extension", "a.exe", "image/jpeg", 1024, true},
		{"no extension", "photo", "image/jpeg", 1024, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.ValidateFile(tt.fileName, tt.contentType, tt.size)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLocalStorage_PutReplacesWithoutLeftovers(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStorage(dir, "http://localhost:8080")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "aid/a.txt", "text/plain", strings.NewReader("first")))
	require.NoError(t, s.Put(ctx, "aid/a.txt", "text/plain", strings.NewReader("second")))

	rc, err := s.Get(ctx, "aid/a.txt")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	entries, err := os.ReadDir(filepath.Join(dir, "aid"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMediaMetadata_Validate(t *testing.T) {
	assert.Error(t, MediaMetadata{URL: "u"}.Validate())
	assert.Error(t, MediaMetadata{Name: "n"}.Validate())
	assert.NoError(t, MediaMetadata{Name: "n", URL: "u", Size: 1}.Validate())
}
