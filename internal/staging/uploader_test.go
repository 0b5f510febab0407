package staging

import (
	"context"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskUploader_Stores(t *testing.T) {
	dir := t.TempDir()
	u, err := NewDiskUploader(DiskUploaderConfig{StoragePath: dir, Logger: testLogger()})
	require.NoError(t, err)

	raw, err := u.Upload(context.Background(), File{Name: "note.txt", MimeType: "text/plain", Body: strings.NewReader("hello")})
	require.NoError(t, err)

	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "file", parsed.Scheme)
	assert.True(t, strings.HasSuffix(parsed.Path, ".txt"))

	data, err := os.ReadFile(parsed.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestDiskUploader_TooLarge(t *testing.T) {
	dir := t.TempDir()
	u, err := NewDiskUploader(DiskUploaderConfig{StoragePath: dir, MaxSizeBytes: 4, Logger: testLogger()})
	require.NoError(t, err)

	_, err = u.Upload(context.Background(), File{Name: "big.bin", Body: strings.NewReader("0123456789")})
	assert.ErrorContains(t, err, "too large")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "oversized blob is removed")
}

func TestDiskUploader_NilBody(t *testing.T) {
	u, err := NewDiskUploader(DiskUploaderConfig{StoragePath: t.TempDir(), Logger: testLogger()})
	require.NoError(t, err)

	_, err = u.Upload(context.Background(), File{Name: "x"})
	assert.Error(t, err)
}
