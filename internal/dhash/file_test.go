package dhash

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadDownloadFileRoundTrip(t *testing.T) {
	n := newAloneDHashNode(t)

	dir := t.TempDir()
	src := filepath.Join(dir, "in.bin")
	content := make([]byte, fileChunkSize+97) // spans two chunks
	for i := range content {
		content[i] = byte(i % 241)
	}
	require.NoError(t, os.WriteFile(src, content, 0o644))

	require.NoError(t, n.UploadFile(context.Background(), src, "dispersed"))

	out := filepath.Join(dir, "out.bin")
	require.NoError(t, n.DownloadFile(context.Background(), "dispersed", out))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadFileMissingNameErrors(t *testing.T) {
	n := newAloneDHashNode(t)

	err := n.DownloadFile(context.Background(), "never-uploaded", filepath.Join(t.TempDir(), "out.bin"))
	assert.Error(t, err)
}
