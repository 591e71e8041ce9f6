package dhash

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"ringvault/internal/ring"
)

// fileChunkSize mirrors chord.FileChunkSize; kept independent since DHash
// fragments each block under Rabin (n, m, p) dispersal rather than storing
// it whole, and a layer boundary shouldn't force a shared constant.
const fileChunkSize = 64 * 1024

type fileManifest struct {
	Size   int64 `json:"size"`
	Chunks int   `json:"chunks"`
}

func (n *Node) manifestKey(space *ring.Space, name string) ring.ID {
	return space.HashString("file:" + name)
}

func (n *Node) chunkKey(space *ring.Space, name string, i int) ring.ID {
	return space.HashString(fmt.Sprintf("file:%s:chunk:%d", name, i))
}

// UploadFile splits path into fixed-size blocks and Creates each one as a
// replicated, erasure-coded key, per spec.md §6's public API restored from
// the original source's file helpers.
func (n *Node) UploadFile(ctx context.Context, path, name string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("dhash: upload %s: %w", path, err)
	}
	space := n.chord.Space()

	chunks := (len(data) + fileChunkSize - 1) / fileChunkSize
	if chunks == 0 {
		chunks = 1
	}
	for i := 0; i < chunks; i++ {
		start := i * fileChunkSize
		end := start + fileChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := n.Create(ctx, n.chunkKey(space, name, i), data[start:end]); err != nil {
			return fmt.Errorf("dhash: upload %s chunk %d: %w", name, i, err)
		}
	}

	manifest, err := json.Marshal(fileManifest{Size: int64(len(data)), Chunks: chunks})
	if err != nil {
		return err
	}
	if err := n.Create(ctx, n.manifestKey(space, name), manifest); err != nil {
		return fmt.Errorf("dhash: upload %s manifest: %w", name, err)
	}
	return nil
}

// DownloadFile reassembles name's chunks, per its manifest, into outputPath.
func (n *Node) DownloadFile(ctx context.Context, name, outputPath string) error {
	space := n.chord.Space()

	raw, err := n.Read(ctx, n.manifestKey(space, name))
	if err != nil {
		return fmt.Errorf("dhash: download %s manifest: %w", name, err)
	}
	var manifest fileManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return fmt.Errorf("dhash: download %s: malformed manifest: %w", name, err)
	}

	out := make([]byte, 0, manifest.Size)
	for i := 0; i < manifest.Chunks; i++ {
		chunk, err := n.Read(ctx, n.chunkKey(space, name, i))
		if err != nil {
			return fmt.Errorf("dhash: download %s chunk %d: %w", name, i, err)
		}
		out = append(out, chunk...)
	}

	if err := os.WriteFile(outputPath, out, 0o644); err != nil {
		return fmt.Errorf("dhash: download %s: write %s: %w", name, outputPath, err)
	}
	return nil
}
