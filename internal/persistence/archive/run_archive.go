// Package archive seals finished run directories so a later replay can tell
// whether the recorded files were altered or truncated.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const manifestFile = "manifest.json"

var ErrNotSealed = errors.New("run is not sealed")

type FileEntry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

type Manifest struct {
	RunID    string      `json:"run_id"`
	EndTick  uint64      `json:"end_tick"`
	SealedAt string      `json:"sealed_at"`
	Files    []FileEntry `json:"files"`
}

// SealRun hashes every file under runDir and writes manifest.json next to
// them. Call it after all writers are closed.
func SealRun(runDir, runID string, endTick uint64) (Manifest, error) {
	files, err := hashTree(runDir)
	if err != nil {
		return Manifest{}, err
	}
	m := Manifest{
		RunID:    runID,
		EndTick:  endTick,
		SealedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Files:    files,
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Manifest{}, err
	}
	if err := os.WriteFile(filepath.Join(runDir, manifestFile), b, 0o644); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// VerifyRun checks runDir against its manifest. Files added after sealing
// are ignored.
func VerifyRun(runDir string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(filepath.Join(runDir, manifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return m, ErrNotSealed
		}
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("%s: %w", manifestFile, err)
	}
	for _, want := range m.Files {
		got, err := hashFile(runDir, want.Path)
		if err != nil {
			return m, err
		}
		if got.Size != want.Size || got.SHA256 != want.SHA256 {
			return m, fmt.Errorf("%s: contents changed since sealing", want.Path)
		}
	}
	return m, nil
}

func hashTree(root string) ([]FileEntry, error) {
	var out []FileEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == manifestFile {
			return nil
		}
		e, err := hashFile(root, filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func hashFile(root, rel string) (FileEntry, error) {
	in, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return FileEntry{}, err
	}
	defer in.Close()

	h := sha256.New()
	n, err := io.Copy(h, in)
	if err != nil {
		return FileEntry{}, err
	}
	return FileEntry{Path: rel, Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}
