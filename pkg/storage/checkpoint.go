package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/s2"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/concept"
)

// checkpointFormatVersion identifies the image layout. Readers reject
// anything newer than they understand.
const checkpointFormatVersion = 1

const (
	checkpointPattern = "checkpoint-%016d.ckpt.s2"
	checkpointPrefix  = "checkpoint-"
	checkpointSuffix  = ".ckpt.s2"
)

// checkpointImage is one shard's full state at a WAL sequence. Every
// record at or below Sequence is reflected in the image, so replay
// after load starts at Sequence+1.
type checkpointImage struct {
	FormatVersion int                    `json:"format_version"`
	Shard         int                    `json:"shard"`
	Sequence      uint64                 `json:"sequence"`
	CreatedAt     time.Time              `json:"created_at"`
	Nodes         []*concept.ConceptNode `json:"nodes"`
	Assocs        []*concept.Association `json:"assocs"`
}

// writeCheckpoint persists an image to dir. The file is built under a
// temporary name and renamed into place so a crash mid-write leaves
// either the previous checkpoint set or a complete new file, never a
// half-written one under the real name.
func writeCheckpoint(dir string, image *checkpointImage) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: create directory: %w", err)
	}

	final := filepath.Join(dir, fmt.Sprintf(checkpointPattern, image.Sequence))
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return "", fmt.Errorf("checkpoint: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	enc := s2.NewWriter(tmp)
	if err := json.NewEncoder(enc).Encode(image); err != nil {
		tmp.Close()
		return "", fmt.Errorf("checkpoint: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("checkpoint: compress: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("checkpoint: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("checkpoint: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return "", fmt.Errorf("checkpoint: rename: %w", err)
	}
	return final, nil
}

func readCheckpoint(path string) (*checkpointImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open: %w", err)
	}
	defer file.Close()

	var image checkpointImage
	if err := json.NewDecoder(s2.NewReader(file)).Decode(&image); err != nil {
		return nil, fmt.Errorf("checkpoint: decode: %w", err)
	}
	if image.FormatVersion > checkpointFormatVersion {
		return nil, fmt.Errorf("checkpoint: format version %d is newer than supported %d", image.FormatVersion, checkpointFormatVersion)
	}
	return &image, nil
}

type checkpointFile struct {
	path     string
	sequence uint64
}

func listCheckpoints(dir string) ([]checkpointFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: read directory: %w", err)
	}
	var files []checkpointFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, checkpointPrefix) || !strings.HasSuffix(name, checkpointSuffix) {
			continue
		}
		numeric := strings.TrimSuffix(strings.TrimPrefix(name, checkpointPrefix), checkpointSuffix)
		seq, err := strconv.ParseUint(numeric, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, checkpointFile{path: filepath.Join(dir, name), sequence: seq})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].sequence < files[j].sequence })
	return files, nil
}

// loadLatestCheckpoint returns the newest readable image in dir, or nil
// when none exists. A corrupt newest file is skipped in favor of the
// next older one; losing a checkpoint costs replay time, not data,
// because the WAL segments it summarized are only deleted after a
// newer checkpoint lands.
func loadLatestCheckpoint(dir string) (*checkpointImage, error) {
	files, err := listCheckpoints(dir)
	if err != nil {
		return nil, err
	}
	for i := len(files) - 1; i >= 0; i-- {
		image, err := readCheckpoint(files[i].path)
		if err != nil {
			continue
		}
		return image, nil
	}
	return nil, nil
}

// pruneCheckpoints deletes all but the keep newest checkpoint files.
func pruneCheckpoints(dir string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	files, err := listCheckpoints(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := 0; i < len(files)-keep; i++ {
		if err := os.Remove(files[i].path); err != nil {
			return removed, fmt.Errorf("checkpoint: remove: %w", err)
		}
		removed++
	}
	return removed, nil
}
