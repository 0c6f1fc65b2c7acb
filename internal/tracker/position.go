// Package tracker keeps incremental read positions for agent output
// files and caches parsed results keyed by file modification time.
package tracker

import (
	"os"
	"sync"
	"time"
)

// PositionTracker remembers how far each output file has been read so
// only new bytes are parsed on every poll. Truncated or rotated files
// reset to the beginning. At most maxFiles files are tracked; the least
// recently touched entry is evicted first.
type PositionTracker struct {
	mu       sync.Mutex
	files    map[string]*filePos
	maxFiles int
}

type filePos struct {
	offset  int64
	touched time.Time
}

// NewPositionTracker returns a tracker bounded to maxFiles entries.
func NewPositionTracker(maxFiles int) *PositionTracker {
	if maxFiles <= 0 {
		maxFiles = 100
	}
	return &PositionTracker{
		files:    make(map[string]*filePos),
		maxFiles: maxFiles,
	}
}

// NextChunk returns the bytes appended to path since the last call and
// whether the file was truncated since then. A missing file yields an
// empty chunk.
func (t *PositionTracker) NextChunk(path string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}

	pos := t.files[path]
	if pos == nil {
		pos = &filePos{}
		t.files[path] = pos
	}
	pos.touched = time.Now()
	t.evictLocked()

	truncated := info.Size() < pos.offset
	if truncated {
		pos.offset = 0
	}
	if info.Size() == pos.offset {
		return "", truncated
	}

	f, err := os.Open(path)
	if err != nil {
		return "", truncated
	}
	defer f.Close()

	if pos.offset > 0 {
		if _, err := f.Seek(pos.offset, 0); err != nil {
			return "", truncated
		}
	}
	buf := make([]byte, info.Size()-pos.offset)
	n, _ := f.Read(buf)
	pos.offset += int64(n)
	return string(buf[:n]), truncated
}

// FullContent reads the whole file and moves the position to its end.
func (t *PositionTracker) FullContent(path string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	pos := t.files[path]
	if pos == nil {
		pos = &filePos{}
		t.files[path] = pos
	}
	pos.offset = int64(len(data))
	pos.touched = time.Now()
	t.evictLocked()
	return string(data)
}

// Reset forgets the position for one path.
func (t *PositionTracker) Reset(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.files, path)
}

// Tracked returns how many files currently have positions.
func (t *PositionTracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}

func (t *PositionTracker) evictLocked() {
	for len(t.files) > t.maxFiles {
		var oldestPath string
		var oldest time.Time
		first := true
		for p, fp := range t.files {
			if first || fp.touched.Before(oldest) {
				oldestPath, oldest = p, fp.touched
				first = false
			}
		}
		delete(t.files, oldestPath)
	}
}
