package watcher

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const maxChunk = 4 << 20

// tailer remembers how far each transcript has been consumed.
type tailer struct {
	offsets map[string]int64
}

func newTailer() *tailer { return &tailer{offsets: map[string]int64{}} }

func isTranscript(path string) bool { return strings.HasSuffix(path, ".jsonl") }

// prime records the current size of every transcript under root, so history
// written before startup is never announced.
func (t *tailer) prime(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal.
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !isTranscript(path) {
			return nil
		}
		if info, err := d.Info(); err == nil {
			t.offsets[path] = info.Size()
		}
		return nil
	})
}

// next returns complete lines appended since the last call. A file first seen
// after startup is read from the beginning; a file that shrank is re-read
// from the beginning. A trailing partial line stays for the next call.
func (t *tailer) next(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			delete(t.offsets, path)
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	pos := t.offsets[path]
	if size < pos {
		pos = 0
	}
	if size == pos {
		t.offsets[path] = pos
		return nil, nil
	}

	n := size - pos
	if n > maxChunk {
		// Skip a huge backlog rather than buffering it.
		pos = size - maxChunk
		n = maxChunk
	}
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, pos); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	end := bytes.LastIndexByte(buf, '\n')
	if end < 0 {
		t.offsets[path] = pos
		return nil, nil
	}
	t.offsets[path] = pos + int64(end) + 1
	return buf[:end+1], nil
}

func (t *tailer) forget(path string) { delete(t.offsets, path) }
