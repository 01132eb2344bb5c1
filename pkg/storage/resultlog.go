package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

// ResultLog writes one JSON line per phase result (downloads, captures) and
// flushes every saveEvery results. It is safe for concurrent use.
type ResultLog[T any] struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	w         *bufio.Writer
	enc       *json.Encoder
	saveEvery int
	pending   int
}

// OpenResultLog truncates or creates path and returns a log writing to it.
func OpenResultLog[T any](path string, saveEvery int) (*ResultLog[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: creating results directory: %w", utils.ErrFilesystem, err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening results file '%s': %w", utils.ErrFilesystem, path, err)
	}
	if saveEvery < 1 {
		saveEvery = 1
	}
	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &ResultLog[T]{path: path, file: file, w: w, enc: enc, saveEvery: saveEvery}, nil
}

// Write appends one result line.
func (l *ResultLog[T]) Write(res T) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(res); err != nil {
		return fmt.Errorf("%w: writing result to %s: %w", utils.ErrFilesystem, l.path, err)
	}
	l.pending++
	if l.pending >= l.saveEvery {
		return l.flushLocked()
	}
	return nil
}

func (l *ResultLog[T]) flushLocked() error {
	l.pending = 0
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("%w: flushing %s: %w", utils.ErrFilesystem, l.path, err)
	}
	return nil
}

// Close flushes buffered results and closes the file.
func (l *ResultLog[T]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flushLocked(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
