package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/chain-scraper/pkg/models"
	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

const defaultFlushEvery = 20

// FrontierOptions configures OpenFrontier
type FrontierOptions struct {
	LogPath    string // JSONL record log
	StateDir   string // Parent directory of the fetch ledger
	TaskName   string
	Resume     bool
	FlushEvery int // Records buffered before a flush+fsync
}

// FrontierStore is the durable frontier of one task: an append-only JSONL record
// log with an in-memory seen-set, and a badger ledger of consumed URLs.
type FrontierStore struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	w          *bufio.Writer
	flushEvery int
	unflushed  int
	closed     bool

	seen      map[string]struct{}
	byLevel   map[int][]models.FrontierRecord
	truncated int // Unreadable lines found while loading

	// Consumed marks wait here until the records they vouch for are synced
	deferred      map[string]models.FetchEntry
	deferredOrder []string

	ledger FetchLedger
	log    *logrus.Entry
}

var _ Frontier = (*FrontierStore)(nil)

// OpenFrontier opens the record log and the fetch ledger. A fresh run (Resume false)
// truncates the log and removes the ledger; a resumed run rebuilds the seen-set
// from the log.
func OpenFrontier(opts FrontierOptions, logger *logrus.Entry) (*FrontierStore, error) {
	ledger, err := NewBadgerStore(opts.StateDir, opts.TaskName, opts.Resume, logger.WithField("store", "ledger"))
	if err != nil {
		return nil, err
	}
	fs, err := newFrontierStore(opts, ledger, logger)
	if err != nil {
		ledger.Close()
		return nil, err
	}
	return fs, nil
}

// newFrontierStore opens the record log on top of an existing ledger
func newFrontierStore(opts FrontierOptions, ledger FetchLedger, logger *logrus.Entry) (*FrontierStore, error) {
	fs := &FrontierStore{
		path:       opts.LogPath,
		flushEvery: opts.FlushEvery,
		seen:       make(map[string]struct{}),
		byLevel:    make(map[int][]models.FrontierRecord),
		deferred:   make(map[string]models.FetchEntry),
		ledger:     ledger,
		log:        logger,
	}
	if fs.flushEvery <= 0 {
		fs.flushEvery = defaultFlushEvery
	}

	if dir := filepath.Dir(opts.LogPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: cannot create output directory %s: %w", utils.ErrStorage, dir, err)
		}
	}

	flags := os.O_CREATE | os.O_RDWR
	if !opts.Resume {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(opts.LogPath, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open record log %s: %w", utils.ErrStorage, opts.LogPath, err)
	}

	if opts.Resume {
		if err := fs.load(file); err != nil {
			file.Close()
			return nil, err
		}
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: seeking record log: %w", utils.ErrStorage, err)
	}

	fs.file = file
	fs.w = bufio.NewWriter(file)

	if opts.Resume {
		logger.Infof("Record log %s: %d records loaded (%d unreadable lines skipped)", opts.LogPath, len(fs.seen), fs.truncated)
	} else {
		logger.Infof("Record log %s: starting fresh", opts.LogPath)
	}
	return fs, nil
}

// load rebuilds the seen-set and level index from an existing log. A trailing
// line without a newline is a write cut short by a crash: it is cut off the file
// so the next append starts on a clean line.
func (fs *FrontierStore) load(file *os.File) error {
	r := bufio.NewReader(file)
	var offset, goodEnd int64
	lineNo := 0

	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			complete := line[len(line)-1] == '\n'
			offset += int64(len(line))

			trimmed := bytes.TrimSpace(line)
			switch {
			case len(trimmed) == 0:
				if complete {
					goodEnd = offset
				}
			case !complete:
				fs.log.Warnf("Record log line %d is incomplete; dropping it", lineNo)
				fs.truncated++
			default:
				var rec models.FrontierRecord
				if errJson := json.Unmarshal(trimmed, &rec); errJson != nil || rec.URL == "" {
					fs.log.Warnf("Record log line %d is unreadable; skipping: %v", lineNo, errJson)
					fs.truncated++
				} else {
					fs.index(rec)
				}
				goodEnd = offset
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: reading record log: %w", utils.ErrStorage, err)
		}
	}

	if goodEnd < offset {
		if err := file.Truncate(goodEnd); err != nil {
			return fmt.Errorf("%w: truncating incomplete record: %w", utils.ErrStorage, err)
		}
	}
	return nil
}

// index adds a record to the in-memory views. Caller holds mu or is loading.
func (fs *FrontierStore) index(rec models.FrontierRecord) {
	if _, dup := fs.seen[rec.URL]; dup {
		return
	}
	fs.seen[rec.URL] = struct{}{}
	fs.byLevel[rec.Level] = append(fs.byLevel[rec.Level], rec)
}

// AlreadySeen implements the RecordLog interface
func (fs *FrontierStore) AlreadySeen(url string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.seen[url]
	return ok
}

// Append implements the RecordLog interface
func (fs *FrontierStore) Append(records []models.FrontierRecord) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return 0, fmt.Errorf("%w: record log is closed", utils.ErrStorage)
	}

	var line bytes.Buffer
	enc := json.NewEncoder(&line)
	enc.SetEscapeHTML(false) // Keep '&' in query strings readable

	written := 0
	for _, rec := range records {
		if _, dup := fs.seen[rec.URL]; dup {
			continue
		}
		if rec.DiscoveredAt.IsZero() {
			rec.DiscoveredAt = time.Now().UTC()
		}
		line.Reset()
		if err := enc.Encode(rec); err != nil {
			return written, fmt.Errorf("%w: encoding record for %s: %w", utils.ErrStorage, rec.URL, err)
		}
		if _, err := fs.w.Write(line.Bytes()); err != nil {
			return written, fmt.Errorf("%w: writing record log: %w", utils.ErrStorage, err)
		}
		fs.index(rec)
		written++
		fs.unflushed++

		if fs.unflushed >= fs.flushEvery {
			if err := fs.flushLocked(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Flush implements the RecordLog interface
func (fs *FrontierStore) Flush() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil
	}
	return fs.flushLocked()
}

func (fs *FrontierStore) flushLocked() error {
	if err := fs.w.Flush(); err != nil {
		return fmt.Errorf("%w: flushing record log: %w", utils.ErrStorage, err)
	}
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing record log: %w", utils.ErrStorage, err)
	}
	if fs.unflushed > 0 {
		fs.log.Debugf("Flushed %d records to %s", fs.unflushed, fs.path)
	}
	fs.unflushed = 0

	for len(fs.deferredOrder) > 0 {
		url := fs.deferredOrder[0]
		entry := fs.deferred[url]
		if err := fs.ledger.RecordFetch(url, &entry); err != nil {
			return err
		}
		delete(fs.deferred, url)
		fs.deferredOrder = fs.deferredOrder[1:]
	}
	return nil
}

// Records implements the RecordLog interface
func (fs *FrontierStore) Records(level int) []models.FrontierRecord {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]models.FrontierRecord, len(fs.byLevel[level]))
	copy(out, fs.byLevel[level])
	return out
}

// Count returns the number of distinct URLs in the log
func (fs *FrontierStore) Count() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.seen)
}

// Truncated returns how many unreadable lines were skipped on resume
func (fs *FrontierStore) Truncated() int {
	return fs.truncated
}

// Path returns the record log path
func (fs *FrontierStore) Path() string {
	return fs.path
}

// PendingForLevel implements the Frontier interface
func (fs *FrontierStore) PendingForLevel(level int) ([]string, error) {
	records := fs.Records(level)
	pending := make([]string, 0, len(records))
	for _, rec := range records {
		consumed, err := fs.IsConsumed(rec.URL)
		if err != nil {
			return nil, err
		}
		if !consumed {
			pending = append(pending, rec.URL)
		}
	}
	return pending, nil
}

// MarkConsumed implements the Frontier interface. While records are still
// buffered the mark is held back until the next flush, so a crash never leaves
// a consumed source whose survivors were lost.
func (fs *FrontierStore) MarkConsumed(url string, entry *models.FetchEntry) error {
	e := *entry
	e.Status = models.FetchOK
	if e.FetchedAt.IsZero() {
		e.FetchedAt = time.Now().UTC()
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return fmt.Errorf("%w: record log is closed", utils.ErrStorage)
	}
	if fs.unflushed == 0 && len(fs.deferredOrder) == 0 {
		return fs.ledger.RecordFetch(url, &e)
	}
	if _, queued := fs.deferred[url]; !queued {
		fs.deferredOrder = append(fs.deferredOrder, url)
	}
	fs.deferred[url] = e
	return nil
}

// MarkFailed implements the Frontier interface
func (fs *FrontierStore) MarkFailed(url string, entry *models.FetchEntry) error {
	e := *entry
	if e.FetchedAt.IsZero() {
		e.FetchedAt = time.Now().UTC()
	}
	return fs.ledger.RecordFetch(url, &e)
}

// IsConsumed implements the Frontier interface
func (fs *FrontierStore) IsConsumed(url string) (bool, error) {
	fs.mu.Lock()
	_, queued := fs.deferred[url]
	fs.mu.Unlock()
	if queued {
		return true, nil
	}
	return fs.ledger.IsConsumed(url)
}

// Ledger exposes the fetch ledger (for GC and reporting)
func (fs *FrontierStore) Ledger() FetchLedger {
	return fs.ledger
}

// Close flushes and closes the record log and the ledger
func (fs *FrontierStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil
	}
	fs.closed = true

	var errs []error
	if err := fs.flushLocked(); err != nil {
		errs = append(errs, err)
	}
	if err := fs.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("%w: closing record log: %w", utils.ErrStorage, err))
	}
	if err := fs.ledger.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
