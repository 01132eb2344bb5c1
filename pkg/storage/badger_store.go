package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/chain-scraper/pkg/log"
	"github.com/Sriram-PR/chain-scraper/pkg/models"
	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

const (
	fetchKeyPrefix = "fetch:"       // Prefix for fetched URL keys in DB
	ledgerDBDir    = "fetch_ledger" // Subdirectory name within stateDir for Badger DB files
)

// BadgerStore implements the FetchLedger interface using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	keyCount atomic.Int64 // Cached key count
}

// LedgerPath returns the directory holding the ledger for a task
func LedgerPath(stateDir, taskName string) string {
	return filepath.Join(stateDir, utils.SanitizeFilename(taskName)+"_"+ledgerDBDir)
}

// NewBadgerStore opens (or on a fresh run, recreates) the fetch ledger for a task
func NewBadgerStore(stateDir, taskName string, resume bool, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{log: logger}
	dbPath := LedgerPath(stateDir, taskName)

	if !resume {
		if _, err := os.Stat(dbPath); err == nil {
			logger.Warnf("Resume flag is false. REMOVING existing fetch ledger: %s", dbPath)
		}
		if err := os.RemoveAll(dbPath); err != nil {
			logger.Errorf("Failed to remove existing fetch ledger %s: %v", dbPath, err)
		}
	}

	logger.Infof("Initializing fetch ledger at: %s (Resume: %v)", dbPath, resume)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create ledger directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}

	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogger).
		WithNumVersionsToKeep(1) // Only the latest fetch entry matters

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}

	if resume {
		count, err := store.countKeys()
		if err != nil {
			logger.Warnf("Failed to count existing ledger keys on resume: %v", err)
		} else {
			store.keyCount.Store(int64(count))
			logger.Infof("Loaded fetch ledger on resume: %d entries", count)
		}
	}

	return store, nil
}

// countKeys performs a one-time full key scan (used only during initialization on resume).
func (s *BadgerStore) countKeys() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(fetchKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Conflicts on overlapping keys resolve in microseconds, so a tight loop is enough.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := 0; i < maxConflictRetries; i++ {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// RecordFetch implements the FetchLedger interface
func (s *BadgerStore) RecordFetch(url string, entry *models.FetchEntry) error {
	if s.db == nil {
		return errors.New("fetch ledger not initialized")
	}
	key := []byte(fetchKeyPrefix + url)

	entryBytes, errJson := json.Marshal(entry)
	if errJson != nil {
		return fmt.Errorf("%w: failed to marshal FetchEntry for key '%s': %w", utils.ErrParsing, string(key), errJson)
	}

	isNew := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		_, errGet := txn.Get(key)
		isNew = errors.Is(errGet, badger.ErrKeyNotFound) // Reset on every conflict retry
		return txn.SetEntry(badger.NewEntry(key, entryBytes))
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in RecordFetch: %v", err)
		return fmt.Errorf("%w: failed setting fetch entry for key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if isNew {
		s.keyCount.Add(1)
	}

	s.log.Debugf("Recorded fetch of '%s' (status %s, level %d)", url, entry.Status, entry.Level)
	return nil
}

// Entry implements the FetchLedger interface
func (s *BadgerStore) Entry(url string) (*models.FetchEntry, error) {
	var entry *models.FetchEntry
	key := []byte(fetchKeyPrefix + url)

	err := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting key '%s': %w", utils.ErrDatabase, string(key), errGet)
		}
		return item.Value(func(val []byte) error {
			var decoded models.FetchEntry
			if errJson := json.Unmarshal(val, &decoded); errJson != nil {
				// An unreadable entry is treated as never fetched
				s.log.Warnf("Failed to unmarshal FetchEntry for key '%s': %v. Treating as not fetched.", string(key), errJson)
				return nil
			}
			entry = &decoded
			return nil
		})
	})
	if err != nil {
		s.log.Errorf("DB View error in Entry for key '%s': %v", string(key), err)
		return nil, err
	}
	return entry, nil
}

// IsConsumed implements the FetchLedger interface
func (s *BadgerStore) IsConsumed(url string) (bool, error) {
	entry, err := s.Entry(url)
	if err != nil {
		return false, err
	}
	return entry != nil && entry.Status == models.FetchOK, nil
}

// ForEach implements the FetchLedger interface
func (s *BadgerStore) ForEach(ctx context.Context, fn func(url string, entry *models.FetchEntry) error) error {
	scanErrors := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(fetchKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			item := it.Item()
			url := string(item.KeyCopy(nil)[len(prefix):])
			val, errVal := item.ValueCopy(nil)
			if errVal != nil {
				s.log.Errorf("Ledger scan: error reading value for '%s': %v", url, errVal)
				scanErrors++
				continue
			}
			var entry models.FetchEntry
			if errJson := json.Unmarshal(val, &entry); errJson != nil {
				s.log.Errorf("Ledger scan: failed unmarshal FetchEntry for '%s': %v. Skipping.", url, errJson)
				scanErrors++
				continue
			}
			if err := fn(url, &entry); err != nil {
				return err
			}
		}
		return nil
	})
	if scanErrors > 0 {
		s.log.Warnf("Ledger scan finished with %d unreadable entries", scanErrors)
	}
	return err
}

// Count returns the cached number of ledger entries
func (s *BadgerStore) Count() int {
	return int(s.keyCount.Load())
}

// RunGC runs BadgerDB's garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Debug("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				s.log.Debug("DB GC: Database is nil or closed, skipping GC cycle.")
				continue
			}

			var err error
			// Loop GC until it returns ErrNoRewrite or another error
			for {
				if err = s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
			if errors.Is(err, badger.ErrNoRewrite) {
				s.log.Debug("BadgerDB GC finished (no rewrite needed).")
			} else {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}

		case <-ctx.Done():
			s.log.Debugf("Stopping BadgerDB garbage collection goroutine: %v", ctx.Err())
			return
		}
	}
}

// Close implements the FetchLedger interface
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing fetch ledger: %v", err)
			return err
		}
		s.log.Debug("Fetch ledger closed.")
	}
	return nil
}
