package storage

import (
	"context"
	"time"

	"github.com/Sriram-PR/chain-scraper/pkg/models"
)

// RecordLog is the append-only frontier record log
type RecordLog interface {
	// AlreadySeen reports whether url was ever appended (this run or a resumed log)
	AlreadySeen(url string) bool

	// Append writes records to the log. Records whose URL is already seen are skipped
	// Returns the number of records actually written
	Append(records []models.FrontierRecord) (int, error)

	// Flush pushes buffered records to disk and syncs the file
	Flush() error

	// Records returns the records at a level in discovery order
	Records(level int) []models.FrontierRecord
}

// FetchLedger records which frontier URLs have been fetched as input of the next level
type FetchLedger interface {
	// RecordFetch stores the entry for url, overwriting any earlier one
	RecordFetch(url string, entry *models.FetchEntry) error

	// Entry returns the stored entry for url, or nil if none exists
	Entry(url string) (*models.FetchEntry, error)

	// IsConsumed reports whether url has an entry with status ok
	IsConsumed(url string) (bool, error)

	// ForEach iterates all entries; returning an error from fn stops the scan
	ForEach(ctx context.Context, fn func(url string, entry *models.FetchEntry) error) error

	// RunGC runs periodic garbage collection. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database connection
	Close() error
}

// Frontier is what the level chain runner needs from storage
type Frontier interface {
	RecordLog

	// PendingForLevel returns distinct URLs recorded at level that are not yet consumed
	PendingForLevel(level int) ([]string, error)

	// MarkConsumed records that url was fetched successfully and its survivors appended
	MarkConsumed(url string, entry *models.FetchEntry) error

	// MarkFailed records a failed fetch; the URL stays pending
	MarkFailed(url string, entry *models.FetchEntry) error

	// IsConsumed reports whether url was already consumed
	IsConsumed(url string) (bool, error)
}
