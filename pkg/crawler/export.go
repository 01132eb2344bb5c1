package crawler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/chain-scraper/pkg/rules"
	"github.com/Sriram-PR/chain-scraper/pkg/storage"
	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

// LevelFilePath returns "<dir>/<stem>_level<N>.jsonl" for the record log at outputPath.
func LevelFilePath(outputPath string, level int) string {
	ext := filepath.Ext(outputPath)
	stem := strings.TrimSuffix(outputPath, ext)
	if ext == "" {
		ext = ".jsonl"
	}
	return fmt.Sprintf("%s_level%d%s", stem, level, ext)
}

// ExportLevelFiles writes one JSONL file per active level with that level's
// records, overwriting earlier exports. Levels without records still get an
// empty file. Returns the written paths in level order.
func ExportLevelFiles(store storage.RecordLog, chain *rules.Chain, outputPath string, log *logrus.Entry) ([]string, error) {
	var paths []string
	for _, rule := range chain.Rules() {
		path := LevelFilePath(outputPath, rule.Level)
		n, err := writeLevelFile(store, rule.Level, path)
		if err != nil {
			return paths, err
		}
		log.Infof("Exported %d records of %s to %s", n, rule.Label(), path)
		paths = append(paths, path)
	}
	return paths, nil
}

func writeLevelFile(store storage.RecordLog, level int, path string) (int, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("%w: creating level export '%s': %w", utils.ErrFilesystem, path, err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	records := store.Records(level)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return 0, fmt.Errorf("%w: writing level export '%s': %w", utils.ErrFilesystem, path, err)
		}
	}
	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("%w: flushing level export '%s': %w", utils.ErrFilesystem, path, err)
	}
	if err := file.Sync(); err != nil {
		return 0, fmt.Errorf("%w: syncing level export '%s': %w", utils.ErrFilesystem, path, err)
	}
	return len(records), nil
}
