package parse

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

// JSONLObjects reads path line by line and calls fn with every line that
// decodes to a JSON object. Lines that do not decode, and lines fn rejects by
// returning false, are counted in skipped. Blank lines are ignored.
func JSONLObjects(path string, fn func(obj map[string]any) bool) (skipped int, err error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: opening input '%s': %w", utils.ErrFilesystem, path, err)
	}
	defer file.Close()

	r := bufio.NewReader(file)
	for {
		line, readErr := r.ReadBytes('\n')
		if trimmed := strings.TrimSpace(string(line)); trimmed != "" {
			var obj map[string]any
			if err := json.Unmarshal([]byte(trimmed), &obj); err != nil || obj == nil || !fn(obj) {
				skipped++
			}
		}
		if errors.Is(readErr, io.EOF) {
			return skipped, nil
		}
		if readErr != nil {
			return skipped, fmt.Errorf("%w: reading input '%s': %w", utils.ErrFilesystem, path, readErr)
		}
	}
}

// StringField returns obj[key] trimmed when it is a string, else "".
func StringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return strings.TrimSpace(s)
}
