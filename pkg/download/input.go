package download

import (
	"github.com/Sriram-PR/chain-scraper/pkg/models"
	"github.com/Sriram-PR/chain-scraper/pkg/parse"
)

// ItemsFromRecords turns frontier records into download items.
func ItemsFromRecords(records []models.FrontierRecord) []Item {
	items := make([]Item, 0, len(records))
	for _, r := range records {
		items = append(items, Item{URL: r.URL, SourceURL: r.SourceURL})
	}
	return items
}

// LoadItems reads document URLs from a JSONL file, taking the URL from
// urlField. Lines that are not JSON objects or lack the field are skipped.
func LoadItems(path, urlField string) ([]Item, int, error) {
	var items []Item
	skipped, err := parse.JSONLObjects(path, func(obj map[string]any) bool {
		u := parse.StringField(obj, urlField)
		if u == "" {
			return false
		}
		items = append(items, Item{
			URL:       u,
			SourceURL: parse.StringField(obj, "source_url"),
			Title:     parse.StringField(obj, "title"),
		})
		return true
	})
	return items, skipped, err
}
