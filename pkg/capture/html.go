package capture

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

// CleanHTML drops scripts, styles and comments from a page, leaving the
// markup and text.
func CleanHTML(src string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return "", fmt.Errorf("%w: html: %w", utils.ErrParsing, err)
	}
	doc.Find("script, style").Remove()
	doc.Find("*").AddSelection(doc.Selection).Contents().FilterFunction(func(_ int, s *goquery.Selection) bool {
		return goquery.NodeName(s) == "#comment"
	}).Remove()

	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("%w: rendering html: %w", utils.ErrParsing, err)
	}
	return out, nil
}
