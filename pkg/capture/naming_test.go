package capture

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

func TestBaseName(t *testing.T) {
	const pageURL = "https://example.com/proceedings/2023/paper-17.html"
	sum := utils.CalculateBytesSHA256([]byte(pageURL))

	tests := []struct {
		name   string
		title  string
		url    string
		maxLen int
		want   string
	}{
		{"Title", "Attention Is All You Need", pageURL, 100, "Attention_Is_All_You_Need_" + sum[:8]},
		{"IllegalCharacters", `Foo: Bar/Baz?`, pageURL, 100, "Foo_Bar_Baz_" + sum[:8]},
		{"TrimmedTitle", "  . Spaced  Out . ", pageURL, 100, "Spaced_Out_" + sum[:8]},
		{"Truncated", "A very long title that goes on", pageURL, 20, "A_very_long_" + sum[:8]},
		{"ShortTitleUsesURL", "Hi", pageURL, 100, "paper-17_" + sum[:12]},
		{"NoTitleUsesURL", "", pageURL, 100, "paper-17_" + sum[:12]},
		{"EscapedSegment", "", "https://example.com/a/caf%C3%A9.pdf", 100,
			"café_" + utils.CalculateBytesSHA256([]byte("https://example.com/a/caf%C3%A9.pdf"))[:12]},
		{"RootURLUsesHashOnly", "", "https://example.com/", 100,
			utils.CalculateBytesSHA256([]byte("https://example.com/"))[:12]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BaseName(tt.title, tt.url, tt.maxLen)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBaseName_RespectsMaxLengthInRunes(t *testing.T) {
	title := strings.Repeat("深度学习", 20)
	got := BaseName(title, "https://example.com/x", 30)
	assert.Equal(t, 30, utf8.RuneCountInString(got))
	assert.True(t, utf8.ValidString(got))
}

func TestBaseName_DistinctURLsSameTitle(t *testing.T) {
	a := BaseName("Index", "https://example.com/a", 100)
	b := BaseName("Index", "https://example.com/b", 100)
	assert.NotEqual(t, a, b)
}

func TestCleanHTML(t *testing.T) {
	out, err := CleanHTML(`<!-- top --><html><head><script src="x.js"></script><style>a{}</style></head>` +
		`<body><div>keep <!-- inner --><b>me</b></div><script>alert(1)</script></body></html>`)
	require.NoError(t, err)
	assert.Contains(t, out, "<div>keep <b>me</b></div>")
	for _, gone := range []string{"<script", "<style", "top", "inner", "alert"} {
		assert.NotContains(t, out, gone)
	}
}

func TestLoadItems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.jsonl")
	content := `{"link":"https://example.com/a","source_url":"https://example.com/","title":"A"}
{"link":"https://example.com/b","page_title":"B"}
not json
{"other":"https://example.com/c"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	items, skipped, err := LoadItems(path, "link")
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	assert.Equal(t, []Item{
		{URL: "https://example.com/a", SourceURL: "https://example.com/", Title: "A"},
		{URL: "https://example.com/b", Title: "B"},
	}, items)
}
