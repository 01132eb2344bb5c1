package parse

import (
	"errors"
	"testing"

	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

func TestResolve(t *testing.T) {
	const base = "https://papers.example.org/"
	tests := []struct {
		name      string
		candidate string
		source    string
		expected  string
	}{
		{
			name:      "AbsoluteKeptAsIs",
			candidate: "https://cdn.example.net/a.pdf?x=1#frag",
			source:    "https://papers.example.org/paper/2021",
			expected:  "https://cdn.example.net/a.pdf?x=1#frag",
		},
		{
			name:      "RootRelativeUsesBaseHost",
			candidate: "/paper_files/paper/2021/file/abc-Paper.pdf",
			source:    "https://papers.example.org/paper_files/paper/2021/hash/abc-Abstract.html",
			expected:  "https://papers.example.org/paper_files/paper/2021/file/abc-Paper.pdf",
		},
		{
			name:      "DocumentRelativeUsesSourcePath",
			candidate: "file/abc-Paper.pdf",
			source:    "https://papers.example.org/paper_files/paper/2021/hash/abc-Abstract.html",
			expected:  "https://papers.example.org/paper_files/paper/2021/hash/file/abc-Paper.pdf",
		},
		{
			name:      "ParentRelative",
			candidate: "../file/abc.pdf",
			source:    "https://papers.example.org/paper_files/paper/2021/hash/abc.html",
			expected:  "https://papers.example.org/paper_files/paper/2021/file/abc.pdf",
		},
		{
			name:      "ProtocolRelative",
			candidate: "//mirror.example.com/a.pdf",
			source:    "https://papers.example.org/list",
			expected:  "https://mirror.example.com/a.pdf",
		},
		{
			name:      "RelativePathStartingWithHTTP",
			candidate: "httpdocs/index.html",
			source:    "https://papers.example.org/list/",
			expected:  "https://papers.example.org/list/httpdocs/index.html",
		},
		{
			name:      "QueryOnly",
			candidate: "?page=2",
			source:    "https://papers.example.org/list?page=1",
			expected:  "https://papers.example.org/list?page=2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.candidate, base, tt.source)
			if err != nil {
				t.Fatalf("Resolve(%q) error: %v", tt.candidate, err)
			}
			if got != tt.expected {
				t.Errorf("Resolve(%q) = %q, want %q", tt.candidate, got, tt.expected)
			}
		})
	}
}

func TestResolve_RootRelativeWithoutBase(t *testing.T) {
	got, err := Resolve("/a/b", "", "https://host.example/x/y")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://host.example/a/b" {
		t.Errorf("got %q", got)
	}
}

func TestResolve_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		base      string
		source    string
	}{
		{"EmptyCandidate", "", "https://a.org/", "https://a.org/x"},
		{"RelativeSource", "page.html", "https://a.org/", "not-a-url"},
		{"BadEscape", "/%zz", "https://a.org/", "https://a.org/x"},
		{"ControlCharInSource", "x", "https://a.org/", "https://a.org/\x7f"},
		{"UnclosedIPv6Host", "http://[::1", "https://a.org/", "https://a.org/x"},
		{"AbsoluteWithoutHost", "http:///paper.pdf", "https://a.org/", "https://a.org/x"},
		{"OpaqueHTTP", "http:paper.pdf", "https://a.org/", "https://a.org/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.candidate, tt.base, tt.source)
			if err == nil {
				t.Fatalf("Resolve(%q) expected error", tt.candidate)
			}
			if !IsInvalidURL(err) {
				t.Errorf("expected ErrInvalidURL, got %v", err)
			}
			if !errors.Is(err, utils.ErrParsing) {
				t.Errorf("expected ErrParsing in chain, got %v", err)
			}
		})
	}
}

func TestCanonicalize_ExactString(t *testing.T) {
	a := Canonicalize("https://a.org/x")
	b := Canonicalize("https://a.org/x/")
	if a == b {
		t.Errorf("trailing slash variants must stay distinct: %q == %q", a, b)
	}
	if Canonicalize("https://a.org/x?b=2&a=1") != "https://a.org/x?b=2&a=1" {
		t.Errorf("query must be preserved verbatim")
	}
}
