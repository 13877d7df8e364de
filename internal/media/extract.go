package media

import (
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/laolin5564/openclaw-wechat/internal/paths"
	. "github.com/laolin5564/openclaw-wechat/internal/logging"
)

// Extractor finds local file paths in reply text.
//
// Grammar, applied left to right over the text:
//
//	path     = root body
//	root     = one of the configured prefixes ("/tmp/", "~/.openclaw/", ...)
//	body     = 1*char, ending before the first terminator
//	terminator = whitespace | quote | backtick | bracket | "<" | ">" | "|"
//	           | CJK punctuation
//
// A path must start at the beginning of the text or after a whitespace,
// quote, bracket, colon, comma or "=" rune. Trailing ASCII punctuation
// (".,;:!?") is not part of the path. A path is only reported when, after
// cleaning, it still lies under its root and names an existing regular file.
type Extractor struct {
	roots []root
}

type root struct {
	prefix   string // as it appears in text
	resolved string // absolute, with trailing separator
}

// Span is one path occurrence in a text.
type Span struct {
	Start, End int    // byte offsets of the raw token
	Raw        string // token as written
	Path       string // cleaned absolute path
}

// NewExtractor builds an extractor for the given root prefixes. Roots
// starting with "~" match both as written and expanded.
func NewExtractor(roots ...string) *Extractor {
	e := &Extractor{}
	seen := make(map[string]bool)
	add := func(prefix, resolved string) {
		if prefix == "" || seen[prefix] {
			return
		}
		seen[prefix] = true
		e.roots = append(e.roots, root{prefix: prefix, resolved: resolved})
	}
	for _, r := range roots {
		if r == "" {
			continue
		}
		expanded, err := paths.ExpandTilde(r)
		if err != nil {
			L_warn("media: cannot expand root", "root", r, "error", err)
			continue
		}
		resolved := withSep(filepath.Clean(expanded))
		add(withSep(r), resolved)
		add(resolved, resolved)
	}
	return e
}

func withSep(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// Roots returns the resolved root directories.
func (e *Extractor) Roots() []string {
	var out []string
	seen := make(map[string]bool)
	for _, r := range e.roots {
		if !seen[r.resolved] {
			seen[r.resolved] = true
			out = append(out, r.resolved)
		}
	}
	return out
}

// Scan returns every syntactically valid path occurrence under a root,
// whether or not it exists.
func (e *Extractor) Scan(text string) []Span {
	var spans []Span
	for i := 0; i < len(text); {
		if atBoundary(text, i) {
			if sp, ok := e.match(text, i); ok {
				spans = append(spans, sp)
				i = sp.End
				continue
			}
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		i += size
	}
	return spans
}

func (e *Extractor) match(text string, start int) (Span, bool) {
	for _, r := range e.roots {
		if !strings.HasPrefix(text[start:], r.prefix) {
			continue
		}
		end := start + len(r.prefix)
		for end < len(text) {
			c, size := utf8.DecodeRuneInString(text[end:])
			if isTerminator(c) {
				break
			}
			end += size
		}
		raw := strings.TrimRight(text[start:end], ".,;:!?")
		if len(raw) <= len(r.prefix) {
			return Span{}, false
		}

		abs := raw
		if strings.HasPrefix(raw, "~") {
			expanded, err := paths.ExpandTilde(raw)
			if err != nil {
				return Span{}, false
			}
			abs = expanded
		}
		abs = filepath.Clean(abs)
		if !strings.HasPrefix(abs, r.resolved) {
			L_trace("media: path escapes root", "raw", raw, "root", r.resolved)
			return Span{}, false
		}
		return Span{Start: start, End: start + len(raw), Raw: raw, Path: abs}, true
	}
	return Span{}, false
}

func atBoundary(text string, i int) bool {
	if i == 0 {
		return true
	}
	prev, _ := utf8.DecodeLastRuneInString(text[:i])
	if unicode.IsSpace(prev) {
		return true
	}
	return strings.ContainsRune("\"'`([{<:,=：，（【「《", prev)
}

func isTerminator(c rune) bool {
	if unicode.IsSpace(c) {
		return true
	}
	return strings.ContainsRune("\"'`()[]{}<>|，。；：！？、）】」》“”‘’", c)
}

// existing filters spans to existing files accepted by keep, deduplicated.
func (e *Extractor) existing(text string, keep func(string) bool) []string {
	var out []string
	seen := make(map[string]bool)
	for _, sp := range e.Scan(text) {
		if seen[sp.Path] || !keep(sp.Path) {
			continue
		}
		seen[sp.Path] = true
		if !FileExists(sp.Path) {
			L_debug("media: path in reply does not exist", "path", sp.Path)
			continue
		}
		out = append(out, sp.Path)
	}
	return out
}

// ExtractImagePaths returns existing image files referenced in text.
func (e *Extractor) ExtractImagePaths(text string) []string {
	return e.existing(text, IsImage)
}

// ExtractFilePaths returns existing non-image files referenced in text.
func (e *Extractor) ExtractFilePaths(text string) []string {
	return e.existing(text, IsFile)
}

// StripPaths removes occurrences of the given paths from text, including a
// markdown link or image wrapped around them, and tidies the whitespace.
func (e *Extractor) StripPaths(text string, remove []string) string {
	if len(remove) == 0 {
		return text
	}
	drop := make(map[string]bool, len(remove))
	for _, p := range remove {
		drop[filepath.Clean(p)] = true
	}

	var b strings.Builder
	last := 0
	for _, sp := range e.Scan(text) {
		if !drop[sp.Path] {
			continue
		}
		start, end := markdownBounds(text, sp.Start, sp.End)
		if start < last {
			continue
		}
		b.WriteString(text[last:start])
		last = end
	}
	b.WriteString(text[last:])
	return tidy(b.String())
}

// markdownBounds widens [start,end) to cover "[label](path)" or "![alt](path)".
func markdownBounds(text string, start, end int) (int, int) {
	if start < 2 || text[start-2:start] != "](" || end >= len(text) || text[end] != ')' {
		return start, end
	}
	open := strings.LastIndex(text[:start-2], "[")
	if open < 0 || strings.Contains(text[open:start-2], "\n") {
		return start, end
	}
	if open > 0 && text[open-1] == '!' {
		open--
	}
	return open, end + 1
}

func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		for strings.Contains(l, "  ") {
			l = strings.ReplaceAll(l, "  ", " ")
		}
		lines[i] = strings.TrimSpace(l)
	}
	out := strings.Join(lines, "\n")
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(out)
}
