package fulltext

import (
	"strings"

	"github.com/blevesearch/bleve/v2/search"
)

// snippet extracts a window of roughly `window` words around the first
// matched term in the content field, wrapping every matched term with the
// caller-supplied bold tags. It falls back to firstWindow when a match has
// no recorded term locations (e.g. a match-all query).
type matchSpan struct{ start, end int }

func snippet(content string, h *search.DocumentMatch, window int, boldOpen, boldClose string) string {
	fieldLocs, ok := h.Locations["content"]
	if !ok || len(fieldLocs) == 0 {
		return firstWindow(content, window)
	}

	var spans []matchSpan
	for _, locs := range fieldLocs {
		for _, loc := range locs {
			spans = append(spans, matchSpan{start: int(loc.Start), end: int(loc.End)})
		}
	}
	if len(spans) == 0 {
		return firstWindow(content, window)
	}

	first := spans[0]
	for _, s := range spans {
		if s.start < first.start {
			first = s
		}
	}

	words := strings.Fields(content)
	if len(words) == 0 {
		return ""
	}

	// Locate which word index the first match byte offset falls in.
	matchWordIdx := wordIndexForByteOffset(content, words, first.start)

	half := window / 2
	lo := matchWordIdx - half
	if lo < 0 {
		lo = 0
	}
	hi := lo + window
	if hi > len(words) {
		hi = len(words)
		lo = hi - window
		if lo < 0 {
			lo = 0
		}
	}

	windowWords := append([]string(nil), words[lo:hi]...)
	highlightMatches(windowWords, content, words, lo, spans, boldOpen, boldClose)

	out := strings.Join(windowWords, " ")
	if lo > 0 {
		out = "…" + out
	}
	if hi < len(words) {
		out = out + "…"
	}
	return out
}

// firstWindow returns the first `window` words of content, unhighlighted.
func firstWindow(content string, window int) string {
	words := strings.Fields(content)
	if len(words) <= window {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:window], " ") + "…"
}

func wordIndexForByteOffset(content string, words []string, offset int) int {
	cursor := 0
	for idx, w := range words {
		start := strings.Index(content[cursor:], w) + cursor
		end := start + len(w)
		if offset >= start && offset <= end {
			return idx
		}
		cursor = end
	}
	return 0
}

func highlightMatches(windowWords []string, content string, allWords []string, lo int, spans []matchSpan, boldOpen, boldClose string) {
	for i := range windowWords {
		globalIdx := lo + i
		if globalIdx >= len(allWords) {
			continue
		}
		plain := strings.Trim(allWords[globalIdx], ".,;:!?\"'()[]{}")
		for _, s := range spans {
			matched := content[s.start:min(s.end, len(content))]
			if strings.EqualFold(strings.TrimSpace(matched), plain) {
				windowWords[i] = boldOpen + windowWords[i] + boldClose
				break
			}
		}
	}
}
