package fulltext

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2/analysis"
	bleveunicode "github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/registry"
)

const (
	// mixedScriptTokenizerName is registered once and shared by every
	// Index instance that enables CJK mode.
	mixedScriptTokenizerName = "hre_mixed_script_tokenizer"
	mixedScriptAnalyzerName  = "hre_mixed_script_analyzer"
)

func init() {
	_ = registry.RegisterTokenizer(mixedScriptTokenizerName, mixedScriptTokenizerConstructor)
}

func mixedScriptTokenizerConstructor(_ map[string]interface{}, _ *registry.Cache) (analysis.Tokenizer, error) {
	return &mixedScriptTokenizer{delegate: bleveunicode.NewUnicodeTokenizer()}, nil
}

// mixedScriptTokenizer segments runs of CJK codepoints into single-character
// tokens (so that a query like "知識管理" matches documents containing
// "知識管理系統" on overlapping character n-grams of size 1) and delegates
// every other run of text to bleve's stock Unicode word-boundary
// tokenizer. This mirrors the spec's requirement that CJK text is
// unusable for substring-style matching unless pre-segmented.
type mixedScriptTokenizer struct {
	delegate analysis.Tokenizer
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

func (t *mixedScriptTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := []rune(string(input))
	var out analysis.TokenStream
	pos := 1

	i := 0
	byteOffset := 0
	for i < len(text) {
		if isCJK(text[i]) {
			runeBytes := len(string(text[i]))
			out = append(out, &analysis.Token{
				Term:     []byte(string(text[i])),
				Start:    byteOffset,
				End:      byteOffset + runeBytes,
				Position: pos,
				Type:     analysis.Ideographic,
			})
			pos++
			byteOffset += runeBytes
			i++
			continue
		}

		// Collect a run of non-CJK runes and hand it to the delegate.
		start := i
		startByte := byteOffset
		for i < len(text) && !isCJK(text[i]) {
			byteOffset += len(string(text[i]))
			i++
		}
		run := string(text[start:i])
		if strings.TrimSpace(run) == "" {
			continue
		}
		for _, tok := range t.delegate.Tokenize([]byte(run)) {
			shifted := *tok
			shifted.Start += startByte
			shifted.End += startByte
			shifted.Position = pos
			out = append(out, &shifted)
			pos++
		}
	}
	return out
}

// hyphenPhrase matches a hyphenated pair of word tokens, e.g. "A-B", which
// must be treated as the phrase "A B" rather than letting any query-string
// syntax read the hyphen as negation.
var hyphenPhrase = regexp.MustCompile(`\b(\w+)-(\w+)\b`)

// splitHyphenPhrases extracts hyphenated pairs from a raw query string,
// returning the remaining text (with those pairs removed) and the list of
// two-word phrases they represent.
func splitHyphenPhrases(query string) (remainder string, phrases [][]string) {
	matches := hyphenPhrase.FindAllStringSubmatchIndex(query, -1)
	if len(matches) == 0 {
		return query, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(query[last:m[0]])
		last = m[1]
		phrases = append(phrases, []string{query[m[2]:m[3]], query[m[4]:m[5]]})
	}
	b.WriteString(query[last:])
	return b.String(), phrases
}
