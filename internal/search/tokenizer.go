package search

import (
	"unicode"
	"unicode/utf8"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/registry"
)

// TokenizerName is the registry name of the index-mode tokenizer.
const TokenizerName = "potshelf_cjk_bigram"

// Mode selects how a trailing single CJK character is handled.
type Mode int

const (
	// IndexMode emits a unigram for the last CJK character of a field so a lone
	// trailing character stays searchable.
	IndexMode Mode = iota
	// QueryMode emits that unigram only for single-character runs, since every
	// query token is required to match.
	QueryMode
)

func init() {
	registry.RegisterTokenizer(TokenizerName, func(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
		return NewTokenizer(IndexMode), nil
	})
}

// Tokenizer splits Latin-script words on non-alphanumeric boundaries and turns
// runs of CJK characters into overlapping bigrams.
type Tokenizer struct {
	mode Mode
}

// NewTokenizer constructs a tokenizer for the given mode.
func NewTokenizer(mode Mode) *Tokenizer {
	return &Tokenizer{mode: mode}
}

type cjkRun struct {
	starts []int
	ends   []int
}

// Tokenize implements analysis.Tokenizer.
func (tokenizer *Tokenizer) Tokenize(input []byte) analysis.TokenStream {
	stream := make(analysis.TokenStream, 0)
	position := 1
	var lastRun *cjkRun

	emit := func(start, end int, tokenType analysis.TokenType, keyword bool) {
		stream = append(stream, &analysis.Token{
			Start:    start,
			End:      end,
			Term:     append([]byte(nil), input[start:end]...),
			Position: position,
			Type:     tokenType,
			KeyWord:  keyword,
		})
		position++
	}

	offset := 0
	for offset < len(input) {
		r, size := utf8.DecodeRune(input[offset:])
		switch {
		case isCJK(r):
			run := &cjkRun{}
			for offset < len(input) {
				next, nextSize := utf8.DecodeRune(input[offset:])
				if !isCJK(next) {
					break
				}
				run.starts = append(run.starts, offset)
				run.ends = append(run.ends, offset+nextSize)
				offset += nextSize
			}
			count := len(run.starts)
			for index := 0; index+1 < count; index++ {
				emit(run.starts[index], run.ends[index+1], analysis.Ideographic, true)
			}
			if count == 1 {
				emit(run.starts[0], run.ends[0], analysis.Ideographic, true)
			}
			lastRun = run
		case isWordRune(r):
			start := offset
			numeric := true
			for offset < len(input) {
				next, nextSize := utf8.DecodeRune(input[offset:])
				if !isWordRune(next) {
					break
				}
				if !unicode.IsDigit(next) {
					numeric = false
				}
				offset += nextSize
			}
			tokenType := analysis.AlphaNumeric
			if numeric {
				tokenType = analysis.Numeric
			}
			emit(start, offset, tokenType, false)
			lastRun = nil
		default:
			offset += size
		}
	}

	if tokenizer.mode == IndexMode && lastRun != nil && len(lastRun.starts) > 1 {
		last := len(lastRun.starts) - 1
		emit(lastRun.starts[last], lastRun.ends[last], analysis.Ideographic, true)
	}
	return stream
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r) ||
		r == '\u30FC'
}

func isWordRune(r rune) bool {
	return (unicode.IsLetter(r) || unicode.IsDigit(r)) && !isCJK(r)
}
