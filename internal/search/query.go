package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/token/porter"
	"github.com/blevesearch/bleve/v2/search/query"
)

const (
	// MaxLimit is the largest number of hits a search may request.
	MaxLimit = 255
	// MaxFuzzy is the largest supported edit distance.
	MaxFuzzy = 2
)

// ErrInvalidQueryParameter indicates a limit or edit distance out of range.
var ErrInvalidQueryParameter = errors.New("search: invalid query parameter")

// Hit is one search result.
type Hit struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Search returns up to limit documents of potID matching every token of the
// query, ranked by relevance. Tokens other than CJK ones match within fuzzy edits.
func (reader *Reader) Search(ctx context.Context, text, potID string, limit, fuzzy int) ([]Hit, error) {
	if limit < 0 || limit > MaxLimit {
		return nil, fmt.Errorf("%w: limit %d outside 0..%d", ErrInvalidQueryParameter, limit, MaxLimit)
	}
	if fuzzy < 0 || fuzzy > MaxFuzzy {
		return nil, fmt.Errorf("%w: fuzzy distance %d outside 0..%d", ErrInvalidQueryParameter, fuzzy, MaxFuzzy)
	}
	if strings.TrimSpace(potID) == "" {
		return nil, fmt.Errorf("%w: pot is required", ErrInvalidQueryParameter)
	}
	if limit == 0 {
		return []Hit{}, nil
	}
	tokens := queryTokens(text)
	if len(tokens) == 0 {
		return []Hit{}, nil
	}

	clauses := make([]query.Query, 0, len(tokens)+1)
	for _, token := range tokens {
		term := string(token.Term)
		if fuzzy == 0 || token.Type == analysis.Ideographic {
			termQuery := bleve.NewTermQuery(term)
			termQuery.SetField(FieldText)
			clauses = append(clauses, termQuery)
			continue
		}
		fuzzyQuery := bleve.NewFuzzyQuery(term)
		fuzzyQuery.SetField(FieldText)
		fuzzyQuery.SetFuzziness(fuzzy)
		clauses = append(clauses, fuzzyQuery)
	}
	potQuery := bleve.NewTermQuery(potID)
	potQuery.SetField(FieldPot)
	clauses = append(clauses, potQuery)

	hits, err := reader.run(ctx, bleve.NewConjunctionQuery(clauses...), limit)
	if err != nil {
		return nil, fmt.Errorf("search: query: %w", err)
	}
	return hits, nil
}

// queryTokens analyzes query text the way the text field is analyzed, except
// that a trailing CJK unigram is only kept for single-character runs.
func queryTokens(text string) analysis.TokenStream {
	tokens := NewTokenizer(QueryMode).Tokenize([]byte(Normalize(text)))
	tokens = lowercase.NewLowerCaseFilter().Filter(tokens)
	tokens = porter.NewPorterStemmer().Filter(tokens)

	seen := make(map[string]struct{}, len(tokens))
	unique := make(analysis.TokenStream, 0, len(tokens))
	for _, token := range tokens {
		if _, ok := seen[string(token.Term)]; ok {
			continue
		}
		seen[string(token.Term)] = struct{}{}
		unique = append(unique, token)
	}
	return unique
}
