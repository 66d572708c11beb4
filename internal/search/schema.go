package search

import (
	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/token/porter"
	"github.com/blevesearch/bleve/v2/mapping"
)

const (
	FieldID   = "id"
	FieldPot  = "pot"
	FieldType = "type"
	FieldText = "text"

	// AnalyzerName is the analyzer applied to the text field.
	AnalyzerName = "potshelf_text"

	schemaVersionKey = "potshelf_schema_version"
	schemaVersion    = "1"
)

// NewMapping builds the four-field index mapping: id and pot are exact-match
// keywords (only id is stored), type is stored but not searchable, and text is
// analyzed with the CJK bigram tokenizer, lowercasing and porter stemming.
func NewMapping() (mapping.IndexMapping, error) {
	indexMapping := bleve.NewIndexMapping()
	err := indexMapping.AddCustomAnalyzer(AnalyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     TokenizerName,
		"token_filters": []string{lowercase.Name, porter.Name},
	})
	if err != nil {
		return nil, err
	}

	idField := bleve.NewKeywordFieldMapping()
	idField.Store = true
	idField.IncludeInAll = false

	potField := bleve.NewKeywordFieldMapping()
	potField.Store = false
	potField.IncludeInAll = false

	typeField := bleve.NewKeywordFieldMapping()
	typeField.Index = false
	typeField.Store = true
	typeField.IncludeInAll = false

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = AnalyzerName
	textField.Store = false
	textField.IncludeTermVectors = true
	textField.IncludeInAll = false

	documentMapping := bleve.NewDocumentStaticMapping()
	documentMapping.AddFieldMappingsAt(FieldID, idField)
	documentMapping.AddFieldMappingsAt(FieldPot, potField)
	documentMapping.AddFieldMappingsAt(FieldType, typeField)
	documentMapping.AddFieldMappingsAt(FieldText, textField)

	indexMapping.DefaultMapping = documentMapping
	indexMapping.DefaultAnalyzer = AnalyzerName
	return indexMapping, nil
}
