// Package parser converts stored files into hierarchical section trees.
// Each format is a variant behind the same capability; the registry selects
// the variant by MIME type.
package parser

import (
	"context"
	"fmt"

	"github.com/tuzimao/Ai-Question-Generator-sub002/config"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/errorsx"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/types"
)

// Section is one node of the extracted tree, positioned by exclusive
// [Start, End) offsets into the extracted text. Visited in slice order the
// spans partition the text.
type Section struct {
	// ParentIndex points at the parent section in the result slice, -1 for
	// root sections. Indexes are back-references only; traversal is slice
	// order.
	ParentIndex int
	// Level is the tree depth, root sections are level 1.
	Level int
	// Order is the sibling position below the parent.
	Order int
	Title string
	// Content is the section's exclusive text span.
	Content string
	Start   int
	End     int
	// Confidence is 1.0 for explicit structure (Markdown headings) and
	// heuristic for inferred structure (PDF layout analysis).
	Confidence float64
	// Page is set by paginated formats.
	Page int
}

// Result is the output of a parse run.
type Result struct {
	Sections []Section
	// TextLength is the length of the full extracted text; section spans
	// sum to it.
	TextLength int
	PageCount  int
	Language   string
}

// Parser converts raw file content into a Result.
type Parser interface {
	Parse(ctx context.Context, content []byte) (*Result, error)
}

// Registry maps MIME types to parser variants.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry builds the registry with all supported formats.
func NewRegistry(cfg *config.ParserConfig) *Registry {
	return &Registry{
		parsers: map[string]Parser{
			types.MimeTypeMarkdown: NewMarkdownParser(),
			types.MimeTypePDF:      NewPDFParser(cfg.PDFHeadingScale),
		},
	}
}

// ForMimeType returns the parser variant for the MIME type. Unsupported
// types are a structural failure: no retry can fix them.
func (r *Registry) ForMimeType(mimeType string) (Parser, error) {
	p, ok := r.parsers[mimeType]
	if !ok {
		return nil, errorsx.Structural(fmt.Sprintf("unsupported mime type %q", mimeType), nil)
	}
	return p, nil
}

// JobTypeForMimeType maps an admitted document to its parse job type.
func JobTypeForMimeType(mimeType string) (types.JobType, error) {
	switch mimeType {
	case types.MimeTypePDF:
		return types.JobTypeParsePDF, nil
	case types.MimeTypeMarkdown:
		return types.JobTypeParseMarkdown, nil
	default:
		return "", errorsx.Structural(fmt.Sprintf("unsupported mime type %q", mimeType), nil)
	}
}
