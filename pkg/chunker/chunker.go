// Package chunker walks the section sequence in document order and produces
// token-bounded, position-tracked chunks for downstream embedding.
package chunker

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/errorsx"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/parser"
)

// Chunk is one produced unit. Chunks of a run, ordered by Index, partition
// the concatenated section text with no gaps or overlaps.
type Chunk struct {
	// Index is 0-based and contiguous over the whole document.
	Index int
	// SectionIndex points at the section the span falls into; when the
	// chunk crosses a section boundary it points at the first one and
	// SpansSections is set.
	SectionIndex  int
	SpansSections bool
	Content       string
	Start         int
	End           int
	Tokens        int
}

// Chunker greedily accumulates section text up to a token budget.
type Chunker struct {
	maxTokens int
	counter   TokenCounter
}

// NewChunker returns a chunker with the given budget and estimator.
func NewChunker(maxTokens int, counter TokenCounter) *Chunker {
	if counter == nil {
		counter = HeuristicCounter{}
	}
	return &Chunker{maxTokens: maxTokens, counter: counter}
}

// Chunk converts the section sequence (document order, as emitted by the
// parser) into chunks. Malformed offsets are a data-integrity failure that
// the parse stage invariants rule out, so they surface as a structural
// error rather than a retry.
func (c *Chunker) Chunk(sections []parser.Section) ([]Chunk, error) {
	if err := validateSections(sections); err != nil {
		return nil, err
	}

	var chunks []Chunk

	// Accumulator for the open chunk.
	var (
		openContent      strings.Builder
		openStart        int
		openTokens       int
		openFirstSection = -1
		openSections     int
	)
	flush := func(end int) {
		if openSections == 0 {
			return
		}
		chunks = append(chunks, Chunk{
			Index:         len(chunks),
			SectionIndex:  openFirstSection,
			SpansSections: openSections > 1,
			Content:       openContent.String(),
			Start:         openStart,
			End:           end,
			Tokens:        openTokens,
		})
		openContent.Reset()
		openTokens = 0
		openFirstSection = -1
		openSections = 0
	}

	for i, section := range sections {
		tokens := c.counter.Count(section.Content)

		if tokens > c.maxTokens {
			// A single oversized section closes the open chunk and is split
			// at paragraph/sentence boundaries into chunks of its own, all
			// referencing that section.
			flush(section.Start)
			offset := section.Start
			for _, piece := range c.packUnits(splitUnits(section.Content, c.maxTokens, c.counter)) {
				chunks = append(chunks, Chunk{
					Index:         len(chunks),
					SectionIndex:  i,
					SpansSections: false,
					Content:       piece,
					Start:         offset,
					End:           offset + len(piece),
					Tokens:        c.counter.Count(piece),
				})
				offset += len(piece)
			}
			continue
		}

		if openSections > 0 && openTokens+tokens > c.maxTokens {
			flush(section.Start)
		}
		if openSections == 0 {
			openStart = section.Start
			openFirstSection = i
		}
		openContent.WriteString(section.Content)
		openTokens += tokens
		openSections++
	}
	if len(sections) > 0 {
		flush(sections[len(sections)-1].End)
	}

	return chunks, nil
}

// packUnits merges split units greedily back up to the budget so a long
// section does not degenerate into one chunk per sentence.
func (c *Chunker) packUnits(units []string) []string {
	var packed []string
	var current strings.Builder
	currentTokens := 0
	for _, unit := range units {
		tokens := c.counter.Count(unit)
		if current.Len() > 0 && currentTokens+tokens > c.maxTokens {
			packed = append(packed, current.String())
			current.Reset()
			currentTokens = 0
		}
		current.WriteString(unit)
		currentTokens += tokens
	}
	if current.Len() > 0 {
		packed = append(packed, current.String())
	}
	return packed
}

// validateSections checks that spans are well formed and contiguous in
// document order.
func validateSections(sections []parser.Section) error {
	for i, s := range sections {
		if s.End < s.Start {
			return errorsx.Structural(fmt.Sprintf("section %d has inverted offsets [%d, %d)", i, s.Start, s.End), nil)
		}
		if len(s.Content) != s.End-s.Start {
			return errorsx.Structural(fmt.Sprintf("section %d content length %d does not match span [%d, %d)", i, len(s.Content), s.Start, s.End), nil)
		}
		if i > 0 && s.Start != sections[i-1].End {
			return errorsx.Structural(fmt.Sprintf("section %d overlaps or leaves a gap at offset %d", i, s.Start), nil)
		}
	}
	return nil
}

// splitUnits breaks text into units that concatenate exactly back to the
// input: paragraphs first, oversized paragraphs into sentences, oversized
// sentences at whitespace. Tokens are never split down the middle.
func splitUnits(text string, maxTokens int, counter TokenCounter) []string {
	var units []string
	for _, paragraph := range splitAfterAll(text, "\n\n") {
		if counter.Count(paragraph) <= maxTokens {
			units = append(units, paragraph)
			continue
		}
		for _, sentence := range splitSentences(paragraph) {
			if counter.Count(sentence) <= maxTokens {
				units = append(units, sentence)
				continue
			}
			units = append(units, splitAtWhitespace(sentence, maxTokens, counter)...)
		}
	}
	return units
}

// splitAfterAll is like strings.SplitAfter but drops empty tails.
func splitAfterAll(text, sep string) []string {
	parts := strings.SplitAfter(text, sep)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences cuts after `.`, `!`, `?` or newline followed by spacing,
// keeping the separator with the preceding sentence.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if ch == '.' || ch == '!' || ch == '?' || ch == '\n' {
			end := i + 1
			for end < len(text) && (text[end] == ' ' || text[end] == '\n' || text[end] == '\t') {
				end++
			}
			sentences = append(sentences, text[start:end])
			start = end
			i = end - 1
		}
	}
	if start < len(text) {
		sentences = append(sentences, text[start:])
	}
	return sentences
}

// splitAtWhitespace cuts an oversized sentence at word boundaries close to
// the budget, falling back to the full remainder when no boundary exists.
func splitAtWhitespace(text string, maxTokens int, counter TokenCounter) []string {
	// Budget in bytes, derived from the conservative chars/4 estimate.
	budgetBytes := maxTokens * 4
	if budgetBytes <= 0 {
		budgetBytes = 1
	}
	var parts []string
	for len(text) > 0 {
		if counter.Count(text) <= maxTokens || len(text) <= budgetBytes {
			parts = append(parts, text)
			break
		}
		cut := budgetBytes
		if cut > len(text) {
			cut = len(text)
		}
		boundary := -1
		for i := cut; i > 0; i-- {
			if unicode.IsSpace(rune(text[i-1])) {
				boundary = i
				break
			}
		}
		if boundary <= 0 {
			// No whitespace inside the budget; cut at the next one instead.
			next := strings.IndexFunc(text[cut:], unicode.IsSpace)
			if next < 0 {
				parts = append(parts, text)
				break
			}
			boundary = cut + next + 1
		}
		parts = append(parts, text[:boundary])
		text = text[boundary:]
	}
	return parts
}
