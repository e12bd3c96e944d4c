package parser

import (
	"context"
	"strings"

	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/errorsx"
)

// MarkdownParser maps heading levels (# .. ######) directly to section
// levels. Structure is explicit, so every section carries confidence 1.0.
type MarkdownParser struct{}

// NewMarkdownParser returns the Markdown parser variant.
func NewMarkdownParser() *MarkdownParser {
	return &MarkdownParser{}
}

type mdHeading struct {
	offset int
	level  int
	title  string
}

// Parse scans the source line by line, collecting headings outside fenced
// code blocks. Each heading opens a section whose span runs to the next
// heading of any level; text before the first heading becomes a root
// preamble section.
func (p *MarkdownParser) Parse(_ context.Context, content []byte) (*Result, error) {
	text := string(content)
	if len(strings.TrimSpace(text)) == 0 {
		return nil, errorsx.Structural("extracted text is empty", nil)
	}

	headings := scanHeadings(text)

	var sections []Section
	orderAtParent := map[int]int{} // parent index (-1 for root) -> next sibling order
	if len(headings) == 0 || headings[0].offset > 0 {
		// Preamble (or a file with no headings at all) is a single root
		// section so the spans still partition the text.
		end := len(text)
		if len(headings) > 0 {
			end = headings[0].offset
		}
		sections = append(sections, Section{
			ParentIndex: -1,
			Level:       1,
			Content:     text[:end],
			Start:       0,
			End:         end,
			Confidence:  1.0,
		})
		orderAtParent[-1] = 1
	}

	// Stack of open sections (index into sections, heading level) used to
	// resolve parent links. The preamble never becomes a parent.
	type open struct {
		index int
		level int
	}
	var stack []open

	for i, h := range headings {
		end := len(text)
		if i+1 < len(headings) {
			end = headings[i+1].offset
		}

		for len(stack) > 0 && stack[len(stack)-1].level >= h.level {
			stack = stack[:len(stack)-1]
		}
		parent := -1
		if len(stack) > 0 {
			parent = stack[len(stack)-1].index
		}

		sections = append(sections, Section{
			ParentIndex: parent,
			Level:       h.level,
			Order:       orderAtParent[parent],
			Title:       h.title,
			Content:     text[h.offset:end],
			Start:       h.offset,
			End:         end,
			Confidence:  1.0,
		})
		orderAtParent[parent]++
		stack = append(stack, open{index: len(sections) - 1, level: h.level})
	}

	return &Result{
		Sections:   sections,
		TextLength: len(text),
		Language:   "",
	}, nil
}

// scanHeadings returns ATX headings with their byte offsets, skipping fenced
// code blocks.
func scanHeadings(text string) []mdHeading {
	var headings []mdHeading
	inFence := false
	offset := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimRight(line, "\n")
		stripped := strings.TrimSpace(trimmed)
		if strings.HasPrefix(stripped, "```") || strings.HasPrefix(stripped, "~~~") {
			inFence = !inFence
		} else if !inFence {
			if level, title, ok := parseHeadingLine(trimmed); ok {
				headings = append(headings, mdHeading{offset: offset, level: level, title: title})
			}
		}
		offset += len(line)
	}
	return headings
}

// parseHeadingLine recognizes `#` to `######` followed by a space.
func parseHeadingLine(line string) (level int, title string, ok bool) {
	i := 0
	for i < len(line) && line[i] == '#' {
		i++
	}
	if i == 0 || i > 6 {
		return 0, "", false
	}
	if i >= len(line) || (line[i] != ' ' && line[i] != '\t') {
		return 0, "", false
	}
	return i, strings.TrimSpace(strings.TrimRight(line[i:], "#")), true
}
