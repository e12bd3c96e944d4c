package parser

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/errorsx"
)

// yTolerance groups text runs into visual lines: runs whose baselines are
// closer than this belong to the same line.
const yTolerance = 2.0

// maxHeadingLevels caps the depth recovered from font sizes.
const maxHeadingLevels = 3

// maxHeadingRunes keeps long body lines in a large font from being
// misclassified as headings.
const maxHeadingRunes = 120

// PDFParser recovers page boundaries and heading-like structure from PDF
// layout: a line set in a font sufficiently larger than the body font is
// treated as a heading. Structure is inferred, so sections carry a
// heuristic confidence below 1.0.
type PDFParser struct {
	headingScale float64
}

// NewPDFParser returns the PDF parser variant. headingScale is the minimum
// font-size ratio over the body size for a heading candidate.
func NewPDFParser(headingScale float64) *PDFParser {
	if headingScale <= 1 {
		headingScale = 1.15
	}
	return &PDFParser{headingScale: headingScale}
}

type pdfLine struct {
	text     string
	fontSize float64
	page     int
}

// Parse extracts text lines with font metadata and builds the section tree.
// The underlying reader panics on some malformed files; those are recovered
// into a structural error since retrying cannot repair a corrupt file.
func (p *PDFParser) Parse(_ context.Context, content []byte) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = errorsx.Structural("corrupt PDF", fmt.Errorf("%v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, errorsx.Structural("corrupt PDF", err)
	}

	lines := extractLines(reader)
	if len(lines) == 0 {
		return nil, errorsx.Structural("extracted text is empty", nil)
	}

	bodySize := bodyFontSize(lines)
	levelBySize := headingLevels(lines, bodySize, p.headingScale)

	// Assemble the full text and note heading positions while writing it.
	type pdfHeading struct {
		offset     int
		level      int
		title      string
		confidence float64
		page       int
	}
	var sb strings.Builder
	var headings []pdfHeading
	for i, line := range lines {
		if lvl, ok := levelBySize[roundSize(line.fontSize)]; ok && isHeadingText(line.text) {
			headings = append(headings, pdfHeading{
				offset:     sb.Len(),
				level:      lvl,
				title:      strings.TrimSpace(line.text),
				confidence: headingConfidence(line.fontSize, bodySize),
				page:       line.page,
			})
		}
		sb.WriteString(line.text)
		if i < len(lines)-1 {
			sb.WriteString("\n")
		}
	}
	text := sb.String()
	if len(strings.TrimSpace(text)) == 0 {
		return nil, errorsx.Structural("extracted text is empty", nil)
	}

	var sections []Section
	orderAtParent := map[int]int{}
	if len(headings) == 0 || headings[0].offset > 0 {
		end := len(text)
		page := lines[0].page
		if len(headings) > 0 {
			end = headings[0].offset
		}
		sections = append(sections, Section{
			ParentIndex: -1,
			Level:       1,
			Content:     text[:end],
			Start:       0,
			End:         end,
			Confidence:  0.5,
			Page:        page,
		})
		orderAtParent[-1] = 1
	}

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
			Confidence:  h.confidence,
			Page:        h.page,
		})
		orderAtParent[parent]++
		stack = append(stack, open{index: len(sections) - 1, level: h.level})
	}

	return &Result{
		Sections:   sections,
		TextLength: len(text),
		PageCount:  reader.NumPage(),
	}, nil
}

// extractLines walks every page and groups text runs into visual lines by
// baseline proximity.
func extractLines(reader *pdf.Reader) []pdfLine {
	var lines []pdfLine
	for pageIndex := 1; pageIndex <= reader.NumPage(); pageIndex++ {
		page := reader.Page(pageIndex)
		if page.V.IsNull() {
			continue
		}
		texts := page.Content().Text
		if len(texts) == 0 {
			continue
		}

		var current strings.Builder
		currentY := texts[0].Y
		currentSize := texts[0].FontSize
		flush := func() {
			line := strings.TrimRight(current.String(), " ")
			if strings.TrimSpace(line) != "" {
				lines = append(lines, pdfLine{text: line, fontSize: currentSize, page: pageIndex})
			}
			current.Reset()
		}
		for _, t := range texts {
			if math.Abs(t.Y-currentY) > yTolerance {
				flush()
				currentY = t.Y
				currentSize = t.FontSize
			}
			if t.FontSize > currentSize {
				currentSize = t.FontSize
			}
			current.WriteString(t.S)
		}
		flush()
	}
	return lines
}

// bodyFontSize returns the dominant font size weighted by text length.
func bodyFontSize(lines []pdfLine) float64 {
	weights := map[float64]int{}
	for _, line := range lines {
		weights[roundSize(line.fontSize)] += len(line.text)
	}
	body := 0.0
	best := -1
	for size, weight := range weights {
		if weight > best || (weight == best && size < body) {
			best = weight
			body = size
		}
	}
	if body == 0 {
		body = 12
	}
	return body
}

// headingLevels ranks font sizes above the heading threshold: the largest
// size becomes level 1, the next level 2, capped at maxHeadingLevels.
func headingLevels(lines []pdfLine, bodySize, scale float64) map[float64]int {
	seen := map[float64]bool{}
	for _, line := range lines {
		size := roundSize(line.fontSize)
		if size >= bodySize*scale {
			seen[size] = true
		}
	}
	sizes := make([]float64, 0, len(seen))
	for size := range seen {
		sizes = append(sizes, size)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(sizes)))

	levels := map[float64]int{}
	for i, size := range sizes {
		level := i + 1
		if level > maxHeadingLevels {
			level = maxHeadingLevels
		}
		levels[size] = level
	}
	return levels
}

// headingConfidence scales with how far the font stands out from the body.
// Thresholds are tunables, not contracts.
func headingConfidence(fontSize, bodySize float64) float64 {
	if bodySize <= 0 {
		return 0.5
	}
	c := 0.3 + 0.4*(fontSize/bodySize-1)
	if c < 0.3 {
		c = 0.3
	}
	if c > 0.9 {
		c = 0.9
	}
	return c
}

func isHeadingText(s string) bool {
	trimmed := strings.TrimSpace(s)
	return trimmed != "" && len([]rune(trimmed)) <= maxHeadingRunes
}

func roundSize(size float64) float64 {
	return math.Round(size*2) / 2
}
