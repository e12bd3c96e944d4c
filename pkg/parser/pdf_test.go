package parser

import (
	"context"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/errorsx"
)

func TestBodyFontSize(t *testing.T) {
	c := qt.New(t)

	t.Run("dominant size wins by text weight", func(t *testing.T) {
		lines := []pdfLine{
			{text: "Big Title", fontSize: 18},
			{text: strings.Repeat("body text ", 20), fontSize: 11},
			{text: strings.Repeat("more body ", 20), fontSize: 11},
		}
		c.Assert(bodyFontSize(lines), qt.Equals, 11.0)
	})

	t.Run("no lines falls back to a sane default", func(t *testing.T) {
		c.Assert(bodyFontSize(nil), qt.Equals, 12.0)
	})
}

func TestHeadingLevels(t *testing.T) {
	c := qt.New(t)

	lines := []pdfLine{
		{text: "Chapter", fontSize: 20},
		{text: "Section", fontSize: 16},
		{text: "Subsection", fontSize: 13},
		{text: "body", fontSize: 11},
	}
	levels := headingLevels(lines, 11, 1.15)

	c.Assert(levels[20.0], qt.Equals, 1)
	c.Assert(levels[16.0], qt.Equals, 2)
	c.Assert(levels[13.0], qt.Equals, 3)
	_, isHeading := levels[11.0]
	c.Assert(isHeading, qt.IsFalse)

	t.Run("depth is capped", func(t *testing.T) {
		many := []pdfLine{
			{text: "a", fontSize: 24},
			{text: "b", fontSize: 20},
			{text: "c", fontSize: 17},
			{text: "d", fontSize: 14},
			{text: "body", fontSize: 10},
		}
		levels := headingLevels(many, 10, 1.15)
		c.Assert(levels[14.0], qt.Equals, maxHeadingLevels)
	})
}

func TestHeadingConfidence(t *testing.T) {
	c := qt.New(t)

	// A barely-heading font stays near the floor, a much larger one nears
	// the ceiling; never 1.0 since the structure is inferred.
	low := headingConfidence(12, 11)
	high := headingConfidence(30, 11)
	c.Assert(low >= 0.3 && low < 0.5, qt.IsTrue)
	c.Assert(high > low, qt.IsTrue)
	c.Assert(high <= 0.9, qt.IsTrue)
	c.Assert(headingConfidence(10, 0), qt.Equals, 0.5)
}

func TestIsHeadingText(t *testing.T) {
	c := qt.New(t)

	c.Assert(isHeadingText("Introduction"), qt.IsTrue)
	c.Assert(isHeadingText("   "), qt.IsFalse)
	c.Assert(isHeadingText(strings.Repeat("x", maxHeadingRunes+1)), qt.IsFalse)
}

func TestPDFParseCorruptContent(t *testing.T) {
	c := qt.New(t)
	p := NewPDFParser(1.15)

	_, err := p.Parse(context.Background(), []byte("not a pdf at all"))
	c.Assert(err, qt.IsNotNil)
	c.Assert(errorsx.IsStructural(err), qt.IsTrue)
}
