package parser

import (
	"context"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/errorsx"
)

// assertSpansPartition checks that the sections, in slice order, cover the
// full text exactly once.
func assertSpansPartition(c *qt.C, sections []Section, text string) {
	offset := 0
	for _, s := range sections {
		c.Assert(s.Start, qt.Equals, offset)
		c.Assert(s.End, qt.Equals, offset+len(s.Content))
		c.Assert(s.Content, qt.Equals, text[s.Start:s.End])
		offset = s.End
	}
	c.Assert(offset, qt.Equals, len(text))
}

func TestMarkdownParse(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	p := NewMarkdownParser()

	t.Run("two top-level headings become sibling roots", func(t *testing.T) {
		src := "# First\nbody one\n# Second\nbody two\n"
		result, err := p.Parse(ctx, []byte(src))
		c.Assert(err, qt.IsNil)
		c.Assert(result.Sections, qt.HasLen, 2)
		c.Assert(result.TextLength, qt.Equals, len(src))

		first, second := result.Sections[0], result.Sections[1]
		c.Assert(first.Title, qt.Equals, "First")
		c.Assert(first.ParentIndex, qt.Equals, -1)
		c.Assert(first.Order, qt.Equals, 0)
		c.Assert(second.Title, qt.Equals, "Second")
		c.Assert(second.ParentIndex, qt.Equals, -1)
		c.Assert(second.Order, qt.Equals, 1)
		assertSpansPartition(c, result.Sections, src)
	})

	t.Run("nested headings resolve parents by level", func(t *testing.T) {
		src := "# Top\n## Sub A\ntext\n### Deep\ntext\n## Sub B\ntext\n"
		result, err := p.Parse(ctx, []byte(src))
		c.Assert(err, qt.IsNil)
		c.Assert(result.Sections, qt.HasLen, 4)

		c.Assert(result.Sections[0].Level, qt.Equals, 1)
		c.Assert(result.Sections[1].ParentIndex, qt.Equals, 0)
		c.Assert(result.Sections[2].ParentIndex, qt.Equals, 1)
		c.Assert(result.Sections[3].ParentIndex, qt.Equals, 0)
		c.Assert(result.Sections[3].Order, qt.Equals, 1)
		c.Assert(result.Sections[3].Level, qt.Equals, 2)
		assertSpansPartition(c, result.Sections, src)
	})

	t.Run("preamble becomes a root section", func(t *testing.T) {
		src := "intro text before any heading\n\n# Heading\nbody\n"
		result, err := p.Parse(ctx, []byte(src))
		c.Assert(err, qt.IsNil)
		c.Assert(result.Sections, qt.HasLen, 2)

		preamble := result.Sections[0]
		c.Assert(preamble.ParentIndex, qt.Equals, -1)
		c.Assert(preamble.Title, qt.Equals, "")
		c.Assert(preamble.Level, qt.Equals, 1)
		c.Assert(strings.HasPrefix(preamble.Content, "intro"), qt.IsTrue)
		assertSpansPartition(c, result.Sections, src)
	})

	t.Run("document without headings is one root section", func(t *testing.T) {
		src := "just plain text\nwith two lines\n"
		result, err := p.Parse(ctx, []byte(src))
		c.Assert(err, qt.IsNil)
		c.Assert(result.Sections, qt.HasLen, 1)
		c.Assert(result.Sections[0].Confidence, qt.Equals, 1.0)
		assertSpansPartition(c, result.Sections, src)
	})

	t.Run("headings inside code fences are ignored", func(t *testing.T) {
		src := "# Real\n```\n# not a heading\n```\nafter fence\n# Also real\nend\n"
		result, err := p.Parse(ctx, []byte(src))
		c.Assert(err, qt.IsNil)
		c.Assert(result.Sections, qt.HasLen, 2)
		c.Assert(result.Sections[0].Title, qt.Equals, "Real")
		c.Assert(result.Sections[1].Title, qt.Equals, "Also real")
		assertSpansPartition(c, result.Sections, src)
	})

	t.Run("empty content is structural", func(t *testing.T) {
		_, err := p.Parse(ctx, []byte("  \n\t\n"))
		c.Assert(errorsx.IsStructural(err), qt.IsTrue)
	})
}

func TestParseHeadingLine(t *testing.T) {
	c := qt.New(t)

	cases := []struct {
		line  string
		level int
		title string
		ok    bool
	}{
		{"# Title", 1, "Title", true},
		{"###### Deep", 6, "Deep", true},
		{"####### Too deep", 0, "", false},
		{"#NoSpace", 0, "", false},
		{"plain text", 0, "", false},
		{"## Trailing ##", 2, "Trailing", true},
	}
	for _, tc := range cases {
		level, title, ok := parseHeadingLine(tc.line)
		c.Assert(ok, qt.Equals, tc.ok, qt.Commentf("line %q", tc.line))
		if tc.ok {
			c.Assert(level, qt.Equals, tc.level)
			c.Assert(title, qt.Equals, tc.title)
		}
	}
}
