package chunk

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewline/internal/domain"
)

func patchWithHunks(hunks ...string) string {
	return strings.Join(hunks, "")
}

func hunk(startLine, lines int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", startLine, lines, startLine, lines)
	for i := 0; i < lines; i++ {
		fmt.Fprintf(&b, "+line %d\n", startLine+i)
	}
	return b.String()
}

func concatenate(units []Unit) string {
	var b strings.Builder
	for _, u := range units {
		for _, s := range u.Segments {
			b.WriteString(s.Content)
		}
	}
	return b.String()
}

func TestSplitRoundTrip(t *testing.T) {
	files := []domain.FileDiff{
		{Path: "a.go", Patch: hunk(1, 3)},
		{Path: "b.go", Patch: patchWithHunks(hunk(10, 40), hunk(100, 40), hunk(200, 40))},
		{Path: "c.go", Patch: hunk(5, 2)},
	}
	var original strings.Builder
	for _, f := range files {
		original.WriteString(f.Patch)
	}

	for _, max := range []int{64, 200, 1 << 20} {
		units := New(max).Split(files)
		assert.Equal(t, original.String(), concatenate(units), "max=%d", max)
	}
}

func TestSplitOneUnitPerSmallFile(t *testing.T) {
	small := hunk(1, 2)
	files := []domain.FileDiff{
		{Path: "a.go", Patch: small},
		{Path: "b.go", Patch: small},
		{Path: "c.go", Patch: small},
	}
	// Three files under the default bound give three units in file order,
	// never one packed unit.
	units := New(16384).Split(files)
	require.Len(t, units, 3)
	for i, u := range units {
		assert.Equal(t, i, u.Index)
		require.Len(t, u.Segments, 1)
		assert.False(t, u.Oversized)
	}
	assert.Equal(t, "a.go", units[0].Segments[0].Path)
	assert.Equal(t, "b.go", units[1].Segments[0].Path)
	assert.Equal(t, "c.go", units[2].Segments[0].Path)

	// A file that fits the bound is never split.
	units = New(len(small)).Split(files)
	require.Len(t, units, 3)
	assert.Equal(t, small, units[2].Segments[0].Content)
}

func TestSplitLargeFileAtHunkBoundaries(t *testing.T) {
	h1, h2, h3 := hunk(1, 10), hunk(50, 10), hunk(100, 10)
	files := []domain.FileDiff{{Path: "big.go", Patch: patchWithHunks(h1, h2, h3)}}

	units := New(len(h1) + len(h2)).Split(files)
	require.Len(t, units, 2)
	assert.Equal(t, h1+h2, units[0].Segments[0].Content)
	assert.Equal(t, h3, units[1].Segments[0].Content)
	for _, u := range units {
		assert.False(t, u.Oversized)
		// Never split mid-line.
		assert.True(t, strings.HasSuffix(u.Segments[0].Content, "\n"))
	}
}

func TestSplitFlagsOversizedHunk(t *testing.T) {
	huge := hunk(1, 500)
	files := []domain.FileDiff{
		{Path: "a.go", Patch: hunk(1, 2)},
		{Path: "big.go", Patch: patchWithHunks(huge, hunk(900, 2))},
	}
	units := New(100).Split(files)

	var oversized []Unit
	for _, u := range units {
		if u.Oversized {
			oversized = append(oversized, u)
		}
	}
	require.Len(t, oversized, 1)
	assert.Equal(t, huge, oversized[0].Segments[0].Content)
	// Data is emitted, not dropped.
	var all strings.Builder
	for _, f := range files {
		all.WriteString(f.Patch)
	}
	assert.Equal(t, all.String(), concatenate(units))
}

func TestSplitSkipsFilesWithoutPatch(t *testing.T) {
	files := []domain.FileDiff{
		{Path: "image.png", Patch: ""},
		{Path: "a.go", Patch: hunk(1, 1)},
	}
	units := New(1 << 20).Split(files)
	require.Len(t, units, 1)
	assert.Equal(t, []string{"a.go"}, units[0].Paths())
}

func TestTruncate(t *testing.T) {
	u := Unit{Index: 3, Segments: []Segment{{Path: "a.go", Content: hunk(1, 100)}}, Oversized: true}
	max := 200
	clipped := Truncate(u, max)
	assert.Equal(t, 3, clipped.Index)
	assert.LessOrEqual(t, clipped.Size(), max)
	assert.True(t, strings.HasSuffix(clipped.Segments[0].Content, "\n"))

	small := Unit{Segments: []Segment{{Path: "a.go", Content: "tiny\n"}}}
	assert.Equal(t, small, Truncate(small, 100))
}
