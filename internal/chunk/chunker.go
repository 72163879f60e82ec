// Package chunk splits a change-set into bounded-size analyzable units.
//
// Splitting never alters content: concatenating every segment of every unit
// in index order reproduces the original file patches byte for byte. Each
// unit covers exactly one file; a file that fits the bound is one unit, an
// over-bound file spans several units split at hunk boundaries, and a single
// hunk that still exceeds the bound is emitted as its own unit flagged
// Oversized so the orchestrator can decide what to do.
package chunk

import (
	"strings"

	"reviewline/internal/domain"
)

// Segment is a contiguous slice of one file's patch.
type Segment struct {
	Path    string
	Content string
}

// Unit is one analyzable chunk of the change-set.
type Unit struct {
	Index     int
	Segments  []Segment
	Oversized bool
}

// Size returns the unit's content size in bytes.
func (u Unit) Size() int {
	n := 0
	for _, s := range u.Segments {
		n += len(s.Content)
	}
	return n
}

// Paths returns the distinct file paths covered by the unit, in order.
func (u Unit) Paths() []string {
	var paths []string
	seen := map[string]bool{}
	for _, s := range u.Segments {
		if !seen[s.Path] {
			seen[s.Path] = true
			paths = append(paths, s.Path)
		}
	}
	return paths
}

// Chunker produces ordered units bounded by MaxUnitBytes.
type Chunker struct {
	MaxUnitBytes int
}

func New(maxUnitBytes int) Chunker {
	return Chunker{MaxUnitBytes: maxUnitBytes}
}

// Split partitions the change-set into units, one file per unit so report
// entries keep per-file granularity. Files keep their original order; unit
// indices are assigned sequentially from 0. A file over the bound spans
// several consecutive units, split at hunk boundaries.
func (c Chunker) Split(files []domain.FileDiff) []Unit {
	var units []Unit
	for _, f := range files {
		if f.Patch == "" {
			continue // binary or renamed file without a text diff
		}
		if len(f.Patch) <= c.MaxUnitBytes {
			units = append(units, Unit{Segments: []Segment{{Path: f.Path, Content: f.Patch}}})
			continue
		}
		for _, hunkGroup := range packHunks(splitHunks(f.Patch), c.MaxUnitBytes) {
			units = append(units, Unit{
				Segments:  []Segment{{Path: f.Path, Content: hunkGroup}},
				Oversized: len(hunkGroup) > c.MaxUnitBytes,
			})
		}
	}
	for i := range units {
		units[i].Index = i
	}
	return units
}

// splitHunks cuts a unified diff at hunk headers. Any preamble before the
// first "@@" stays attached to the first hunk. The concatenation of the
// returned slices equals the input exactly.
func splitHunks(patch string) []string {
	var hunks []string
	start := 0
	for i := 0; i < len(patch); {
		lineEnd := strings.IndexByte(patch[i:], '\n')
		next := len(patch)
		if lineEnd >= 0 {
			next = i + lineEnd + 1
		}
		if i != start && strings.HasPrefix(patch[i:], "@@") {
			hunks = append(hunks, patch[start:i])
			start = i
		}
		i = next
	}
	if start < len(patch) {
		hunks = append(hunks, patch[start:])
	}
	return hunks
}

// packHunks greedily groups hunks into strings no larger than max. A single
// hunk above max is kept whole as its own group; Split flags it oversized.
func packHunks(hunks []string, max int) []string {
	var groups []string
	var b strings.Builder
	for _, h := range hunks {
		if len(h) > max {
			if b.Len() > 0 {
				groups = append(groups, b.String())
				b.Reset()
			}
			groups = append(groups, h)
			continue
		}
		if b.Len()+len(h) > max {
			groups = append(groups, b.String())
			b.Reset()
		}
		b.WriteString(h)
	}
	if b.Len() > 0 {
		groups = append(groups, b.String())
	}
	return groups
}

// Truncate clips an oversized unit to at most max bytes, cutting at the last
// whole line that fits. The result is never empty when the input is not.
func Truncate(u Unit, max int) Unit {
	if u.Size() <= max {
		return u
	}
	out := Unit{Index: u.Index, Oversized: true}
	budget := max
	for _, s := range u.Segments {
		if budget <= 0 {
			break
		}
		if len(s.Content) <= budget {
			out.Segments = append(out.Segments, s)
			budget -= len(s.Content)
			continue
		}
		clipped := s.Content[:budget]
		if nl := strings.LastIndexByte(clipped, '\n'); nl > 0 {
			clipped = clipped[:nl+1]
		}
		if clipped != "" {
			out.Segments = append(out.Segments, Segment{Path: s.Path, Content: clipped})
		}
		break
	}
	if len(out.Segments) == 0 && len(u.Segments) > 0 {
		// A single line larger than the bound: hard cut.
		s := u.Segments[0]
		out.Segments = []Segment{{Path: s.Path, Content: s.Content[:max]}}
	}
	return out
}
