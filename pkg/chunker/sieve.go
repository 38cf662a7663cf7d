package chunker

import (
	"bytes"
	"regexp"
	"sort"
)

// RegexSieve claims every match of every pattern. Overlapping matches are
// resolved in favour of the one starting first.
func RegexSieve(patterns ...*regexp.Regexp) Sieve {
	return func(buf []byte) []Span {
		var spans []Span
		for _, re := range patterns {
			for _, loc := range re.FindAllIndex(buf, -1) {
				if loc[1] > loc[0] {
					spans = append(spans, Span{Start: loc[0], End: loc[1]})
				}
			}
		}
		return normalize(spans)
	}
}

// Verdict is the answer of a FixedKind matcher for a window of bytes.
type Verdict int

const (
	NoMatch Verdict = iota
	Match
	// NeedMore means the window is a plausible prefix of this kind.
	NeedMore
)

// FixedKind describes a fixed-length record. Match receives up to Len bytes
// starting at the candidate offset.
type FixedKind struct {
	Name  string
	Len   int
	Match func(window []byte) Verdict
}

// FixedLengthSieve walks the buffer in record strides for binary formats
// without delimiters. At each offset the first matching kind wins and the walk
// jumps past it. If no kind matches but one may match once more bytes arrive,
// the walk stops; otherwise the byte is skipped as noise.
func FixedLengthSieve(kinds ...FixedKind) Sieve {
	return func(buf []byte) []Span {
		var spans []Span
		for i := 0; i < len(buf); {
			matched, waiting := false, false
			for _, k := range kinds {
				end := min(i+k.Len, len(buf))
				switch k.Match(buf[i:end]) {
				case Match:
					if end-i == k.Len {
						spans = append(spans, Span{Start: i, End: end})
						i = end
						matched = true
					} else {
						waiting = true
					}
				case NeedMore:
					waiting = true
				}
				if matched {
					break
				}
			}
			if matched {
				continue
			}
			if waiting {
				break
			}
			i++
		}
		return spans
	}
}

// DelimiterSieve claims every run of bytes terminated by delim, delimiter
// included. Empty frames (a lone delimiter) are claimed too so they are
// consumed rather than reported as noise.
func DelimiterSieve(delim byte) Sieve {
	return func(buf []byte) []Span {
		var spans []Span
		start := 0
		for start < len(buf) {
			idx := bytes.IndexByte(buf[start:], delim)
			if idx < 0 {
				break
			}
			end := start + idx + 1
			spans = append(spans, Span{Start: start, End: end})
			start = end
		}
		return spans
	}
}

// normalize sorts spans and drops any that overlap an earlier one.
func normalize(spans []Span) []Span {
	if len(spans) < 2 {
		return spans
	}
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})
	out := spans[:1]
	for _, s := range spans[1:] {
		if s.Start < out[len(out)-1].End {
			continue
		}
		out = append(out, s)
	}
	return out
}
