// Package chunker accumulates a byte stream and carves it into data chunks,
// regions a sieve claims as candidate records, and non-data chunks, the noise
// in between.
//
// Offsets are absolute stream offsets. The chunker never fails: bytes the
// sieve does not claim surface as non-data.
package chunker

// Span is a half-open [Start, End) range relative to the buffer given to a sieve.
type Span struct {
	Start int
	End   int
}

// Sieve returns the record ranges found in buf in ascending, non-overlapping
// order. It must not retain buf.
type Sieve func(buf []byte) []Span

// Chunk is a region of the stream handed to the parser.
type Chunk struct {
	Timestamp float64
	Data      []byte
	Start     int64
	End       int64
}

func (c Chunk) Len() int {
	return len(c.Data)
}

type mark struct {
	offset int64
	ts     float64
}

// Chunker is not safe for concurrent use.
type Chunker struct {
	sieve Sieve
	buf   []byte
	base  int64
	marks []mark
}

func New(sieve Sieve) *Chunker {
	return &Chunker{sieve: sieve}
}

// AddChunk appends data received at ts.
func (c *Chunker) AddChunk(data []byte, ts float64) {
	if len(data) == 0 {
		return
	}
	c.marks = append(c.marks, mark{offset: c.base + int64(len(c.buf)), ts: ts})
	c.buf = append(c.buf, data...)
}

// NextData returns the earliest data chunk. With clean set, the chunk and
// everything before it are dropped from the buffer.
func (c *Chunker) NextData(clean bool) (Chunk, bool) {
	span, ok := c.firstSpan()
	if !ok {
		return Chunk{}, false
	}
	chunk := c.chunk(span.Start, span.End)
	if clean {
		c.consume(span.End)
	}
	return chunk, true
}

// NextNonData returns the unclaimed bytes preceding the next data chunk.
// Trailing bytes with no data after them are held back as a possible partial
// record; see Flush.
func (c *Chunker) NextNonData(clean bool) (Chunk, bool) {
	span, ok := c.firstSpan()
	if !ok || span.Start == 0 {
		return Chunk{}, false
	}
	chunk := c.chunk(0, span.Start)
	if clean {
		c.consume(span.Start)
	}
	return chunk, true
}

// Flush returns everything still buffered as a single chunk. Parsers call it
// once the input is exhausted so trailing noise is accounted for.
func (c *Chunker) Flush(clean bool) (Chunk, bool) {
	if len(c.buf) == 0 {
		return Chunk{}, false
	}
	chunk := c.chunk(0, len(c.buf))
	if clean {
		c.consume(len(c.buf))
	}
	return chunk, true
}

// CleanAllChunks discards every buffered byte. The stream offset advances past
// them.
func (c *Chunker) CleanAllChunks() {
	c.base += int64(len(c.buf))
	c.buf = nil
	c.marks = nil
}

// Reset discards buffered bytes and restarts offsets at base.
func (c *Chunker) Reset(base int64) {
	c.CleanAllChunks()
	c.base = base
}

// TrimUnmatched returns the oldest buffered bytes as non-data once more than
// limit bytes are held with no record among them. The newest keep bytes stay
// buffered since they may start a record still arriving.
func (c *Chunker) TrimUnmatched(limit, keep int) (Chunk, bool) {
	if limit <= 0 || len(c.buf) <= limit {
		return Chunk{}, false
	}
	if _, ok := c.firstSpan(); ok {
		return Chunk{}, false
	}
	cut := len(c.buf) - min(max(keep, 0), limit)
	chunk := c.chunk(0, cut)
	c.consume(cut)
	return chunk, true
}

// Base is the stream offset of the first buffered byte.
func (c *Chunker) Base() int64 {
	return c.base
}

func (c *Chunker) Buffered() int {
	return len(c.buf)
}

func (c *Chunker) firstSpan() (Span, bool) {
	if len(c.buf) == 0 || c.sieve == nil {
		return Span{}, false
	}
	for _, s := range c.sieve(c.buf) {
		if s.Start < 0 || s.End > len(c.buf) || s.End <= s.Start {
			continue
		}
		return s, true
	}
	return Span{}, false
}

func (c *Chunker) chunk(start, end int) Chunk {
	abs := c.base + int64(start)
	return Chunk{
		Timestamp: c.timestampAt(abs),
		Data:      append([]byte(nil), c.buf[start:end]...),
		Start:     abs,
		End:       c.base + int64(end),
	}
}

// timestampAt returns the timestamp of the append that delivered offset.
func (c *Chunker) timestampAt(offset int64) float64 {
	var ts float64
	for _, m := range c.marks {
		if m.offset > offset {
			break
		}
		ts = m.ts
	}
	return ts
}

func (c *Chunker) consume(n int) {
	c.buf = append(c.buf[:0:0], c.buf[n:]...)
	c.base += int64(n)

	keep := 0
	for i, m := range c.marks {
		if i+1 < len(c.marks) && c.marks[i+1].offset <= c.base {
			continue
		}
		c.marks[keep] = m
		keep++
	}
	c.marks = c.marks[:keep]
	if len(c.buf) == 0 {
		c.marks = nil
	}
}
