package p2p

// ChunkWalker presents several discontiguous byte slices as one logical
// stream, so a header and a payload can be measured and serialized without
// first concatenating them.
type ChunkWalker struct {
	chunks [][]byte
	total  int

	cur int // index of the chunk under the cursor
	off int // offset inside chunks[cur]
	pos int // logical cursor
}

func NewChunkWalker(chunks ...[]byte) *ChunkWalker {
	w := &ChunkWalker{chunks: chunks}
	for _, c := range chunks {
		w.total += len(c)
	}
	return w
}

// Len is the total length of all chunks.
func (w *ChunkWalker) Len() int { return w.total }

// Remaining is the number of bytes after the cursor.
func (w *ChunkWalker) Remaining() int { return w.total - w.pos }

// Reset moves the cursor back to the start.
func (w *ChunkWalker) Reset() {
	w.cur, w.off, w.pos = 0, 0, 0
}

// CopyTo copies up to n bytes from the cursor into dst, crossing chunk
// boundaries, and advances the cursor. It returns the number copied, which
// is short only when dst or the stream runs out.
func (w *ChunkWalker) CopyTo(dst []byte, n int) int {
	if n > len(dst) {
		n = len(dst)
	}
	copied := 0
	for copied < n && w.cur < len(w.chunks) {
		c := w.chunks[w.cur]
		k := copy(dst[copied:n], c[w.off:])
		copied += k
		w.off += k
		if w.off >= len(c) {
			w.cur++
			w.off = 0
		}
	}
	w.pos += copied
	return copied
}

// Bytes returns the whole stream as one slice in a single allocation and
// copy. The cursor is not used or moved.
func (w *ChunkWalker) Bytes() []byte {
	out := make([]byte, 0, w.total)
	for _, c := range w.chunks {
		out = append(out, c...)
	}
	return out
}
