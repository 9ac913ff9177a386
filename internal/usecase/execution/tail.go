package execution

import (
	"vmrelay/internal/domain"
)

// outputTail keeps the most recent chunks of a session, bounded by total data
// bytes. It backs polling reads; live listeners never read from it.
// Callers hold the owning session's lock.
type outputTail struct {
	chunks []domain.OutputChunk
	size   int
	max    int
}

func newOutputTail(maxBytes int) *outputTail {
	return &outputTail{max: maxBytes}
}

func (t *outputTail) add(c domain.OutputChunk) {
	if t.max <= 0 {
		return
	}
	t.chunks = append(t.chunks, c)
	t.size += len(c.Data)
	// Always keep the newest chunk, even if it alone exceeds the bound.
	for t.size > t.max && len(t.chunks) > 1 {
		t.size -= len(t.chunks[0].Data)
		t.chunks[0] = domain.OutputChunk{}
		t.chunks = t.chunks[1:]
	}
}

// since returns copies of the retained chunks with Sequence > after.
func (t *outputTail) since(after uint64) []domain.OutputChunk {
	out := make([]domain.OutputChunk, 0, len(t.chunks))
	for _, c := range t.chunks {
		if c.Sequence > after {
			out = append(out, c)
		}
	}
	return out
}

// firstSequence is the sequence of the oldest retained chunk, or 0 when empty.
func (t *outputTail) firstSequence() uint64 {
	if len(t.chunks) == 0 {
		return 0
	}
	return t.chunks[0].Sequence
}
