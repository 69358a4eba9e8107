package sandbox

import (
	"bytes"
	"io"
	"sync"
)

// defaultMaxOutputBytes caps each of stdout and stderr.
const defaultMaxOutputBytes = 1 << 20

// limitedBuffer collects at most limit bytes. Excess data is discarded
// without error so a chatty child never blocks on a full pipe.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	remaining int
	truncated bool
}

var _ io.Writer = (*limitedBuffer)(nil)

func newLimitedBuffer(limit int) *limitedBuffer {
	if limit <= 0 {
		limit = defaultMaxOutputBytes
	}
	return &limitedBuffer{remaining: limit}
}

func (lb *limitedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	n := len(p)
	if lb.remaining <= 0 {
		lb.truncated = lb.truncated || n > 0
		return n, nil
	}
	if len(p) > lb.remaining {
		p = p[:lb.remaining]
		lb.truncated = true
	}
	w, _ := lb.buf.Write(p)
	lb.remaining -= w
	return n, nil
}

// Bytes returns a copy of the collected output.
func (lb *limitedBuffer) Bytes() []byte {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return bytes.Clone(lb.buf.Bytes())
}

func (lb *limitedBuffer) Truncated() bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.truncated
}
