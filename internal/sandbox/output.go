package sandbox

import "io"

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is discarded, not reported as an error, so a chatty module
// cannot fail on a full buffer or exhaust host memory.
type limitedWriter struct {
	w         io.Writer
	remaining int
	dropped   int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	if lw.remaining <= 0 {
		lw.dropped += total
		return total, nil
	}
	if len(p) > lw.remaining {
		lw.dropped += len(p) - lw.remaining
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	return total, nil
}

// truncated reports whether any output was discarded.
func (lw *limitedWriter) truncated() bool { return lw.dropped > 0 }
