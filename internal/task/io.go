package task

import (
	"context"
	"errors"
	"io"
)

// ChunkSize is the unit of work between checkpoints when copying streams.
const ChunkSize = 32 * 1024

// Copy copies src to dst in chunks, calling t.Checkpoint before each read and
// advancing t by the bytes written. A nil t only honours ctx.
func Copy(ctx context.Context, t *Task, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, ChunkSize)
	var written int64
	for {
		if t != nil {
			if err := t.Checkpoint(ctx); err != nil {
				return written, err
			}
		} else if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if t != nil {
				t.Advance(int64(w))
			}
			if werr != nil {
				return written, werr
			}
			if w != n {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, rerr
		}
	}
}
