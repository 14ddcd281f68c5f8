package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

// Writer wait bounds. The wait halves after every received result and
// doubles after every empty wait.
const (
	writerInitialWait = 100 * time.Millisecond
	writerMinWait     = 10 * time.Millisecond
	writerMaxWait     = time.Second
)

// segmentResult is a worker's outcome for one segment. A missing result
// carries no data and still advances the writer.
type segmentResult struct {
	index   int
	data    []byte
	missing bool
}

// orderedWriter is the only owner of a track's output file. It writes
// segments strictly in index order and remembers where each one landed.
type orderedWriter struct {
	f        *os.File
	path     string
	total    int
	expected int
	pending  map[int]segmentResult

	offsets []int64
	sizes   []int64
	written int64
	missing []bool
}

func newOrderedWriter(path string, total int) (*orderedWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create track file: %w", err)
	}
	return &orderedWriter{
		f:       f,
		path:    path,
		total:   total,
		pending: make(map[int]segmentResult),
		offsets: make([]int64, total),
		sizes:   make([]int64, total),
		missing: make([]bool, total),
	}, nil
}

// run consumes results until every index has been written, the channel is
// closed, or ctx is done and the queue came up empty. done is closed on
// return so blocked senders can give up.
func (w *orderedWriter) run(ctx context.Context, results <-chan segmentResult, done chan<- struct{}) error {
	defer close(done)

	wait := writerInitialWait
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for w.expected < w.total {
		select {
		case r, ok := <-results:
			if !ok {
				return nil
			}
			if err := w.accept(r); err != nil {
				return err
			}
			wait = max(wait/2, writerMinWait)
		case <-timer.C:
			wait = min(wait*2, writerMaxWait)
			if ctx.Err() != nil {
				return w.drain(results)
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
	return nil
}

// drain accepts whatever is already queued without waiting for more.
func (w *orderedWriter) drain(results <-chan segmentResult) error {
	for w.expected < w.total {
		select {
		case r, ok := <-results:
			if !ok {
				return nil
			}
			if err := w.accept(r); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

func (w *orderedWriter) accept(r segmentResult) error {
	if r.index < w.expected || r.index >= w.total {
		return nil
	}
	if _, dup := w.pending[r.index]; dup {
		return nil
	}
	w.pending[r.index] = r

	for {
		next, ok := w.pending[w.expected]
		if !ok {
			return nil
		}
		delete(w.pending, w.expected)
		if err := w.write(next); err != nil {
			return err
		}
		w.expected++
	}
}

func (w *orderedWriter) write(r segmentResult) error {
	w.offsets[r.index] = w.written
	if r.missing {
		w.missing[r.index] = true
		return nil
	}
	n, err := w.f.Write(r.data)
	if err != nil {
		return fmt.Errorf("write segment %d: %w", r.index, err)
	}
	w.sizes[r.index] = int64(n)
	w.written += int64(n)
	return nil
}

// holes returns every index that has no bytes in the file: missing
// sentinels plus indices never received.
func (w *orderedWriter) holes() []int {
	var out []int
	for i := 0; i < w.total; i++ {
		if i >= w.expected || w.missing[i] {
			out = append(out, i)
		}
	}
	return out
}

func (w *orderedWriter) close() error {
	return w.f.Close()
}

// splice rewrites the closed output file with recovered segments inserted
// at their original positions. The rewrite streams through a temporary
// file that replaces the original on success.
func (w *orderedWriter) splice(recovered map[int][]byte) error {
	if len(recovered) == 0 {
		return nil
	}

	src, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("open track file: %w", err)
	}
	defer src.Close()

	tmpPath := w.path + ".splice"
	dst, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create splice file: %w", err)
	}

	var written int64
	for i := 0; i < w.total; i++ {
		offset := written
		if data, ok := recovered[i]; ok {
			if _, err := dst.Write(data); err != nil {
				dst.Close()
				os.Remove(tmpPath)
				return fmt.Errorf("splice segment %d: %w", i, err)
			}
			w.sizes[i] = int64(len(data))
			w.missing[i] = false
		} else if w.sizes[i] > 0 {
			if _, err := io.Copy(dst, io.NewSectionReader(src, w.offsets[i], w.sizes[i])); err != nil {
				dst.Close()
				os.Remove(tmpPath)
				return fmt.Errorf("copy segment %d: %w", i, err)
			}
		}
		w.offsets[i] = offset
		written += w.sizes[i]
	}

	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close splice file: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace track file: %w", err)
	}
	w.written = written
	return nil
}
