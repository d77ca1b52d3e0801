package transfer

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// RangeWriter is the write capability handed to transfer workers. Workers
// never hold the underlying file.
type RangeWriter interface {
	WriteAt(p []byte, off int64) (int, error)
}

// lockedFile serializes the seek-then-write pair on a shared file handle.
type lockedFile struct {
	mu sync.Mutex
	f  *os.File
}

func newLockedFile(f *os.File) *lockedFile {
	return &lockedFile{f: f}
}

func (w *lockedFile) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return w.f.Write(p)
}

// sectionWriter streams sequential writes into [off, limit) of a RangeWriter.
type sectionWriter struct {
	dst      RangeWriter
	off      int64
	limit    int64
	progress Progress
}

func (w *sectionWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > w.limit-w.off {
		return 0, fmt.Errorf("range overflow: %d bytes past offset %d", int64(len(p))-(w.limit-w.off), w.limit)
	}
	n, err := w.dst.WriteAt(p, w.off)
	w.off += int64(n)
	if n > 0 {
		w.progress.Add64(int64(n))
	}
	return n, err
}
