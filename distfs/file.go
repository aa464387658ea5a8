package distfs

import (
	"bytes"
	"io"
	"os"
	"sync/atomic"
)

// File is a received file served from memory.
type File struct {
	name   string
	r      *bytes.Reader
	closed atomic.Bool
}

var (
	_ io.ReadSeeker = (*File)(nil)
	_ io.ReaderAt   = (*File)(nil)
)

func newFile(name string, content []byte) *File {
	return &File{name: name, r: bytes.NewReader(content)}
}

func (f *File) Name() string { return f.name }

func (f *File) Size() int64 { return f.r.Size() }

func (f *File) Read(p []byte) (int, error) {
	if f.closed.Load() {
		return 0, os.ErrClosed
	}
	return f.r.Read(p)
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.closed.Load() {
		return 0, os.ErrClosed
	}
	return f.r.ReadAt(p, off)
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	if f.closed.Load() {
		return 0, os.ErrClosed
	}
	return f.r.Seek(offset, whence)
}

// Close releases the handle. The content stays with the Receiver.
func (f *File) Close() error {
	f.closed.Store(true)
	return nil
}
