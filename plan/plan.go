// Package plan loads serialized execution plans from disk.
//
// An execution plan is an opaque binary blob, compiled offline for a specific
// device runtime. This package only moves bytes: it makes no attempt to parse
// the blob, that is the runtime's job when deserializing.
package plan

import (
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrNotFound is returned by Load when the plan file does not exist (or is
	// not a regular file). Test with errors.Is.
	ErrNotFound = errors.New("execution plan file not found")

	// ErrShortRead is returned by Load when the file yields fewer bytes than
	// its size announced.
	ErrShortRead = errors.New("short read of execution plan file")
)

// Load reads the whole execution plan at path into memory.
//
// Existence is checked before the file is opened, so a missing plan is
// reported as ErrNotFound rather than a generic open failure. The plan size
// is discovered by seeking to the end of the open file and back, and exactly
// that many bytes are read; anything less is an ErrShortRead.
func Load(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "path %q", path)
		}
		return nil, errors.Wrapf(err, "failed to check execution plan file %q", path)
	}
	if info.IsDir() {
		return nil, errors.Wrapf(ErrNotFound, "path %q is a directory", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open execution plan file %q", path)
	}
	defer func() { _ = f.Close() }()

	data, err := readAll(f, path)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("Loaded execution plan %q (%s)", path, humanize.Bytes(uint64(len(data))))
	return data, nil
}

// readAll discovers the plan size by seeking and reads it back in full.
func readAll(f io.ReadSeeker, path string) ([]byte, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find size of execution plan file %q", path)
	}
	if _, err = f.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrapf(err, "failed to rewind execution plan file %q", path)
	}
	data := make([]byte, size)
	n, err := io.ReadFull(f, data)
	if err != nil {
		return nil, errors.Wrapf(ErrShortRead, "got %d of %d bytes from %q: %v", n, size, path, err)
	}
	return data, nil
}
