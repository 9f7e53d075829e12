// Package fifo wraps named pipes with lazily opened, non-blocking handles.
//
// The write side of a FIFO cannot be opened non-blocking until a reader has
// attached; the open fails with ENXIO. Endpoint reports that as "not ready"
// instead of an error so callers can retry on their next loop iteration.
package fifo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Make creates a named pipe called name inside dir and returns its path.
func Make(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return "", fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return path, nil
}

// Mode selects the side of the pipe an Endpoint opens.
type Mode int

const (
	Read Mode = iota
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

// Endpoint is one side of a named pipe. It is not safe for concurrent use;
// the owning loop drives it from a single goroutine.
type Endpoint struct {
	path string
	mode Mode
	fd   int
}

// NewReader returns an unopened read endpoint for path.
func NewReader(path string) *Endpoint {
	return &Endpoint{path: path, mode: Read, fd: -1}
}

// NewWriter returns an unopened write endpoint for path.
func NewWriter(path string) *Endpoint {
	return &Endpoint{path: path, mode: Write, fd: -1}
}

// Path returns the filesystem path of the pipe.
func (e *Endpoint) Path() string { return e.path }

// Mode returns the side this endpoint opens.
func (e *Endpoint) Mode() Mode { return e.mode }

// IsOpen reports whether the endpoint currently holds a descriptor.
func (e *Endpoint) IsOpen() bool { return e.fd >= 0 }

// FD returns the descriptor, opening the pipe first if needed. ok is false
// while the peer is not attached yet; err is set only for real failures.
func (e *Endpoint) FD() (fd int, ok bool, err error) {
	if e.fd >= 0 {
		return e.fd, true, nil
	}
	flags := unix.O_NONBLOCK | unix.O_CLOEXEC
	if e.mode == Write {
		flags |= unix.O_WRONLY
	} else {
		flags |= unix.O_RDONLY
	}
	for {
		fd, err = unix.Open(e.path, flags, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		break
	}
	if errors.Is(err, unix.ENXIO) {
		return -1, false, nil
	}
	if err != nil {
		return -1, false, &os.PathError{Op: "open " + e.mode.String(), Path: e.path, Err: err}
	}
	e.fd = fd
	return fd, true, nil
}

// Read reads available bytes without blocking. It returns (0, nil) when
// nothing is buffered and io.EOF once no writer holds the pipe open.
func (e *Endpoint) Read(p []byte) (int, error) {
	if e.fd < 0 {
		return 0, nil
	}
	n, err := unix.Read(e.fd, p)
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, nil
	case err != nil:
		return 0, &os.PathError{Op: "read", Path: e.path, Err: err}
	case n == 0 && len(p) > 0:
		return 0, io.EOF
	}
	return n, nil
}

// Write writes without blocking. A full pipe yields (0, nil). Writes of at
// most PIPE_BUF bytes are atomic. A vanished reader yields an error wrapping
// unix.EPIPE.
func (e *Endpoint) Write(p []byte) (int, error) {
	if e.fd < 0 {
		return 0, nil
	}
	n, err := unix.Write(e.fd, p)
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, nil
	case err != nil:
		return 0, &os.PathError{Op: "write", Path: e.path, Err: err}
	}
	return n, nil
}

// Close releases the descriptor. It is a no-op on an unopened or already
// closed endpoint; a later FD call reopens the pipe.
func (e *Endpoint) Close() error {
	if e.fd < 0 {
		return nil
	}
	fd := e.fd
	e.fd = -1
	if err := unix.Close(fd); err != nil {
		return &os.PathError{Op: "close", Path: e.path, Err: err}
	}
	return nil
}
