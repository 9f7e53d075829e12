package fifo

import (
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestWriterNotReadyWithoutReader(t *testing.T) {
	t.Parallel()

	path, err := Make(t.TempDir(), "video.h264")
	if err != nil {
		t.Fatalf("Make: %v", err)
	}

	w := NewWriter(path)
	fd, ok, err := w.FD()
	if err != nil {
		t.Fatalf("FD: %v", err)
	}
	if ok || fd != -1 {
		t.Errorf("FD = (%d, %v), want (-1, false) with no reader", fd, ok)
	}
	if w.IsOpen() {
		t.Error("writer should not be open")
	}
	if n, err := w.Write([]byte("x")); n != 0 || err != nil {
		t.Errorf("Write on unopened = (%d, %v), want (0, nil)", n, err)
	}
}

func TestReaderWriterRoundTrip(t *testing.T) {
	t.Parallel()

	path, err := Make(t.TempDir(), "audio.raw")
	if err != nil {
		t.Fatalf("Make: %v", err)
	}

	r := NewReader(path)
	if _, ok, err := r.FD(); !ok || err != nil {
		t.Fatalf("reader FD = %v, %v; want open", ok, err)
	}
	defer r.Close()

	w := NewWriter(path)
	if _, ok, err := w.FD(); !ok || err != nil {
		t.Fatalf("writer FD = %v, %v; want open once a reader is attached", ok, err)
	}

	buf := make([]byte, 16)
	if n, err := r.Read(buf); n != 0 || err != nil {
		t.Errorf("Read on empty pipe = (%d, %v), want (0, nil)", n, err)
	}

	if n, err := w.Write([]byte("hello")); n != 5 || err != nil {
		t.Fatalf("Write = (%d, %v), want (5, nil)", n, err)
	}
	n, err := r.Read(buf)
	if err != nil || string(buf[:n]) != "hello" {
		t.Fatalf("Read = %q, %v; want hello", buf[:n], err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := r.Read(buf); !errors.Is(err, io.EOF) {
		t.Errorf("Read after writer close = %v, want io.EOF", err)
	}
}

func TestWriteAfterReaderGone(t *testing.T) {
	t.Parallel()

	path, err := Make(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	r := NewReader(path)
	if _, ok, _ := r.FD(); !ok {
		t.Fatal("reader did not open")
	}
	w := NewWriter(path)
	if _, ok, _ := w.FD(); !ok {
		t.Fatal("writer did not open")
	}
	defer w.Close()
	r.Close()

	_, err = w.Write([]byte("data"))
	if !errors.Is(err, unix.EPIPE) {
		t.Errorf("Write error = %v, want EPIPE", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	t.Parallel()

	path, err := Make(t.TempDir(), "p")
	if err != nil {
		t.Fatal(err)
	}
	r := NewReader(path)
	for i := 0; i < 3; i++ {
		if err := r.Close(); err != nil {
			t.Fatalf("Close #%d on unopened: %v", i, err)
		}
	}
	if _, ok, _ := r.FD(); !ok {
		t.Fatal("reader did not open")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if r.IsOpen() {
		t.Error("endpoint still open after Close")
	}
}

func TestWriterOpensWhenBlockingReaderArrives(t *testing.T) {
	t.Parallel()

	path, err := Make(t.TempDir(), "late")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan []byte, 1)
	go func() {
		f, err := os.Open(path) // blocks until a writer appears
		if err != nil {
			done <- nil
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		done <- b
	}()

	w := NewWriter(path)
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, ok, err := w.FD()
		if err != nil {
			t.Fatalf("FD: %v", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("writer never became ready")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := w.Write([]byte("frame")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.Close()

	select {
	case got := <-done:
		if string(got) != "frame" {
			t.Errorf("reader got %q, want frame", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not finish")
	}
}
