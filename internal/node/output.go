package node

import (
	"io"
	"reflect"
	"sync"
)

// SyncWriter serializes writes to a shared build console. Script output and
// log records written through the same SyncWriter never interleave within a
// single Write.
type SyncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewSyncWriter wraps w. A nil w discards output, and a w that is already a
// SyncWriter is returned as is.
func NewSyncWriter(w io.Writer) *SyncWriter {
	if sw, ok := w.(*SyncWriter); ok {
		return sw
	}
	return &SyncWriter{w: writerOrDiscard(w)}
}

func (s *SyncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// launchWriters returns the writers for a process's stdout and stderr. A
// writer shared by both streams is serialized once.
func launchWriters(stdout, stderr io.Writer) (io.Writer, io.Writer) {
	if sameWriter(stdout, stderr) {
		shared := NewSyncWriter(stdout)
		return shared, shared
	}
	return writerOrDiscard(stdout), writerOrDiscard(stderr)
}

func sameWriter(a, b io.Writer) bool {
	if a == nil || b == nil || reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	return reflect.TypeOf(a).Comparable() && a == b
}
