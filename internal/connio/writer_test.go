// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package connio

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestWriterPreservesOrder(t *testing.T) {
	dst := &syncBuffer{}
	w := NewWriter(dst, nil)

	w.Enqueue([]byte("hello "))
	w.Enqueue([]byte("world"))
	w.Close()

	assert.Eventually(t, func() bool {
		return dst.String() == "hello world"
	}, time.Second, time.Millisecond)
}

type erroringWriter struct{}

func (erroringWriter) Write([]byte) (int, error) { return 0, assert.AnError }

func TestWriterReportsFirstError(t *testing.T) {
	var gotErr error
	var mu sync.Mutex
	w := NewWriter(erroringWriter{}, func(err error) {
		mu.Lock()
		defer mu.Unlock()
		gotErr = err
	})

	w.Enqueue([]byte("x"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotErr != nil
	}, time.Second, time.Millisecond)
}
