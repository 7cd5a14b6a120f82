package node

import (
	"bytes"
	"testing"
)

func TestInputBuffer_AppendConsume(t *testing.T) {
	var b inputBuffer
	b.append([]byte("hello "))
	b.append([]byte("world"))
	if got := string(b.bytes()); got != "hello world" {
		t.Fatalf("bytes() = %q", got)
	}
	b.consume(6)
	if got := string(b.bytes()); got != "world" {
		t.Fatalf("bytes() after consume = %q", got)
	}
	b.consume(5)
	if b.len() != 0 || b.start != 0 || b.end != 0 {
		t.Errorf("expected reset buffer, got start=%d end=%d", b.start, b.end)
	}
}

func TestInputBuffer_GrowsGeometrically(t *testing.T) {
	var b inputBuffer
	b.append(make([]byte, 100))
	if len(b.buf) != bufferChunk {
		t.Fatalf("initial capacity = %d, want %d", len(b.buf), bufferChunk)
	}
	b.append(make([]byte, bufferChunk))
	if len(b.buf) != 2*bufferChunk {
		t.Errorf("capacity after overflow = %d, want %d", len(b.buf), 2*bufferChunk)
	}
	b.append(make([]byte, 5*bufferChunk))
	if len(b.buf)%bufferChunk != 0 || len(b.buf) < 100+6*bufferChunk {
		t.Errorf("capacity = %d, want a multiple of %d holding all data", len(b.buf), bufferChunk)
	}
}

func TestInputBuffer_CompactsBeforeGrowing(t *testing.T) {
	var b inputBuffer
	b.append(bytes.Repeat([]byte{1}, bufferChunk-10))
	b.consume(bufferChunk - 20)
	b.append(bytes.Repeat([]byte{2}, 100))
	if len(b.buf) != bufferChunk {
		t.Errorf("capacity = %d, want %d after compaction", len(b.buf), bufferChunk)
	}
	want := append(bytes.Repeat([]byte{1}, 10), bytes.Repeat([]byte{2}, 100)...)
	if !bytes.Equal(b.bytes(), want) {
		t.Errorf("data corrupted by compaction")
	}
}

func TestOutputBuffer(t *testing.T) {
	var o outputBuffer
	o.push([]byte("ab"))
	o.push([]byte("cde"))
	if o.size != 5 {
		t.Errorf("size = %d, want 5", o.size)
	}
	q := o.take()
	if len(q) != 2 || string(q[1]) != "cde" {
		t.Errorf("take() = %q", q)
	}
	if len(o.take()) != 0 {
		t.Errorf("expected empty queue after take")
	}
	o.push([]byte("x"))
	o.reset()
	if len(o.take()) != 0 || o.size != 0 {
		t.Errorf("expected empty queue after reset")
	}
}
