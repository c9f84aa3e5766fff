package qinet

import "testing"

func TestBufferAppendGrows(t *testing.T) {
	b := NewBuffer(0)
	b.Append([]byte("hello"))
	b.Append([]byte(" world"))
	if got, want := string(b.Bytes()), "hello world"; got != want {
		t.Fatalf("Bytes() = %q, want %q", got, want)
	}
	if b.Len() != len("hello world") {
		t.Fatalf("Len() = %d, want %d", b.Len(), len("hello world"))
	}
}

func TestBufferReserveDoesNotShrink(t *testing.T) {
	b := NewBuffer(4)
	b.Append([]byte("ab"))
	b.Reserve(100)
	if b.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", b.Len())
	}
	b.Append([]byte("cd"))
	if string(b.Bytes()) != "abcd" {
		t.Fatalf("Bytes() = %q, want %q", b.Bytes(), "abcd")
	}
}

func TestWrapBufferNoCopy(t *testing.T) {
	src := []byte("wrapped")
	b := WrapBuffer(src)
	if b.Len() != len(src) {
		t.Fatalf("Len() = %d, want %d", b.Len(), len(src))
	}
	src[0] = 'W'
	if b.Bytes()[0] != 'W' {
		t.Fatalf("WrapBuffer copied its input: Bytes() = %q", b.Bytes())
	}
}

func TestBufferCloneIndependent(t *testing.T) {
	b := NewBuffer(0)
	b.Append([]byte("original"))
	clone := b.Clone()
	clone.Append([]byte("-more"))
	if string(b.Bytes()) == string(clone.Bytes()) {
		t.Fatalf("Clone shares storage with original")
	}
	if string(b.Bytes()) != "original" {
		t.Fatalf("mutating clone affected original: %q", b.Bytes())
	}
}

func TestNilBufferBytes(t *testing.T) {
	var b *Buffer
	if b.Bytes() != nil {
		t.Fatalf("nil *Buffer.Bytes() should be nil")
	}
}
