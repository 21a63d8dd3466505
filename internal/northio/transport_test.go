package northio

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestReadSkipsBlankLinesAndStripsCR(t *testing.T) {
	input := "\n{\"a\":1}\r\n\n{\"b\":2}\n"
	tr := New(strings.NewReader(input), &bytes.Buffer{})

	first, err := tr.Read()
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if string(first) != `{"a":1}` {
		t.Errorf("first = %q", first)
	}

	second, err := tr.Read()
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if string(second) != `{"b":2}` {
		t.Errorf("second = %q", second)
	}

	if _, err := tr.Read(); !errors.Is(err, ErrNoMoreMessages) {
		t.Fatalf("expected ErrNoMoreMessages, got %v", err)
	}
}

func TestWriteAppendsNewline(t *testing.T) {
	var buf bytes.Buffer
	tr := New(strings.NewReader(""), &buf)
	if err := tr.Write([]byte(`{"x":1}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.String() != "{\"x\":1}\n" {
		t.Errorf("got %q", buf.String())
	}
}

func TestReadRejectsOverlongLine(t *testing.T) {
	huge := strings.Repeat("a", MaxLineSize+1)
	tr := New(strings.NewReader(huge+"\n"), &bytes.Buffer{})
	if _, err := tr.Read(); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
}

func TestConcurrentWritesAreAtomic(t *testing.T) {
	var buf bytes.Buffer
	tr := New(strings.NewReader(""), &buf)

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func() {
			_ = tr.Write([]byte(`{"payload":"0123456789"}`))
			done <- struct{}{}
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 20 {
		t.Fatalf("expected 20 interleaved-free lines, got %d: %v", len(lines), lines)
	}
	for _, l := range lines {
		if l != `{"payload":"0123456789"}` {
			t.Errorf("corrupted line: %q", l)
		}
	}
}
