package logging

import (
	"fmt"
	"testing"
	"time"
)

func entry(source, msg string) AppLogEntry {
	return AppLogEntry{Timestamp: time.Now(), Level: "info", Source: source, Message: msg}
}

func TestRingBufferWrapAround(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 5; i++ {
		rb.Add(entry("panel", fmt.Sprintf("msg-%d", i)))
	}

	if rb.Count() != 3 {
		t.Fatalf("Count = %d, want 3", rb.Count())
	}

	all := rb.GetAll()
	want := []string{"msg-2", "msg-3", "msg-4"}
	for i, w := range want {
		if all[i].Message != w {
			t.Errorf("GetAll[%d] = %q, want %q", i, all[i].Message, w)
		}
	}
}

func TestRingBufferGetLast(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 0; i < 4; i++ {
		rb.Add(entry("agent", fmt.Sprintf("m%d", i)))
	}

	last := rb.GetLast(2)
	if len(last) != 2 || last[0].Message != "m2" || last[1].Message != "m3" {
		t.Errorf("GetLast(2) = %v", last)
	}

	// Asking for more than stored returns everything.
	if got := rb.GetLast(100); len(got) != 4 {
		t.Errorf("GetLast(100) len = %d, want 4", len(got))
	}
}

func TestRingBufferGetBySource(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Add(entry("panel", "a"))
	rb.Add(entry("agent", "b"))
	rb.Add(entry("panel", "c"))

	got := rb.GetBySource("panel", 0)
	if len(got) != 2 || got[0].Message != "a" || got[1].Message != "c" {
		t.Errorf("GetBySource = %v", got)
	}

	if got := rb.GetBySource("panel", 1); len(got) != 1 {
		t.Errorf("limit not applied: %v", got)
	}
}

func TestRingBufferClear(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Add(entry("panel", "x"))
	rb.Clear()
	if rb.Count() != 0 || len(rb.GetAll()) != 0 {
		t.Error("Clear did not empty buffer")
	}
}
