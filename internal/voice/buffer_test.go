package voice

import "testing"

func TestTranscriptBuffer(t *testing.T) {
	b := NewTranscriptBuffer()
	b.Append("a", "hel")
	b.Append("a", "lo")
	b.Append("b", "")
	b.Append("b", "yo")

	snap := b.Drain()
	if snap["a"] != "hello" || snap["b"] != "yo" || len(snap) != 2 {
		t.Fatalf("unexpected snapshot: %#v", snap)
	}
	if b.Len() != 0 {
		t.Fatalf("drain left %d entries", b.Len())
	}

	b.Append("a", " world")
	b.Requeue("a", "hello")
	if got := b.Peek("a"); got != "hello world" {
		t.Fatalf("requeue order: got %q", got)
	}

	b.Remove("a")
	if b.Peek("a") != "" {
		t.Fatalf("remove kept text")
	}
}
