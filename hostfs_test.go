package protectfs

import (
	"bytes"
	"testing"
)

func TestHostFileNodeRoundtrip(t *testing.T) {
	fs := newTestHost(t)
	h, err := openHostFile(fs, "/host.bin", false)
	if err != nil {
		t.Fatalf("openHostFile: %v", err)
	}
	defer h.Close()

	node := pattern(NodeSize)
	if err := h.WriteNode(3, node); err != nil {
		t.Fatalf("WriteNode: %v", err)
	}
	if err := h.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	size, err := h.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 4*NodeSize {
		t.Fatalf("size = %d, want %d", size, 4*NodeSize)
	}

	got := make([]byte, NodeSize)
	if err := h.ReadNode(3, got); err != nil {
		t.Fatalf("ReadNode: %v", err)
	}
	if !bytes.Equal(got, node) {
		t.Fatal("node roundtrip mismatch")
	}
}

func TestHostFileReadPastEnd(t *testing.T) {
	fs := newTestHost(t)
	h, err := openHostFile(fs, "/short.bin", false)
	if err != nil {
		t.Fatalf("openHostFile: %v", err)
	}
	defer h.Close()

	if err := h.ReadNode(5, make([]byte, NodeSize)); err == nil {
		t.Fatal("reading past end of host file succeeded")
	}
}

func TestHostFileReadOnlyRequiresExisting(t *testing.T) {
	fs := newTestHost(t)
	if _, err := openHostFile(fs, "/nope.bin", true); err == nil {
		t.Fatal("read-only open of a missing host file succeeded")
	}
}
