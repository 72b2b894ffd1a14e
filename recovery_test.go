package protectfs

import (
	"bytes"
	"os"
	"testing"
)

func TestRecoveryPath(t *testing.T) {
	if got := RecoveryPath("/a/b.pfs"); got != "/a/b.pfs_recovery" {
		t.Fatalf("RecoveryPath = %q", got)
	}
}

func TestJournalRoundtrip(t *testing.T) {
	fs := newTestHost(t)

	j, err := createRecoveryFile(fs, "/x_recovery")
	if err != nil {
		t.Fatalf("createRecoveryFile: %v", err)
	}
	node2 := bytes.Repeat([]byte{0xAB}, NodeSize)
	node5 := bytes.Repeat([]byte{0xCD}, NodeSize)
	if err := j.WriteRecord(2, node2); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if err := j.WriteRecord(5, node5); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if err := j.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got []uint64
	err = readRecoveryRecords(fs, "/x_recovery", func(phys uint64, ct []byte) error {
		got = append(got, phys)
		want := node2
		if phys == 5 {
			want = node5
		}
		if !bytes.Equal(ct, want) {
			t.Fatalf("record %d content mismatch", phys)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("readRecoveryRecords: %v", err)
	}
	if len(got) != 2 || got[0] != 2 || got[1] != 5 {
		t.Fatalf("records = %v", got)
	}
}

func TestJournalPartialRecordRejected(t *testing.T) {
	fs := newTestHost(t)

	f, err := fs.OpenFile("/bad_recovery", os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.Write(make([]byte, recoveryNodeSize+100)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()

	err = readRecoveryRecords(fs, "/bad_recovery", func(uint64, []byte) error { return nil })
	if Code(err) != CodeNotSupported {
		t.Fatalf("partial record: %v", err)
	}
}

func TestRecoverReplaysJournal(t *testing.T) {
	fs := newTestHost(t)

	// A fake host file of four nodes, then a journal holding older
	// content for nodes 0 and 2.
	current := pattern(4 * NodeSize)
	f, err := fs.OpenFile("/r.pfs", os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.Write(current); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()

	old0 := bytes.Repeat([]byte{0x11}, NodeSize)
	old2 := bytes.Repeat([]byte{0x22}, NodeSize)
	j, err := createRecoveryFile(fs, RecoveryPath("/r.pfs"))
	if err != nil {
		t.Fatalf("createRecoveryFile: %v", err)
	}
	j.WriteRecord(0, old0)
	j.WriteRecord(2, old2)
	// A record past the end of file is skipped, not an error.
	j.WriteRecord(9, old0)
	j.Flush()
	j.Close()

	if err := Recover(fs, "/r.pfs"); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	h, err := fs.OpenFile("/r.pfs", os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer h.Close()
	got := make([]byte, 4*NodeSize)
	if _, err := h.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got[:NodeSize], old0) {
		t.Fatal("node 0 not rolled back")
	}
	if !bytes.Equal(got[NodeSize:2*NodeSize], current[NodeSize:2*NodeSize]) {
		t.Fatal("node 1 should be untouched")
	}
	if !bytes.Equal(got[2*NodeSize:3*NodeSize], old2) {
		t.Fatal("node 2 not rolled back")
	}

	if hostExists(fs, RecoveryPath("/r.pfs")) {
		t.Fatal("journal not removed after recovery")
	}
}

func TestRemoveDeletesFileAndJournal(t *testing.T) {
	fs := newTestHost(t)
	createWith(t, fs, "/gone.pfs", pattern(100))

	j, err := createRecoveryFile(fs, RecoveryPath("/gone.pfs"))
	if err != nil {
		t.Fatalf("createRecoveryFile: %v", err)
	}
	j.WriteRecord(0, make([]byte, NodeSize))
	j.Close()

	if err := Remove(fs, "/gone.pfs"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if hostExists(fs, "/gone.pfs") || hostExists(fs, RecoveryPath("/gone.pfs")) {
		t.Fatal("Remove left artifacts behind")
	}
}
