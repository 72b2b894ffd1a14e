package protectfs

import (
	"bytes"
	"io"
	"testing"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
)

func newTestHost(t testing.TB) absfs.FileSystem {
	t.Helper()
	fs, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("memfs.NewFS: %v", err)
	}
	return fs
}

func testConfig() *Config {
	return &Config{Sealer: NewStaticSealer(testKey(0x55))}
}

// pattern fills n bytes with a position-dependent sequence so any
// misplaced or stale byte shows up in comparison.
func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i*31 + 7) % 251)
	}
	return b
}

func createWith(t testing.TB, fs absfs.FileSystem, path string, content []byte) {
	t.Helper()
	f, err := Create(fs, path, AutoKey(), testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(content) > 0 {
		if _, err := f.Write(content); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func readBack(t testing.TB, fs absfs.FileSystem, path string, n int) []byte {
	t.Helper()
	f, err := Open(fs, path, OpenOptions{Read: true}, AutoKey(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	got := make([]byte, n)
	if _, err := io.ReadFull(f, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	return got
}

func TestCreateWriteReadBack(t *testing.T) {
	fs := newTestHost(t)
	content := pattern(10000)
	createWith(t, fs, "/data.pfs", content)

	f, err := Open(fs, "/data.pfs", OpenOptions{Read: true}, AutoKey(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if got := f.FileSize(); got != int64(len(content)) {
		t.Fatalf("FileSize = %d, want %d", got, len(content))
	}
	if got := f.FileName(); got != "data.pfs" {
		t.Fatalf("FileName = %q, want %q", got, "data.pfs")
	}

	got := make([]byte, len(content))
	if _, err := io.ReadFull(f, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("content mismatch after reopen")
	}
}

func TestInlineBoundary(t *testing.T) {
	fs := newTestHost(t)
	// Straddle the inline metadata region: bytes on both sides of 3072.
	content := pattern(MDUserDataSize + 100)
	createWith(t, fs, "/boundary.pfs", content)

	got := readBack(t, fs, "/boundary.pfs", len(content))
	if !bytes.Equal(got, content) {
		t.Fatal("content mismatch across inline boundary")
	}

	f, err := Open(fs, "/boundary.pfs", OpenOptions{Read: true}, AutoKey(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	one := make([]byte, 1)
	for _, off := range []int64{0, MDUserDataSize - 1, MDUserDataSize, MDUserDataSize + 1} {
		if _, err := f.ReadAt(one, off); err != nil {
			t.Fatalf("ReadAt(%d): %v", off, err)
		}
		if one[0] != content[off] {
			t.Fatalf("byte at %d = %#x, want %#x", off, one[0], content[off])
		}
	}
}

func TestInlineOnlyFileIsSingleNode(t *testing.T) {
	fs := newTestHost(t)
	createWith(t, fs, "/tiny.pfs", pattern(1000))

	info, err := fs.Stat("/tiny.pfs")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != NodeSize {
		t.Fatalf("host size = %d, want %d (metadata node only)", info.Size(), NodeSize)
	}
	if got := readBack(t, fs, "/tiny.pfs", 1000); !bytes.Equal(got, pattern(1000)) {
		t.Fatal("content mismatch")
	}
}

func TestSeekAndTell(t *testing.T) {
	fs := newTestHost(t)
	content := pattern(5000)
	createWith(t, fs, "/seek.pfs", content)

	f, err := Open(fs, "/seek.pfs", OpenOptions{Read: true}, AutoKey(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if pos, err := f.Seek(100, io.SeekStart); err != nil || pos != 100 {
		t.Fatalf("SeekStart: pos=%d err=%v", pos, err)
	}
	if pos, err := f.Seek(50, io.SeekCurrent); err != nil || pos != 150 {
		t.Fatalf("SeekCurrent: pos=%d err=%v", pos, err)
	}
	if pos, err := f.Seek(-1000, io.SeekEnd); err != nil || pos != 4000 {
		t.Fatalf("SeekEnd: pos=%d err=%v", pos, err)
	}
	if f.Tell() != 4000 {
		t.Fatalf("Tell = %d", f.Tell())
	}

	one := make([]byte, 1)
	if _, err := f.Read(one); err != nil || one[0] != content[4000] {
		t.Fatalf("read after seek: %#x err=%v", one[0], err)
	}

	if _, err := f.Seek(-1, io.SeekStart); Code(err) != CodeInvalidParameter {
		t.Fatalf("negative seek: %v", err)
	}
	if _, err := f.Seek(100000, io.SeekStart); Code(err) != CodeInvalidParameter {
		t.Fatalf("seek past end: %v", err)
	}
	if _, err := f.Seek(1, io.SeekEnd); Code(err) != CodeInvalidParameter {
		t.Fatalf("SeekEnd past end: %v", err)
	}
	// Seeking exactly to the end is the boundary case that must pass.
	if pos, err := f.Seek(0, io.SeekEnd); err != nil || pos != 5000 {
		t.Fatalf("seek to end: pos=%d err=%v", pos, err)
	}
	if _, err := f.Read(one); err != io.EOF {
		t.Fatalf("read at end: %v, want io.EOF", err)
	}
}

func TestAppendMode(t *testing.T) {
	fs := newTestHost(t)
	createWith(t, fs, "/log.pfs", []byte("first|"))

	f, err := Open(fs, "/log.pfs", OpenOptions{Append: true}, AutoKey(), testConfig())
	if err != nil {
		t.Fatalf("Open append: %v", err)
	}
	if f.Tell() != 6 {
		t.Fatalf("append open offset = %d, want 6", f.Tell())
	}
	if _, err := f.Write([]byte("second")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := readBack(t, fs, "/log.pfs", 12)
	if string(got) != "first|second" {
		t.Fatalf("content = %q", got)
	}
}

func TestAppendUpdateReadsFromStart(t *testing.T) {
	fs := newTestHost(t)
	createWith(t, fs, "/log.pfs", []byte("first|"))

	// "a+" starts reading at offset 0; writes still go to end of file.
	f, err := Open(fs, "/log.pfs", OpenOptions{Append: true, Update: true}, AutoKey(), testConfig())
	if err != nil {
		t.Fatalf("Open a+: %v", err)
	}
	if f.Tell() != 0 {
		t.Fatalf("a+ open offset = %d, want 0", f.Tell())
	}
	head := make([]byte, 6)
	if _, err := f.Read(head); err != nil || string(head) != "first|" {
		t.Fatalf("read head: %q err=%v", head, err)
	}
	if _, err := f.Write([]byte("second")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := readBack(t, fs, "/log.pfs", 12)
	if string(got) != "first|second" {
		t.Fatalf("content = %q", got)
	}
}

func TestReadAtWriteAt(t *testing.T) {
	fs := newTestHost(t)
	f, err := Create(fs, "/at.pfs", AutoKey(), testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	if _, err := f.Write(pattern(8192)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	before := f.Tell()

	if _, err := f.WriteAt([]byte("patched"), 4000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if f.Tell() != before {
		t.Fatal("WriteAt moved the file offset")
	}

	got := make([]byte, 7)
	if _, err := f.ReadAt(got, 4000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "patched" {
		t.Fatalf("ReadAt = %q", got)
	}
	if f.Tell() != before {
		t.Fatal("ReadAt moved the file offset")
	}

	// ReadAt short of the request reports io.EOF per io.ReaderAt.
	long := make([]byte, 100)
	n, err := f.ReadAt(long, 8190)
	if n != 2 || err != io.EOF {
		t.Fatalf("short ReadAt: n=%d err=%v", n, err)
	}
}

func TestWriteModeTruncates(t *testing.T) {
	fs := newTestHost(t)
	createWith(t, fs, "/trunc.pfs", pattern(50000))

	f, err := Open(fs, "/trunc.pfs", OpenOptions{Write: true}, AutoKey(), testConfig())
	if err != nil {
		t.Fatalf("Open write: %v", err)
	}
	if f.FileSize() != 0 {
		t.Fatalf("size after write-mode open = %d, want 0", f.FileSize())
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestAccessModeEnforcement(t *testing.T) {
	fs := newTestHost(t)
	createWith(t, fs, "/acc.pfs", pattern(100))

	r, err := Open(fs, "/acc.pfs", OpenOptions{Read: true}, AutoKey(), testConfig())
	if err != nil {
		t.Fatalf("Open read: %v", err)
	}
	if _, err := r.Write([]byte("x")); Code(err) != CodeAccessDenied {
		t.Fatalf("write on read-only file: %v", err)
	}
	r.Close()

	w, err := Open(fs, "/acc.pfs", OpenOptions{Append: true}, AutoKey(), testConfig())
	if err != nil {
		t.Fatalf("Open append: %v", err)
	}
	if _, err := w.Read(make([]byte, 1)); Code(err) != CodeAccessDenied {
		t.Fatalf("read on write-only file: %v", err)
	}
	w.Close()

	if _, err := Open(fs, "/acc.pfs", OpenOptions{Read: true, Write: true}, AutoKey(), testConfig()); Code(err) != CodeInvalidParameter {
		t.Fatalf("conflicting modes: %v", err)
	}
}

func TestEOFFlag(t *testing.T) {
	fs := newTestHost(t)
	createWith(t, fs, "/eof.pfs", pattern(10))

	f, err := Open(fs, "/eof.pfs", OpenOptions{Read: true}, AutoKey(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	buf := make([]byte, 20)
	n, err := f.Read(buf)
	if n != 10 || err != nil {
		t.Fatalf("Read: n=%d err=%v", n, err)
	}
	if !f.IsEOF() {
		t.Fatal("EOF flag not set after short read")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if f.IsEOF() {
		t.Fatal("Seek did not clear the EOF flag")
	}
}

func TestSetLen(t *testing.T) {
	fs := newTestHost(t)
	content := pattern(20000)
	f, err := Create(fs, "/len.pfs", AutoKey(), testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(content); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Shrink, then grow back: the reclaimed range must read as zeroes.
	if err := f.SetLen(6000); err != nil {
		t.Fatalf("SetLen shrink: %v", err)
	}
	if f.FileSize() != 6000 {
		t.Fatalf("size = %d, want 6000", f.FileSize())
	}
	if err := f.SetLen(20000); err != nil {
		t.Fatalf("SetLen grow: %v", err)
	}

	got := make([]byte, 20000)
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got[:6000], content[:6000]) {
		t.Fatal("surviving prefix changed")
	}
	if !bytes.Equal(got[6000:], make([]byte, 14000)) {
		t.Fatal("regrown range is not zeroed")
	}
}

func TestWriteBeyondEOFZeroFills(t *testing.T) {
	fs := newTestHost(t)
	f, err := Create(fs, "/gap.pfs", AutoKey(), testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.WriteAt([]byte("tail"), 50000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := readBack(t, fs, "/gap.pfs", 50004)
	if !bytes.Equal(got[:50000], make([]byte, 50000)) {
		t.Fatal("gap is not zero-filled")
	}
	if string(got[50000:]) != "tail" {
		t.Fatalf("tail = %q", got[50000:])
	}
}

func TestClosedFile(t *testing.T) {
	fs := newTestHost(t)
	f, err := Create(fs, "/closed.pfs", AutoKey(), testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := f.Read(make([]byte, 1)); Code(err) != CodeBadStatus {
		t.Fatalf("read after close: %v", err)
	}
	if _, err := f.Write([]byte("x")); Code(err) != CodeBadStatus {
		t.Fatalf("write after close: %v", err)
	}
	if got := f.Status(); got != StatusClosed {
		t.Fatalf("status = %v, want closed", got)
	}
}

func TestUserKeyMode(t *testing.T) {
	fs := newTestHost(t)
	key := testKey(0x11)
	content := pattern(9000)

	f, err := Create(fs, "/user.pfs", UserKey(key), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.Write(content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err = Open(fs, "/user.pfs", OpenOptions{Read: true}, UserKey(key), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got := make([]byte, len(content))
	if _, err := io.ReadFull(f, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	f.Close()
	if !bytes.Equal(got, content) {
		t.Fatal("content mismatch")
	}

	// The wrong key must fail tag verification, not return garbage.
	_, err = Open(fs, "/user.pfs", OpenOptions{Read: true}, UserKey(testKey(0x12)), nil)
	if !IsMacMismatch(err) {
		t.Fatalf("wrong key: %v, want mac mismatch", err)
	}

	// An auto-key open of a user-key file is rejected up front.
	_, err = Open(fs, "/user.pfs", OpenOptions{Read: true}, AutoKey(), testConfig())
	if Code(err) != CodeInvalidParameter {
		t.Fatalf("scheme mismatch: %v", err)
	}
}

func TestOpenValidation(t *testing.T) {
	fs := newTestHost(t)

	if _, err := Open(fs, "/missing.pfs", OpenOptions{Read: true}, AutoKey(), testConfig()); Code(err) != CodeNotFound {
		t.Fatalf("missing file: %v", err)
	}

	long := make([]byte, FilenameMaxLen)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := Open(fs, "/"+string(long), OpenOptions{Write: true}, AutoKey(), testConfig()); Code(err) != CodeNameTooLong {
		t.Fatalf("long name: %v", err)
	}

	if _, err := Open(fs, "/x.pfs", OpenOptions{Write: true}, AutoKey(), &Config{CacheSize: 100}); Code(err) != CodeInvalidParameter {
		t.Fatalf("bad cache size: %v", err)
	}
	if _, err := Open(fs, "/x.pfs", OpenOptions{Write: true}, AutoKey(), nil); Code(err) != CodeInvalidParameter {
		t.Fatalf("missing sealer: %v", err)
	}
	if _, err := Open(fs, "/x.pfs", OpenOptions{Write: true}, UserKey(Key128{}), nil); Code(err) != CodeInvalidParameter {
		t.Fatalf("zero user key: %v", err)
	}
}

func TestClearCachePreservesContent(t *testing.T) {
	fs := newTestHost(t)
	content := pattern(100000)

	f, err := Create(fs, "/cc.pfs", AutoKey(), testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.ClearCache(); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}

	got := make([]byte, len(content))
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("content mismatch after cache drop")
	}
}

func TestMetadataMac(t *testing.T) {
	fs := newTestHost(t)
	f, err := Create(fs, "/mac.pfs", AutoKey(), testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	if _, err := f.Write(pattern(100)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	m1, err := f.MetadataMac()
	if err != nil {
		t.Fatalf("MetadataMac: %v", err)
	}

	if _, err := f.Write(pattern(100)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	m2, err := f.MetadataMac()
	if err != nil {
		t.Fatalf("MetadataMac: %v", err)
	}
	if m1 == m2 {
		t.Fatal("metadata mac unchanged after modification")
	}
}

func TestClearErrorOnHealthyFile(t *testing.T) {
	fs := newTestHost(t)
	f, err := Create(fs, "/ok.pfs", AutoKey(), testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()
	if err := f.ClearError(); err != nil {
		t.Fatalf("ClearError on healthy file: %v", err)
	}
}
