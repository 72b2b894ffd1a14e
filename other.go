package protectfs

import (
	"io"
	"path/filepath"

	"github.com/absfs/absfs"
)

// Seek sets the file offset per io.Seeker whences. The target must lie
// within [0, size]; use WriteAt to write past end of file. Seek clears
// the EOF flag.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := &f.inner

	if err := in.checkStatus("seek"); err != nil {
		return 0, err
	}

	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = in.offset
	case io.SeekEnd:
		base = in.size()
	default:
		return 0, fsErr(CodeInvalidParameter, "seek", in.path, nil)
	}
	pos := base + offset
	if pos < 0 || pos > in.size() {
		return 0, fsErr(CodeInvalidParameter, "seek", in.path, nil)
	}
	in.offset = pos
	in.eof = false
	return pos, nil
}

// Tell returns the current file offset.
func (f *File) Tell() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inner.offset
}

// FileSize returns the current logical file size.
func (f *File) FileSize() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inner.size()
}

// SetLen truncates or zero-extends the file to size. The file offset is
// left where it was.
func (f *File) SetLen(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := &f.inner

	if err := in.checkWritable("setlen"); err != nil {
		return err
	}
	if size < 0 {
		return fsErr(CodeInvalidParameter, "setlen", in.path, nil)
	}

	switch {
	case size > in.size():
		if err := in.extendTo(size); err != nil {
			in.setLastError(err, StatusOK)
			return err
		}
	case size < in.size():
		if err := in.truncateTo(size); err != nil {
			in.setLastError(err, StatusOK)
			return err
		}
	}
	in.setSize(size)
	in.needWriting = true
	return nil
}

// truncateTo zeroes the live tail beyond the new size, so a later
// extension reads back zeroes rather than stale content. Both the
// straddling node and any cached node wholly past the cut get cleared;
// on-disk nodes past the cut stay stale but unreachable, and are
// rewritten fresh if the file ever grows over them again.
func (f *fileInner) truncateTo(size int64) error {
	f.cache.forEach(func(n *fileNode) {
		if !n.isData() {
			return
		}
		if MDUserDataSize+int64(n.logicNumber)*NodeSize >= size {
			n.wipe()
			n.needWriting = false
		}
	})

	if size < MDUserDataSize {
		end := f.size()
		if end > MDUserDataSize {
			end = MDUserDataSize
		}
		for i := size; i < end; i++ {
			f.meta.payload.userData[i] = 0
		}
		return nil
	}

	start := (size - MDUserDataSize) % NodeSize
	if start == 0 {
		return nil
	}
	node, err := f.getDataNode(size)
	if err != nil {
		return err
	}
	for i := start; i < NodeSize; i++ {
		node.plaintext[i] = 0
	}
	node.needWriting = true
	return nil
}

// ClearCache flushes pending modifications and drops every cached node,
// shrinking the resident plaintext to the metadata and root MHT.
func (f *File) ClearCache() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := &f.inner

	if err := in.checkStatus("clear-cache"); err != nil {
		return err
	}
	if !in.readonly {
		if err := in.internalFlush(); err != nil {
			return err
		}
	}
	in.dropCleanNodes()
	return nil
}

// MetadataMac flushes the file and returns the metadata GMAC: a compact
// commitment to the entire current content, suitable for out-of-band
// freshness checks.
func (f *File) MetadataMac() (Mac128, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := &f.inner

	if err := in.checkStatus("metadata-mac"); err != nil {
		return Mac128{}, err
	}
	if !in.readonly {
		if err := in.internalFlush(); err != nil {
			return Mac128{}, err
		}
	}
	var mac Mac128
	copy(mac[:], in.meta.encrypted[metaOffGmac:metaOffGmac+16])
	return mac, nil
}

// Rename moves a protected file, rewriting the name embedded in its
// metadata so the rename is authenticated rather than a host-level spoof.
func Rename(fs absfs.FileSystem, oldPath, newPath string, mode OpenMode, cfg *Config) error {
	newName := filepath.Base(newPath)
	if newName == "." || newName == string(filepath.Separator) {
		return fsErr(CodeInvalidParameter, "rename", newPath, errEmptyName)
	}
	if len(newName) >= FilenameMaxLen || len(newPath) > FullnameMaxLen {
		return fsErr(CodeNameTooLong, "rename", newPath, nil)
	}
	if hostExists(fs, newPath) {
		return fsErr(CodeBusy, "rename", newPath, nil)
	}

	f, err := Open(fs, oldPath, OpenOptions{Read: true, Update: true}, mode, cfg)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.inner.meta.payload.setName(newName)
	f.inner.needWriting = true
	f.mu.Unlock()

	if err := f.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := fs.Rename(oldPath, newPath); err != nil {
		return fsErr(CodeIOError, "rename", oldPath, err)
	}
	return nil
}

// ExportFileKey opens an existing auto-key file and returns its current
// metadata key, allowing the file to move to another party or platform.
// The key stays valid until the file is next flushed.
func ExportFileKey(fs absfs.FileSystem, path string, sealer KeySealer) (Key128, error) {
	f, err := Open(fs, path, OpenOptions{Read: true}, ExportKey(), &Config{Sealer: sealer})
	if err != nil {
		return Key128{}, err
	}
	defer f.Close()

	f.mu.Lock()
	key, err := f.inner.keys.restoreMetadataKey(f.inner.meta.header.keyID)
	f.mu.Unlock()
	if err != nil {
		return Key128{}, err
	}
	return key, nil
}

// ImportFileKey opens a file with a key exported elsewhere and re-seals
// it under the local sealer, after which the imported key is dead.
func ImportFileKey(fs absfs.FileSystem, path string, key Key128, sealer KeySealer) error {
	f, err := Open(fs, path, OpenOptions{Read: true, Update: true}, ImportKey(key), &Config{Sealer: sealer})
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.inner.needWriting = true
	f.mu.Unlock()

	if err := f.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
