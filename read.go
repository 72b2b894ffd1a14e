package protectfs

import "io"

// Read reads up to len(p) bytes at the current offset, advancing it.
// Reads at end of file return 0, io.EOF and set the EOF flag; a read
// stopped short by end of file returns the bytes it got with a nil
// error, matching io.Reader.
func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := &f.inner

	n, err := in.readAt(p, in.offset)
	in.offset += int64(n)
	if err == io.EOF || (err == nil && n < len(p)) {
		in.eof = true
	}
	if n > 0 && err == io.EOF {
		err = nil
	}
	return n, err
}

// ReadAt reads len(p) bytes at offset off without moving the file
// offset. Per io.ReaderAt it returns io.EOF when fewer bytes were
// available than requested.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.inner.readAt(p, off)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (f *fileInner) readAt(p []byte, off int64) (int, error) {
	if err := f.checkStatus("read"); err != nil {
		return 0, err
	}
	if !f.opts.Read && !f.opts.Update {
		return 0, fsErr(CodeAccessDenied, "read", f.path, nil)
	}
	if p == nil {
		return 0, fsErr(CodeInvalidParameter, "read", f.path, ErrNilBuffer)
	}
	if off < 0 {
		return 0, fsErr(CodeInvalidParameter, "read", f.path, nil)
	}
	if len(p) == 0 {
		return 0, nil
	}

	size := f.size()
	if off >= size {
		return 0, io.EOF
	}
	if max := size - off; int64(len(p)) > max {
		p = p[:max]
	}

	read := 0
	for read < len(p) {
		n, err := f.readChunk(p[read:], off+int64(read))
		read += n
		if err != nil {
			f.setLastError(err, StatusOK)
			return read, err
		}
	}
	return read, nil
}

// readChunk copies the longest contiguous run available at off: the rest
// of the inline metadata region, or the rest of one data node.
func (f *fileInner) readChunk(p []byte, off int64) (int, error) {
	if off < MDUserDataSize {
		return copy(p, f.meta.payload.userData[off:]), nil
	}

	node, err := f.getDataNode(off)
	if err != nil {
		return 0, err
	}
	start := (off - MDUserDataSize) % NodeSize
	return copy(p, node.plaintext[start:]), nil
}
