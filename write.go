package protectfs

// Write writes len(p) bytes at the current offset, advancing it and
// extending the file as needed. In append mode every write lands at the
// current end of file. Modifications accumulate in the node cache until
// Flush, Close, or cache pressure commits them.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := &f.inner

	if in.opts.Append {
		in.offset = in.size()
	}
	n, err := in.writeAt(p, in.offset)
	in.offset += int64(n)
	return n, err
}

// WriteAt writes len(p) bytes at offset off without moving the file
// offset.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inner.writeAt(p, off)
}

func (f *fileInner) writeAt(p []byte, off int64) (int, error) {
	if err := f.checkWritable("write"); err != nil {
		return 0, err
	}
	if p == nil {
		return 0, fsErr(CodeInvalidParameter, "write", f.path, ErrNilBuffer)
	}
	if off < 0 {
		return 0, fsErr(CodeInvalidParameter, "write", f.path, nil)
	}
	if len(p) == 0 {
		return 0, nil
	}

	// Writing past end of file zero-fills the gap first, so every byte
	// below the size has a materialized, authenticated home.
	if off > f.size() {
		if err := f.extendTo(off); err != nil {
			f.setLastError(err, StatusOK)
			return 0, err
		}
	}

	written := 0
	for written < len(p) {
		n, err := f.writeChunk(p[written:], off+int64(written))
		if n > 0 {
			written += n
			if end := off + int64(written); end > f.size() {
				f.setSize(end)
			}
			f.needWriting = true
		}
		if err != nil {
			f.setLastError(err, StatusOK)
			return written, err
		}
	}
	return written, nil
}

// writeChunk stores the longest contiguous run that fits at off: into
// the inline metadata region, or into one data node.
func (f *fileInner) writeChunk(p []byte, off int64) (int, error) {
	if off < MDUserDataSize {
		return copy(f.meta.payload.userData[off:], p), nil
	}

	node, err := f.getDataNode(off)
	if err != nil {
		return 0, err
	}
	start := (off - MDUserDataSize) % NodeSize
	n := copy(node.plaintext[start:], p)
	node.needWriting = true
	return n, nil
}

// extendTo grows the file with zeroes up to off (exclusive). Fresh nodes
// are zero-filled already; they only have to exist and be marked for
// writing so the extension survives a flush.
func (f *fileInner) extendTo(off int64) error {
	pos := f.size()
	if pos < MDUserDataSize {
		// The inline region is zero wherever it was never written.
		end := off
		if end > MDUserDataSize {
			end = MDUserDataSize
		}
		pos = end
		f.setSize(pos)
		f.needWriting = true
	}
	for pos < off {
		node, err := f.getDataNode(pos)
		if err != nil {
			return err
		}
		node.needWriting = true

		next := MDUserDataSize + ((pos-MDUserDataSize)/NodeSize+1)*NodeSize
		if next > off {
			next = off
		}
		pos = next
		f.setSize(pos)
		f.needWriting = true
	}
	return nil
}
