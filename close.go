package protectfs

// Close flushes pending modifications, releases the host file, and wipes
// key material. The file is unusable afterwards regardless of the
// outcome; a failed final flush is reported, and the crash journal is
// left behind so the next open can roll back.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := &f.inner

	if in.status == StatusClosed {
		return nil
	}

	var flushErr error
	if in.status == StatusOK && !in.readonly {
		flushErr = in.internalFlush()
	}

	// A journal left open here belongs to a failed transaction; keep the
	// file on disk for recovery but drop the handle.
	if in.journal != nil {
		in.journal.Close()
		in.journal = nil
	}

	var closeErr error
	if in.host != nil {
		closeErr = in.host.Close()
		in.host = nil
	}

	in.wipe()
	in.status = StatusClosed

	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// wipe clears every buffered plaintext and key.
func (f *fileInner) wipe() {
	f.cache.forEach(func(n *fileNode) { n.wipe() })
	f.cache.clear()
	if f.rootMht != nil {
		f.rootMht.wipe()
	}
	if f.meta != nil {
		f.meta.wipe()
	}
	if f.keys != nil {
		f.keys.wipe()
	}
}
