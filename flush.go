package protectfs

import (
	"sort"

	"go.uber.org/zap"
)

// Flush commits every pending modification to the host file as one
// crash-consistent transaction:
//
//  1. Journal the prior on-disk ciphertext of every node the transaction
//     will rewrite, plus the metadata image, and sync the journal.
//  2. Set the metadata update flag on disk and sync, marking the
//     transaction in progress.
//  3. Re-encrypt modified nodes bottom-up under fresh single-use keys,
//     recording each child's (key, tag) in its parent, the root MHT's in
//     the metadata payload.
//  4. Write modified nodes children-first, sync, then write the final
//     metadata image (update flag clear) and sync.
//  5. Remove the journal.
//
// A crash before step 4 completes leaves the update flag set; the next
// open replays the journal, restoring the previous consistent state.
func (f *File) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := &f.inner

	if err := in.checkStatus("flush"); err != nil {
		return err
	}
	if in.readonly {
		return nil
	}
	return in.internalFlush()
}

func (f *fileInner) internalFlush() error {
	f.markAncestorsDirty()

	dirty := f.collectDirty()
	if !f.needWriting && len(dirty) == 0 && !f.rootMht.needWriting {
		return nil
	}

	// Anything dirty forces a metadata rewrite: at minimum the size or
	// the root authenticator changes.
	f.needWriting = true

	if f.hostNodes > 0 {
		if err := f.writeRecoveryJournal(dirty); err != nil {
			f.setLastError(err, StatusFlushError)
			return err
		}
		if err := f.setUpdateMarker(); err != nil {
			f.setLastError(err, StatusFlushError)
			return err
		}
	}

	if err := f.updateNodes(dirty); err != nil {
		f.setLastError(err, StatusCryptoError)
		return err
	}
	if err := f.updateMetadata(); err != nil {
		f.setLastError(err, StatusCryptoError)
		return err
	}

	if err := f.writeAllToDisk(dirty); err != nil {
		f.setLastError(err, StatusWriteToDiskFailed)
		return err
	}

	f.finalizeFlush()
	return nil
}

// retryDiskWrite re-runs only the disk phase of an interrupted flush.
// The nodes were already re-encrypted; their keys must not be reused for
// different plaintext, and no modification has happened since because
// the latched state blocks all I/O.
func (f *fileInner) retryDiskWrite() error {
	dirty := f.collectDirty()
	if err := f.writeAllToDisk(dirty); err != nil {
		f.lastErr = err
		return err
	}
	f.finalizeFlush()
	return nil
}

// markAncestorsDirty propagates the write flag up the tree: a rewritten
// child changes its stored authenticator, so every ancestor MHT is
// rewritten too.
func (f *fileInner) markAncestorsDirty() {
	f.cache.forEach(func(n *fileNode) {
		if !n.needWriting {
			return
		}
		for p := n.parent; p != nil; p = p.parent {
			p.needWriting = true
		}
	})
	if f.rootMht.needWriting {
		f.needWriting = true
	}
}

// collectDirty gathers the cached nodes that need writing, children
// before parents (descending physical order). The pinned root MHT is
// handled separately by the callers.
func (f *fileInner) collectDirty() []*fileNode {
	var dirty []*fileNode
	f.cache.forEach(func(n *fileNode) {
		if n.needWriting {
			dirty = append(dirty, n)
		}
	})
	sort.Slice(dirty, func(i, j int) bool {
		return dirty[i].physNumber > dirty[j].physNumber
	})
	return dirty
}

// writeRecoveryJournal records the prior on-disk ciphertext of every
// node this transaction will rewrite.
func (f *fileInner) writeRecoveryJournal(dirty []*fileNode) error {
	if f.journal == nil {
		j, err := createRecoveryFile(f.fs, f.recoveryPath)
		if err != nil {
			return err
		}
		f.journal = j
	}

	for _, n := range dirty {
		if n.newNode {
			continue
		}
		if err := n.writeRecoveryRecord(f.journal); err != nil {
			return err
		}
	}
	if f.rootMht.needWriting && !f.rootMht.newNode {
		if err := f.rootMht.writeRecoveryRecord(f.journal); err != nil {
			return err
		}
	}
	if err := f.meta.writeRecoveryRecord(f.journal); err != nil {
		return err
	}
	return f.journal.Flush()
}

// setUpdateMarker flips the update flag in the on-disk metadata image
// without touching the rest of it. The flag sits in the unauthenticated
// plaintext header, so the still-valid old payload stays rollback-able.
func (f *fileInner) setUpdateMarker() error {
	f.meta.encrypted[metaOffUpdate] = 1
	if err := f.meta.writeToDisk(f.host); err != nil {
		return err
	}
	return f.host.Flush()
}

// updateNodes re-encrypts the modified subtree bottom-up under fresh
// keys. Data nodes go first and install their tags in their parent MHTs;
// the MHTs follow in descending physical order, which is children before
// parents; the pinned root MHT goes last and its authenticator lands in
// the metadata payload.
func (f *fileInner) updateNodes(dirty []*fileNode) error {
	for _, n := range dirty {
		if !n.isData() {
			continue
		}
		key, err := f.keys.deriveNodeKey(n.physNumber)
		if err != nil {
			return err
		}
		if _, err := n.encrypt(key); err != nil {
			return err
		}
	}
	for _, n := range dirty {
		if !n.isMht() {
			continue
		}
		key, err := f.keys.deriveNodeKey(n.physNumber)
		if err != nil {
			return err
		}
		if _, err := n.encrypt(key); err != nil {
			return err
		}
	}

	if f.rootMht.needWriting {
		key, err := f.keys.deriveNodeKey(f.rootMht.physNumber)
		if err != nil {
			return err
		}
		mac, err := f.rootMht.encrypt(key)
		if err != nil {
			return err
		}
		f.meta.setRootMhtGcmData(gcmData{key: key, mac: mac})
	}
	return nil
}

// updateMetadata seals the payload under a fresh metadata key and
// records the key's id in the header for later restoration.
func (f *fileInner) updateMetadata() error {
	key, id, err := f.keys.deriveMetadataKey()
	if err != nil {
		return err
	}
	f.meta.header.keyID = id
	f.meta.header.updateFlag = 0
	return f.meta.encrypt(key)
}

// writeAllToDisk pushes the re-encrypted nodes and the final metadata
// image to the host: nodes children-first, sync, metadata, sync.
func (f *fileInner) writeAllToDisk(dirty []*fileNode) error {
	for _, n := range dirty {
		if !n.needWriting {
			continue
		}
		phys := n.physNumber
		if err := n.writeToDisk(f.host); err != nil {
			return err
		}
		if phys+1 > f.hostNodes {
			f.hostNodes = phys + 1
		}
	}
	if f.rootMht.needWriting {
		if err := f.rootMht.writeToDisk(f.host); err != nil {
			return err
		}
		if f.hostNodes < rootMhtPhysNum+1 {
			f.hostNodes = rootMhtPhysNum + 1
		}
	}
	if err := f.host.Flush(); err != nil {
		return err
	}

	if err := f.meta.writeToDisk(f.host); err != nil {
		return err
	}
	if f.hostNodes == 0 {
		f.hostNodes = 1
	}
	return f.host.Flush()
}

func (f *fileInner) finalizeFlush() {
	f.needWriting = false
	if f.journal != nil {
		if err := f.journal.CloseAndRemove(); err != nil {
			// The transaction is durable; the stale journal is truncated
			// and reused by the next flush.
			f.log.Warn("protectfs: journal removal failed",
				zap.String("path", f.recoveryPath), zap.Error(err))
		}
		f.journal = nil
	}
}
