package protectfs

// Tree navigation. The logical byte stream below MDUserDataSize lives in
// the metadata payload; everything past it maps onto data nodes hanging
// off an MHT chain. Resolving a data node pulls its whole ancestor chain
// into the cache, because a node's authenticator lives in its parent's
// plaintext.

// getDataNode resolves the data node covering offset, reading or
// appending as the file size dictates. Offsets inside the inline
// metadata region have no data node; callers route those to the payload.
func (f *fileInner) getDataNode(offset int64) (*fileNode, error) {
	nums := numbersForOffset(offset)

	if node := f.cache.find(nums.dataPhysical); node != nil {
		f.cache.bump(node.physNumber)
		f.bumpMhtChain(node)
		return node, nil
	}

	var (
		node *fileNode
		err  error
	)
	// A node holding any byte below the end of file that has reached the
	// host before must authenticate; everything else is fresh. The check
	// uses the node's first byte: a partially filled tail node still has
	// live content even when offset itself is past the size.
	nodeStart := MDUserDataSize + int64(nums.dataLogical)*NodeSize
	if nodeStart < f.size() && nums.dataPhysical < f.hostNodes {
		node, err = f.readDataNode(nums)
	} else {
		node, err = f.appendDataNode(nums)
	}
	if err != nil {
		return nil, err
	}

	if err := f.shrinkCache(); err != nil {
		return nil, err
	}
	f.cache.push(node)
	return node, nil
}

// appendDataNode creates a zero-filled data node past the current end of
// file, attached to its (possibly also fresh) MHT.
func (f *fileInner) appendDataNode(nums nodeNumbers) (*fileNode, error) {
	mht, err := f.getMhtNode(nums.mhtLogical)
	if err != nil {
		return nil, err
	}
	node := newFileNode(nodeTypeData, nums.dataLogical, nums.dataPhysical)
	node.parent = mht
	node.needWriting = true
	return node, nil
}

// readDataNode loads and authenticates an existing data node.
func (f *fileInner) readDataNode(nums nodeNumbers) (*fileNode, error) {
	mht, err := f.getMhtNode(nums.mhtLogical)
	if err != nil {
		return nil, err
	}
	node := newFileNode(nodeTypeData, nums.dataLogical, nums.dataPhysical)
	node.parent = mht
	node.newNode = false

	if err := node.readFromDisk(f.host); err != nil {
		return nil, err
	}
	g, ok := node.storedGcmData()
	if !ok {
		return nil, fsErr(CodeUnexpected, "read-node", f.path, nil)
	}
	if err := node.decrypt(g); err != nil {
		return nil, err
	}
	return node, nil
}

// getMhtNode resolves an MHT by logical number, recursing to its parent.
// The root MHT is pinned outside the cache.
func (f *fileInner) getMhtNode(logical uint64) (*fileNode, error) {
	if logical == 0 {
		return f.rootMht, nil
	}

	phys := mhtPhysicalNumber(logical)
	if node := f.cache.find(phys); node != nil {
		f.cache.bump(phys)
		return node, nil
	}

	// The MHT exists on disk iff its first attached data node does: the
	// MHT immediately precedes it.
	if phys+1 > f.hostNodes {
		return f.appendMhtNode(logical)
	}
	return f.readMhtNode(logical)
}

func (f *fileInner) appendMhtNode(logical uint64) (*fileNode, error) {
	parent, err := f.getMhtNode(mhtParentLogical(logical))
	if err != nil {
		return nil, err
	}
	node := newFileNode(nodeTypeMht, logical, mhtPhysicalNumber(logical))
	node.parent = parent
	node.needWriting = true

	if err := f.shrinkCache(); err != nil {
		return nil, err
	}
	f.cache.push(node)
	return node, nil
}

func (f *fileInner) readMhtNode(logical uint64) (*fileNode, error) {
	parent, err := f.getMhtNode(mhtParentLogical(logical))
	if err != nil {
		return nil, err
	}
	node := newFileNode(nodeTypeMht, logical, mhtPhysicalNumber(logical))
	node.parent = parent
	node.newNode = false

	if err := node.readFromDisk(f.host); err != nil {
		return nil, err
	}
	g, ok := node.storedGcmData()
	if !ok {
		return nil, fsErr(CodeUnexpected, "read-node", f.path, nil)
	}
	if err := node.decrypt(g); err != nil {
		return nil, err
	}
	if err := f.shrinkCache(); err != nil {
		return nil, err
	}
	f.cache.push(node)
	return node, nil
}

// bumpMhtChain marks a node's MHT ancestors recently used so the cache
// never ages out a parent before its resident children.
func (f *fileInner) bumpMhtChain(node *fileNode) {
	for p := node.parent; p != nil && !p.isRootMht(); p = p.parent {
		f.cache.bump(p.physNumber)
	}
}

// shrinkCache makes room for one insertion. MHT nodes are never evicted
// here; they leave only through ClearCache or Close, so a resident data
// node always finds its parent in memory. Evicting a dirty data node
// forces a full flush first so no modification is ever dropped.
func (f *fileInner) shrinkCache() error {
	if !f.cache.full() {
		return nil
	}

	victim := f.cache.back()
	if victim == nil {
		return nil
	}
	if victim.isMht() {
		// Rotate MHTs away from the tail; the cache may transiently
		// exceed its bound by the handful of resident MHTs.
		f.cache.bump(victim.physNumber)
		victim = f.cache.back()
		if victim == nil || victim.isMht() {
			return nil
		}
	}

	if victim.needWriting {
		if err := f.internalFlush(); err != nil {
			return err
		}
	}
	victim.wipe()
	f.cache.popBack()
	return nil
}

// dropCleanNodes removes every node from the cache. Callers ensure no
// node needs writing.
func (f *fileInner) dropCleanNodes() {
	f.cache.forEach(func(n *fileNode) { n.wipe() })
	f.cache.clear()
}
