package protectfs

// fileNode is one resident tree node: a data node or an MHT. The
// metadata node is handled separately (metadata.go).
//
// A node holds both its plaintext and its current ciphertext. The
// plaintext of an MHT is its table of child authenticators; the
// plaintext of a data node is user bytes. The node's own authenticator
// lives in its parent's plaintext, so a parent must stay resident while
// any of its children are.
type fileNode struct {
	nodeType    nodeType
	logicNumber uint64
	physNumber  uint64

	// newNode marks a node that has never been written to disk; it has
	// no prior ciphertext to journal and no stored authenticator yet.
	newNode bool
	// needWriting marks a node whose plaintext is ahead of its on-disk
	// ciphertext.
	needWriting bool

	parent *fileNode

	plaintext  [NodeSize]byte
	ciphertext [NodeSize]byte
}

func newFileNode(t nodeType, logicNumber, physNumber uint64) *fileNode {
	return &fileNode{
		nodeType:    t,
		logicNumber: logicNumber,
		physNumber:  physNumber,
		newNode:     true,
	}
}

func newRootMht() *fileNode {
	return newFileNode(nodeTypeMht, 0, rootMhtPhysNum)
}

func (n *fileNode) isMht() bool  { return n.nodeType == nodeTypeMht }
func (n *fileNode) isData() bool { return n.nodeType == nodeTypeData }

func (n *fileNode) isRootMht() bool {
	return n.nodeType == nodeTypeMht && n.logicNumber == 0 && n.physNumber == rootMhtPhysNum
}

// gcmSlot is the offset of this node's authenticator inside its parent's
// plaintext; -1 for the root MHT, whose authenticator lives in the
// metadata payload.
func (n *fileNode) gcmSlot() int {
	if n.isRootMht() {
		return -1
	}
	return mhtGcmSlot(n.nodeType, n.logicNumber)
}

// storedGcmData reads this node's (key, tag) from its parent.
func (n *fileNode) storedGcmData() (gcmData, bool) {
	slot := n.gcmSlot()
	if slot < 0 || n.parent == nil {
		return gcmData{}, false
	}
	return getGcmData(n.parent.plaintext[:], slot), true
}

// encrypt seals the node's plaintext under key and stores the resulting
// (key, tag) in the parent's slot. The root MHT has no parent slot; its
// tag is returned for the caller to record in the metadata payload.
func (n *fileNode) encrypt(key Key128) (Mac128, error) {
	if !n.isRootMht() && n.parent == nil {
		return Mac128{}, fsErr(CodeUnexpected, "encrypt-node", "", nil)
	}
	mac, err := sealBytes(key, n.plaintext[:], n.ciphertext[:])
	if err != nil {
		return Mac128{}, err
	}
	if slot := n.gcmSlot(); slot >= 0 {
		putGcmData(n.parent.plaintext[:], slot, gcmData{key: key, mac: mac})
	}
	return mac, nil
}

// decrypt opens the node's ciphertext under the given authenticator.
func (n *fileNode) decrypt(g gcmData) error {
	return openBytes(g.key, g.mac, n.ciphertext[:], n.plaintext[:])
}

// readFromDisk loads the node's ciphertext from its physical position.
func (n *fileNode) readFromDisk(host HostFs) error {
	if n.physNumber == metaDataPhysNum {
		return fsErr(CodeUnexpected, "read-node", "", nil)
	}
	return host.ReadNode(n.physNumber, n.ciphertext[:])
}

// writeToDisk stores the node's ciphertext and clears its write flags.
func (n *fileNode) writeToDisk(host HostFs) error {
	if n.physNumber == metaDataPhysNum {
		return fsErr(CodeUnexpected, "write-node", "", nil)
	}
	if err := host.WriteNode(n.physNumber, n.ciphertext[:]); err != nil {
		return err
	}
	n.needWriting = false
	n.newNode = false
	return nil
}

// writeRecoveryRecord journals the node's current on-disk ciphertext so
// a failed flush can be rolled back.
func (n *fileNode) writeRecoveryRecord(journal *recoveryFile) error {
	return journal.WriteRecord(n.physNumber, n.ciphertext[:])
}

// wipe clears the plaintext before the node is released.
func (n *fileNode) wipe() {
	for i := range n.plaintext {
		n.plaintext[i] = 0
	}
}
