package protectfs

import (
	"bytes"
	"encoding/binary"
)

// On-disk format constants. The host file is a flat array of 4 KiB nodes:
//
//	node 0            metadata
//	node 1            root MHT
//	nodes 2..97       96 data nodes attached to the root MHT
//	node 98           next MHT
//	nodes 99..194     its data nodes
//	...
//
// Every MHT authenticates its 96 attached data nodes and up to 32 child
// MHTs with stored (key, tag) pairs; the metadata node authenticates the
// root MHT.
const (
	// NodeSize is the fixed size of every on-disk node.
	NodeSize = 4096

	// gcmDataSize is the size of one stored (key, tag) authenticator.
	gcmDataSize = 32

	// attachedDataNodes is the number of data children per MHT: 3/4 of
	// the node's authenticator slots.
	attachedDataNodes = (NodeSize / gcmDataSize) * 3 / 4 // 96

	// childMhtNodes is the number of MHT children per MHT: the remaining
	// 1/4 of the slots.
	childMhtNodes = (NodeSize / gcmDataSize) / 4 // 32

	metaDataPhysNum = 0
	rootMhtPhysNum  = 1

	// fileMagic identifies a protected file; stored little-endian like
	// every other header integer.
	fileMagic    = uint64(0x5347585F46494C45)
	majorVersion = uint8(1)
	minorVersion = uint8(0)

	encryptFlagAutoKey = uint8(0x00)
	encryptFlagUserKey = uint8(0x01)

	// metaHeaderSize is the plaintext metadata header: magic(8),
	// major(1), minor(1), encrypt flags(1), update flag(1), pad(4),
	// key id(16), master nonce(32).
	metaHeaderSize = 64

	// FilenameMaxLen caps the file name stored in the metadata payload,
	// including the NUL terminator.
	FilenameMaxLen = 260
	// PathnameMaxLen caps the directory part of a host path.
	PathnameMaxLen = 512
	// FullnameMaxLen caps the full host path.
	FullnameMaxLen = PathnameMaxLen + FilenameMaxLen

	// MDUserDataSize is the inline user-data region of the metadata
	// payload; file content below this offset never touches a data node.
	MDUserDataSize = NodeSize * 3 / 4 // 3072

	// metaPayloadSize is the metadata payload plaintext: name, size,
	// root MHT key+tag, inline user data.
	metaPayloadSize = FilenameMaxLen + 8 + 16 + 16 + MDUserDataSize // 3372

	// DefaultCacheSize is the default node cache capacity in bytes.
	DefaultCacheSize = 48 * NodeSize

	// recoveryNodeSize is one journal record: physical number plus the
	// prior on-disk ciphertext.
	recoveryNodeSize = 8 + NodeSize
)

// Offsets within the metadata node.
const (
	metaOffMagic   = 0
	metaOffMajor   = 8
	metaOffMinor   = 9
	metaOffFlags   = 10
	metaOffUpdate  = 11
	metaOffKeyID   = 16
	metaOffNonce   = 32
	metaOffPayload = metaHeaderSize
	metaOffGmac    = NodeSize - 16
)

// Offsets within the metadata payload plaintext.
const (
	payloadOffName = 0
	payloadOffSize = FilenameMaxLen
	payloadOffKey  = payloadOffSize + 8
	payloadOffMac  = payloadOffKey + 16
	payloadOffData = payloadOffMac + 16
)

// nodeType discriminates the three on-disk node kinds.
type nodeType int

const (
	nodeTypeMeta nodeType = iota
	nodeTypeMht
	nodeTypeData
)

func (t nodeType) String() string {
	switch t {
	case nodeTypeMeta:
		return "meta"
	case nodeTypeMht:
		return "mht"
	case nodeTypeData:
		return "data"
	default:
		return "unknown"
	}
}

// gcmData is a stored child authenticator: the AES-GCM-128 key the child
// was encrypted under and the resulting tag.
type gcmData struct {
	key Key128
	mac Mac128
}

// nodeNumbers is the offset arithmetic of the tree. For a byte offset at
// or beyond the inline metadata region:
//
//	dataLogical  = (off - MDUserDataSize) / NodeSize
//	mhtLogical   = dataLogical / attachedDataNodes
//	dataPhysical = dataLogical + 2 + mhtLogical
//	mhtPhysical  = dataPhysical - dataLogical%attachedDataNodes - 1
type nodeNumbers struct {
	mhtLogical   uint64
	dataLogical  uint64
	mhtPhysical  uint64
	dataPhysical uint64
}

func numbersForOffset(offset int64) nodeNumbers {
	if offset < MDUserDataSize {
		return nodeNumbers{}
	}
	dataLogical := uint64(offset-MDUserDataSize) / NodeSize
	mhtLogical := dataLogical / attachedDataNodes

	// +1 metadata node, +1 root MHT, +mhtLogical interior MHTs.
	dataPhysical := dataLogical + 2 + mhtLogical
	mhtPhysical := dataPhysical - dataLogical%attachedDataNodes - 1

	return nodeNumbers{
		mhtLogical:   mhtLogical,
		dataLogical:  dataLogical,
		mhtPhysical:  mhtPhysical,
		dataPhysical: dataPhysical,
	}
}

// mhtPhysicalNumber is the physical position of the MHT with the given
// logical number: one metadata node plus one MHT per group of 96 data
// nodes.
func mhtPhysicalNumber(logical uint64) uint64 {
	return 1 + logical*(attachedDataNodes+1)
}

// mhtParentLogical is the logical number of an interior MHT's parent.
func mhtParentLogical(logical uint64) uint64 {
	return (logical - 1) / childMhtNodes
}

// mhtGcmSlot returns the byte offset of the authenticator slot for a
// child inside an MHT plaintext: 96 data slots followed by 32 MHT slots.
func mhtGcmSlot(childType nodeType, childLogical uint64) int {
	switch childType {
	case nodeTypeData:
		return int(childLogical%attachedDataNodes) * gcmDataSize
	case nodeTypeMht:
		return (attachedDataNodes + int((childLogical-1)%childMhtNodes)) * gcmDataSize
	default:
		return -1
	}
}

func getGcmData(plaintext []byte, slot int) gcmData {
	var g gcmData
	copy(g.key[:], plaintext[slot:slot+16])
	copy(g.mac[:], plaintext[slot+16:slot+32])
	return g
}

func putGcmData(plaintext []byte, slot int, g gcmData) {
	copy(plaintext[slot:slot+16], g.key[:])
	copy(plaintext[slot+16:slot+32], g.mac[:])
}

// metaHeader is the plaintext portion of the metadata node.
type metaHeader struct {
	magic        uint64
	major        uint8
	minor        uint8
	encryptFlags uint8
	updateFlag   uint8
	keyID        KeyID
	masterNonce  Nonce256
}

func newMetaHeader(flags uint8) metaHeader {
	return metaHeader{
		magic:        fileMagic,
		major:        majorVersion,
		minor:        minorVersion,
		encryptFlags: flags,
	}
}

func (h *metaHeader) marshal(node []byte) {
	binary.LittleEndian.PutUint64(node[metaOffMagic:], h.magic)
	node[metaOffMajor] = h.major
	node[metaOffMinor] = h.minor
	node[metaOffFlags] = h.encryptFlags
	node[metaOffUpdate] = h.updateFlag
	copy(node[metaOffKeyID:metaOffKeyID+16], h.keyID[:])
	copy(node[metaOffNonce:metaOffNonce+32], h.masterNonce[:])
}

func (h *metaHeader) unmarshal(node []byte) {
	h.magic = binary.LittleEndian.Uint64(node[metaOffMagic:])
	h.major = node[metaOffMajor]
	h.minor = node[metaOffMinor]
	h.encryptFlags = node[metaOffFlags]
	h.updateFlag = node[metaOffUpdate]
	copy(h.keyID[:], node[metaOffKeyID:metaOffKeyID+16])
	copy(h.masterNonce[:], node[metaOffNonce:metaOffNonce+32])
}

// metaPayload is the decrypted portion of the metadata node.
type metaPayload struct {
	fileName [FilenameMaxLen]byte
	size     uint64
	mhtKey   Key128
	mhtMac   Mac128
	userData [MDUserDataSize]byte
}

func (p *metaPayload) marshal(buf []byte) {
	copy(buf[payloadOffName:payloadOffSize], p.fileName[:])
	binary.LittleEndian.PutUint64(buf[payloadOffSize:], p.size)
	copy(buf[payloadOffKey:payloadOffKey+16], p.mhtKey[:])
	copy(buf[payloadOffMac:payloadOffMac+16], p.mhtMac[:])
	copy(buf[payloadOffData:payloadOffData+MDUserDataSize], p.userData[:])
}

func (p *metaPayload) unmarshal(buf []byte) {
	copy(p.fileName[:], buf[payloadOffName:payloadOffSize])
	p.size = binary.LittleEndian.Uint64(buf[payloadOffSize:])
	copy(p.mhtKey[:], buf[payloadOffKey:payloadOffKey+16])
	copy(p.mhtMac[:], buf[payloadOffMac:payloadOffMac+16])
	copy(p.userData[:], buf[payloadOffData:payloadOffData+MDUserDataSize])
}

// name returns the NUL-terminated file name.
func (p *metaPayload) name() string {
	if i := bytes.IndexByte(p.fileName[:], 0); i >= 0 {
		return string(p.fileName[:i])
	}
	return string(p.fileName[:])
}

// setName stores a NUL-padded file name. The caller validates length.
func (p *metaPayload) setName(name string) {
	for i := range p.fileName {
		p.fileName[i] = 0
	}
	copy(p.fileName[:], name)
}
