package protectfs

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// Key128 is a 128-bit AES-GCM key.
type Key128 = [16]byte

// Mac128 is a 128-bit AES-GCM authentication tag.
type Mac128 = [16]byte

// KeyID is the 128-bit identifier that salts a single key derivation.
type KeyID = [16]byte

// Nonce256 is the per-file master nonce mixed into every derivation.
type Nonce256 = [32]byte

// keyType selects the derivation label.
type keyType int

const (
	keyTypeMetadata keyType = iota
	keyTypeMaster
	keyTypeRandom
)

const (
	labelMetadataKey = "PROTECTED-FS-METADATA-KEY"
	labelMasterKey   = "PROTECTED-FS-MASTER-KEY"
	labelRandomKey   = "PROTECTED-FS-RANDOM-KEY"
)

func (t keyType) label() string {
	switch t {
	case keyTypeMetadata:
		return labelMetadataKey
	case keyTypeMaster:
		return labelMasterKey
	default:
		return labelRandomKey
	}
}

// KeySealer models the platform key-sealing primitive used by the
// AutoKey modes: a deterministic oracle from a 128-bit key id to a
// 128-bit key. Inside a TEE this is the enclave seal-key instruction;
// outside, any deterministic keyed construction will do.
type KeySealer interface {
	SealKey(id KeyID) (Key128, error)
}

// staticSealer derives seal keys from a fixed secret. Suitable for tests
// and for hosts that manage the secret themselves.
type staticSealer struct {
	secret Key128
}

// NewStaticSealer returns a KeySealer that derives every seal key from
// the given secret.
func NewStaticSealer(secret Key128) KeySealer {
	return &staticSealer{secret: secret}
}

func (s *staticSealer) SealKey(id KeyID) (Key128, error) {
	return kdf(s.secret, Nonce256{}, keyTypeMetadata, 0, id)
}

// kdf derives a 128-bit key with HKDF-SHA256. The master nonce is the
// extraction salt; the label, node number, and key id form the expansion
// info, so equal inputs always yield equal keys.
func kdf(secret Key128, nonce Nonce256, kt keyType, nodeNumber uint64, id KeyID) (Key128, error) {
	label := kt.label()
	info := make([]byte, 0, len(label)+8+16)
	info = append(info, label...)
	info = binary.LittleEndian.AppendUint64(info, nodeNumber)
	info = append(info, id[:]...)

	var key Key128
	r := hkdf.New(sha256.New, secret[:], nonce[:], info)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return Key128{}, fsErr(CodeCryptoError, "derive-key", "", err)
	}
	return key, nil
}

// newKeyID generates a fresh random 128-bit key id.
func newKeyID() (KeyID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return KeyID{}, fsErr(CodeCryptoError, "derive-key", "", err)
	}
	return KeyID(id), nil
}

// masterKey is the session key that per-node keys are derived from. It
// never leaves memory and is rolled over after a bounded number of
// derivations so no single key authenticates too much traffic.
type masterKey struct {
	key   Key128
	nonce Nonce256
	count uint32
}

const masterKeyMaxUsages = 65536

func newMasterKey(nonce Nonce256) (*masterKey, error) {
	m := &masterKey{nonce: nonce}
	if err := m.rotate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *masterKey) rotate() error {
	if _, err := rand.Read(m.key[:]); err != nil {
		return fsErr(CodeCryptoError, "derive-key", "", err)
	}
	m.count = 0
	return nil
}

// deriveNodeKey produces a fresh single-use key for one node. The key id
// is random, so flushing the same node twice never reuses a key.
func (m *masterKey) deriveNodeKey(nodeNumber uint64) (Key128, error) {
	if m.count >= masterKeyMaxUsages {
		if err := m.rotate(); err != nil {
			return Key128{}, err
		}
	}
	m.count++

	id, err := newKeyID()
	if err != nil {
		return Key128{}, err
	}
	return kdf(m.key, m.nonce, keyTypeRandom, nodeNumber, id)
}

func (m *masterKey) wipe() {
	m.key = Key128{}
	m.count = 0
}

// fsKeyGen owns every key the file needs: the metadata key scheduling
// (derive on flush, restore on open) and the session master key for node
// keys.
type fsKeyGen struct {
	mode    OpenMode
	sealer  KeySealer
	nonce   Nonce256
	session *masterKey
}

// newFsKeyGen creates the key generator for a file. For new files the
// master nonce is freshly random; for existing files it comes from the
// metadata header.
func newFsKeyGen(mode OpenMode, sealer KeySealer, nonce Nonce256) (*fsKeyGen, error) {
	session, err := newMasterKey(nonce)
	if err != nil {
		return nil, err
	}
	return &fsKeyGen{
		mode:    mode,
		sealer:  sealer,
		nonce:   nonce,
		session: session,
	}, nil
}

// newMasterNonce generates the per-file 256-bit master nonce.
func newMasterNonce() (Nonce256, error) {
	var n Nonce256
	if _, err := rand.Read(n[:]); err != nil {
		return Nonce256{}, fsErr(CodeCryptoError, "derive-key", "", err)
	}
	return n, nil
}

// deriveMetadataKey produces a fresh metadata key and the key id under
// which it can be restored. The id is persisted in the plaintext header.
func (g *fsKeyGen) deriveMetadataKey() (Key128, KeyID, error) {
	id, err := newKeyID()
	if err != nil {
		return Key128{}, KeyID{}, err
	}
	key, err := g.metadataKeyFor(id)
	if err != nil {
		return Key128{}, KeyID{}, err
	}
	return key, id, nil
}

// restoreMetadataKey re-derives the metadata key recorded under the key
// id in the header. This is the restore-key operation: it is the only
// key ever re-derived on open; all other keys are stored in their
// parents.
func (g *fsKeyGen) restoreMetadataKey(id KeyID) (Key128, error) {
	// An imported key is the metadata key itself, handed over from the
	// exporting party; the next flush re-seals under this side's sealer.
	if g.mode.IsImportKey() {
		return g.mode.key, nil
	}
	return g.metadataKeyFor(id)
}

func (g *fsKeyGen) metadataKeyFor(id KeyID) (Key128, error) {
	if g.mode.IsUserKey() {
		return kdf(g.mode.key, g.nonce, keyTypeMetadata, 0, id)
	}
	sealKey, err := g.sealer.SealKey(id)
	if err != nil {
		return Key128{}, fsErr(CodeCryptoError, "derive-key", "", err)
	}
	return kdf(sealKey, g.nonce, keyTypeMetadata, 0, id)
}

// deriveNodeKey produces a single-use key for a data or MHT node.
func (g *fsKeyGen) deriveNodeKey(nodeNumber uint64) (Key128, error) {
	return g.session.deriveNodeKey(nodeNumber)
}

func (g *fsKeyGen) wipe() {
	if g.session != nil {
		g.session.wipe()
	}
	g.mode.key = Key128{}
}
