package protectfs

// metadataInfo is the in-memory view of physical node 0: the plaintext
// header, the decrypted payload, and the encrypted image that goes to
// disk. The header is stored in the clear; the payload is sealed under
// the metadata key and authenticated by the trailing GMAC.
type metadataInfo struct {
	header  metaHeader
	payload metaPayload

	// encrypted is the full 4096-byte on-disk image, assembled by
	// encrypt and parsed by decrypt.
	encrypted [NodeSize]byte
}

func newMetadataInfo() *metadataInfo {
	return &metadataInfo{
		header: metaHeader{
			magic: fileMagic,
			major: majorVersion,
			minor: minorVersion,
		},
	}
}

// validate checks the plaintext header of an existing file.
func (m *metadataInfo) validate() error {
	if m.header.magic != fileMagic {
		return fsErr(CodeNotProtectedFile, "open", "", nil)
	}
	if m.header.major != majorVersion {
		return fsErr(CodeNotSupported, "open", "", nil)
	}
	return nil
}

// encrypt seals the payload under key and rebuilds the on-disk image.
func (m *metadataInfo) encrypt(key Key128) error {
	var plain [metaPayloadSize]byte
	m.payload.marshal(plain[:])

	mac, err := sealBytes(key, plain[:], m.encrypted[metaOffPayload:metaOffPayload+metaPayloadSize])
	if err != nil {
		return err
	}
	m.header.marshal(m.encrypted[:metaHeaderSize])
	copy(m.encrypted[metaOffGmac:metaOffGmac+16], mac[:])
	return nil
}

// decrypt opens the payload of an image previously loaded by
// readFromDisk (which also populated the header).
func (m *metadataInfo) decrypt(key Key128) error {
	var mac Mac128
	copy(mac[:], m.encrypted[metaOffGmac:metaOffGmac+16])

	var plain [metaPayloadSize]byte
	if err := openBytes(key, mac, m.encrypted[metaOffPayload:metaOffPayload+metaPayloadSize], plain[:]); err != nil {
		return err
	}
	m.payload.unmarshal(plain[:])
	return nil
}

// setUpdateFlag flips the in-progress marker in the encrypted image's
// plaintext header. The caller re-encrypts before writing, so the flag
// is also kept in the header struct.
func (m *metadataInfo) setUpdateFlag(v byte) {
	m.header.updateFlag = v
}

func (m *metadataInfo) readFromDisk(host HostFs) error {
	if err := host.ReadNode(metaDataPhysNum, m.encrypted[:]); err != nil {
		return err
	}
	m.header.unmarshal(m.encrypted[:metaHeaderSize])
	return nil
}

func (m *metadataInfo) writeToDisk(host HostFs) error {
	return host.WriteNode(metaDataPhysNum, m.encrypted[:])
}

// writeRecoveryRecord journals the current on-disk metadata image.
func (m *metadataInfo) writeRecoveryRecord(journal *recoveryFile) error {
	return journal.WriteRecord(metaDataPhysNum, m.encrypted[:])
}

// rootMhtGcmData returns the root MHT authenticator recorded in the
// payload.
func (m *metadataInfo) rootMhtGcmData() gcmData {
	return gcmData{key: m.payload.mhtKey, mac: m.payload.mhtMac}
}

func (m *metadataInfo) setRootMhtGcmData(g gcmData) {
	m.payload.mhtKey = g.key
	m.payload.mhtMac = g.mac
}

// wipe clears decrypted payload material.
func (m *metadataInfo) wipe() {
	m.payload = metaPayload{}
}
