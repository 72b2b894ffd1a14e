package protectfs

import (
	"crypto/aes"
	"crypto/cipher"
)

// Node codec: AES-GCM-128 with an all-zero 96-bit nonce and empty
// associated data. Every key is single-use (freshly derived per flush),
// which is what makes the fixed nonce sound; the tag is stored apart
// from the ciphertext, in the parent's authenticator slot.

var zeroNonce [12]byte

func newGcm(key Key128) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fsErr(CodeCryptoError, "codec", "", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fsErr(CodeCryptoError, "codec", "", err)
	}
	return aead, nil
}

// sealBytes encrypts plaintext into ciphertext (equal length) and
// returns the detached tag. len(ciphertext) must equal len(plaintext).
func sealBytes(key Key128, plaintext, ciphertext []byte) (Mac128, error) {
	aead, err := newGcm(key)
	if err != nil {
		return Mac128{}, err
	}
	// Seal appends the tag after the ciphertext, so it cannot write into
	// the equal-length destination directly.
	sealed := aead.Seal(nil, zeroNonce[:], plaintext, nil)
	copy(ciphertext, sealed[:len(plaintext)])

	var mac Mac128
	copy(mac[:], sealed[len(plaintext):])
	return mac, nil
}

// openBytes decrypts ciphertext into plaintext (equal length), verifying
// the detached tag. A tag mismatch is reported as ErrMacMismatch.
func openBytes(key Key128, mac Mac128, ciphertext, plaintext []byte) error {
	aead, err := newGcm(key)
	if err != nil {
		return err
	}
	sealed := make([]byte, 0, len(ciphertext)+16)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, mac[:]...)

	if _, err := aead.Open(plaintext[:0], zeroNonce[:], sealed, nil); err != nil {
		return fsErr(CodeMacMismatch, "codec", "", err)
	}
	return nil
}
