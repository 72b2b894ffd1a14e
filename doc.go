// Package protectfs implements a protected file: an encrypted,
// integrity-verified file stored on an untrusted filesystem through the
// AbsFs abstraction.
//
// # Overview
//
// A protected file looks like a plain byte stream to its user, but on the
// host it is a flat array of 4 KiB nodes forming a Merkle tree of
// authenticated encryption: every node is sealed with AES-128-GCM under a
// single-use key, and the key and tag of every node are stored in its
// parent, up to a metadata node that anchors the whole file. Reading any
// byte verifies the chain of tags from the metadata down to the node
// holding it; no unverified host byte ever reaches the caller.
//
// # Guarantees
//
// Protected Against:
//   - Disclosure: all content and the tree structure protecting it are
//     encrypted at rest
//   - Tampering: any modification of the host file fails tag verification
//   - Swapping: the file name is embedded and verified, so a protected
//     file cannot be renamed or substituted undetected on the host
//   - Truncation and crash corruption: updates are journaled; an
//     interrupted flush rolls back to the previous consistent state
//
// Not Protected Against:
//   - Rollback of the whole file to an older consistent version (use
//     MetadataMac for out-of-band freshness)
//   - Deletion of the host file
//   - Memory disclosure while the file is open
//
// # Basic Usage
//
//	base := osfs.New()
//	sealer := protectfs.NewStaticSealer(platformSecret)
//
//	f, err := protectfs.Create(base, "/data/ledger.pfs", protectfs.AutoKey(), &protectfs.Config{
//		Sealer: sealer,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	f.Write([]byte("sealed against the host"))
//	if err := f.Close(); err != nil {
//		log.Fatal(err)
//	}
//
// Files opened with UserKey are portable across machines; AutoKey files
// are bound to whatever the KeySealer derives its secret from, and move
// between parties via ExportFileKey and ImportFileKey.
//
// # Consistency
//
// Modifications accumulate in an in-memory node cache and reach the host
// only on Flush, Close, or cache pressure, as a single transaction: the
// previous ciphertext of every touched node is journaled first, then the
// new tree is written bottom-up, then the journal is discarded. A crash
// at any point leaves either the old state or the new state recoverable;
// the next Open replays the journal automatically.
package protectfs
