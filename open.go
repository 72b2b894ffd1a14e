package protectfs

import (
	"path/filepath"

	"github.com/absfs/absfs"
	"go.uber.org/zap"
)

// Open opens or creates a protected file at path on the untrusted
// filesystem fs.
//
// The access mode follows fopen: Read requires the file to exist, Write
// discards any existing file, Append positions at end of file. The open
// mode selects the key scheme; cfg may be nil for defaults.
//
// If a previous writer crashed mid-flush, Open replays the crash journal
// and retries once before giving up with a recovery error.
func Open(fs absfs.FileSystem, path string, opts OpenOptions, mode OpenMode, cfg *Config) (*File, error) {
	if err := opts.check(); err != nil {
		return nil, err
	}
	if err := mode.check(); err != nil {
		return nil, err
	}
	conf, err := cfg.validate(mode)
	if err != nil {
		return nil, err
	}

	name := filepath.Base(path)
	if path == "" || name == "." || name == string(filepath.Separator) {
		return nil, fsErr(CodeInvalidParameter, "open", path, errEmptyName)
	}
	if len(name) >= FilenameMaxLen || len(path) > FullnameMaxLen {
		return nil, fsErr(CodeNameTooLong, "open", path, nil)
	}

	// Key export and import operate on existing files only, and an
	// exported key must stay valid: no flush may rotate it underneath.
	readonly := opts.ReadOnly() || mode.IsExportKey()

	exists := hostExists(fs, path)
	if !exists && (readonly || mode.IsImportKey()) {
		return nil, fsErr(CodeNotFound, "open", path, nil)
	}
	if exists && opts.Write {
		if err := Remove(fs, path); err != nil {
			return nil, err
		}
		exists = false
	}

	f := &File{inner: fileInner{
		fs:           fs,
		log:          conf.Logger,
		path:         path,
		recoveryPath: RecoveryPath(path),
		opts:         opts,
		conf:         conf,
		readonly:     readonly,
		cache:        newNodeCache(conf.CacheSize),
		rootMht:      newRootMht(),
		status:       StatusNotInitialized,
	}}
	in := &f.inner

	if exists {
		err = in.openExisting(mode, name)
	} else {
		err = in.createNew(mode, name)
	}
	if err != nil {
		if in.host != nil {
			in.host.Close()
		}
		return nil, err
	}

	// "a" starts at end of file; "a+" starts at 0 for reading and every
	// write repositions to end on its own.
	if opts.Append && !opts.Update {
		in.offset = in.size()
	}
	in.status = StatusOK
	in.log.Debug("protectfs: opened",
		zap.String("path", path),
		zap.Int64("size", in.size()),
		zap.Bool("readonly", readonly))
	return f, nil
}

// Create opens a fresh protected file for reading and writing,
// discarding any previous content at path.
func Create(fs absfs.FileSystem, path string, mode OpenMode, cfg *Config) (*File, error) {
	return Open(fs, path, OpenOptions{Write: true, Update: true}, mode, cfg)
}

func (f *fileInner) openExisting(mode OpenMode, name string) error {
	err := f.loadHostFile()
	if err == nil {
		return f.loadMetadata(mode, name)
	}
	if !IsRecoveryNeeded(err) {
		return err
	}

	// The update flag is set: a writer died mid-flush. Roll back via the
	// journal and retry once.
	f.closeHost()
	if err := Recover(f.fs, f.path); err != nil {
		return fsErr(CodeRecoveryNeeded, "open", f.path, err)
	}
	if err := f.loadHostFile(); err != nil {
		return err
	}
	return f.loadMetadata(mode, name)
}

// loadHostFile opens the backing file and reads the metadata node,
// reporting RecoveryNeeded when the update flag is set.
func (f *fileInner) loadHostFile() error {
	host, err := openHostFile(f.fs, f.path, f.readonly)
	if err != nil {
		return err
	}
	f.host = host

	size, err := host.Size()
	if err != nil {
		return err
	}
	if size < NodeSize || size%NodeSize != 0 {
		return fsErr(CodeNotProtectedFile, "open", f.path, nil)
	}
	f.hostNodes = uint64(size / NodeSize)

	f.meta = newMetadataInfo()
	if err := f.meta.readFromDisk(host); err != nil {
		return err
	}
	if err := f.meta.validate(); err != nil {
		return err
	}
	if f.meta.header.updateFlag == 1 {
		return fsErr(CodeRecoveryNeeded, "open", f.path, nil)
	}
	return nil
}

// loadMetadata restores the metadata key, authenticates the payload and
// the root MHT, and verifies the embedded file name.
func (f *fileInner) loadMetadata(mode OpenMode, name string) error {
	if f.meta.header.encryptFlags != mode.encryptFlags() {
		return fsErr(CodeInvalidParameter, "open", f.path, errKeySchemeMismatch)
	}

	keys, err := newFsKeyGen(mode, f.conf.Sealer, f.meta.header.masterNonce)
	if err != nil {
		return err
	}
	f.keys = keys

	key, err := keys.restoreMetadataKey(f.meta.header.keyID)
	if err != nil {
		return err
	}
	if err := f.meta.decrypt(key); err != nil {
		return err
	}
	if f.meta.payload.name() != name {
		return fsErr(CodeNameMismatch, "open", f.path, nil)
	}

	if f.size() > MDUserDataSize {
		f.rootMht.newNode = false
		if err := f.rootMht.readFromDisk(f.host); err != nil {
			return err
		}
		if err := f.rootMht.decrypt(f.meta.rootMhtGcmData()); err != nil {
			return err
		}
	}
	return nil
}

func (f *fileInner) createNew(mode OpenMode, name string) error {
	if f.readonly {
		return fsErr(CodeNotFound, "open", f.path, nil)
	}

	nonce, err := newMasterNonce()
	if err != nil {
		return err
	}
	keys, err := newFsKeyGen(mode, f.conf.Sealer, nonce)
	if err != nil {
		return err
	}
	f.keys = keys

	f.meta = newMetadataInfo()
	f.meta.header = newMetaHeader(mode.encryptFlags())
	f.meta.header.masterNonce = nonce
	f.meta.payload.setName(name)
	f.needWriting = true

	host, err := openHostFile(f.fs, f.path, false)
	if err != nil {
		return err
	}
	f.host = host
	f.hostNodes = 0
	return nil
}

func (f *fileInner) closeHost() {
	if f.host != nil {
		f.host.Close()
		f.host = nil
	}
	f.hostNodes = 0
}
