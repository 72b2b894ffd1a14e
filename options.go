package protectfs

import (
	"go.uber.org/zap"
)

// Config carries the per-open settings that are not part of the on-disk
// format.
type Config struct {
	// CacheSize is the node cache capacity in bytes. It must be a
	// multiple of NodeSize and at least DefaultCacheSize. Zero selects
	// DefaultCacheSize.
	CacheSize int

	// Sealer produces the sealing key for AutoKey files. Required for
	// AutoKey, ExportKey, and ImportKey modes; ignored for UserKey.
	Sealer KeySealer

	// Logger receives debug and error events. Nil selects a nop logger.
	Logger *zap.Logger
}

// Validate checks the configuration and fills in defaults.
func (c *Config) validate(mode OpenMode) (*Config, error) {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.CacheSize == 0 {
		out.CacheSize = DefaultCacheSize
	}
	if out.CacheSize%NodeSize != 0 || out.CacheSize < DefaultCacheSize {
		return nil, fsErr(CodeInvalidParameter, "open", "", errInvalidCacheSize)
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if mode.kind != modeUserKey && out.Sealer == nil {
		return nil, fsErr(CodeInvalidParameter, "open", "", errNilSealer)
	}
	return &out, nil
}

// OpenOptions selects the access mode of a protected file. Exactly one of
// Read, Write, Append must be set; Update extends any of them with the
// complementary direction, mirroring fopen's "r/w/a" plus "+".
type OpenOptions struct {
	Read   bool // Open for reading; the file must exist.
	Write  bool // Open for writing; truncates (deletes) pre-existing content.
	Append bool // Open for writing positioned at end of file.
	Binary bool // Accepted for fopen-mode compatibility; no effect.
	Update bool // "+": read and write regardless of the base mode.
}

// ReadOnly reports whether the options forbid writing.
func (o OpenOptions) ReadOnly() bool {
	return o.Read && !o.Update
}

// check validates the access-mode combination.
func (o OpenOptions) check() error {
	valid := (o.Read && !o.Write && !o.Append) ||
		(!o.Read && o.Write && !o.Append) ||
		(!o.Read && !o.Write && o.Append)
	if !valid {
		return fsErr(CodeInvalidParameter, "open", "", errBadAccessMode)
	}
	return nil
}

type openModeKind int

const (
	modeAutoKey openModeKind = iota
	modeUserKey
	modeImportKey
	modeExportKey
)

// OpenMode selects how the metadata key is obtained.
type OpenMode struct {
	kind openModeKind
	key  Key128
}

// AutoKey derives the metadata key from the configured KeySealer, the
// analogue of enclave-sealed keys.
func AutoKey() OpenMode {
	return OpenMode{kind: modeAutoKey}
}

// UserKey uses the caller-supplied 128-bit key as the metadata key
// derivation secret.
func UserKey(key Key128) OpenMode {
	return OpenMode{kind: modeUserKey, key: key}
}

// ImportKey opens an existing file with a previously exported key and
// re-seals it under the configured KeySealer on close.
func ImportKey(key Key128) OpenMode {
	return OpenMode{kind: modeImportKey, key: key}
}

// ExportKey opens an existing file read-only in order to extract its
// current metadata key.
func ExportKey() OpenMode {
	return OpenMode{kind: modeExportKey}
}

// IsAutoKey reports whether the mode derives keys from the sealer.
func (m OpenMode) IsAutoKey() bool { return m.kind == modeAutoKey }

// IsUserKey reports whether the mode uses a caller-supplied key.
func (m OpenMode) IsUserKey() bool { return m.kind == modeUserKey }

// IsImportKey reports whether the mode imports a foreign key.
func (m OpenMode) IsImportKey() bool { return m.kind == modeImportKey }

// IsExportKey reports whether the mode extracts the metadata key.
func (m OpenMode) IsExportKey() bool { return m.kind == modeExportKey }

func (m OpenMode) check() error {
	if m.kind == modeUserKey || m.kind == modeImportKey {
		if m.key == (Key128{}) {
			return fsErr(CodeInvalidParameter, "open", "", errZeroKey)
		}
	}
	return nil
}

// encryptFlags is the key-scheme discriminator persisted in the metadata
// header.
func (m OpenMode) encryptFlags() uint8 {
	if m.kind == modeUserKey {
		return encryptFlagUserKey
	}
	return encryptFlagAutoKey
}
