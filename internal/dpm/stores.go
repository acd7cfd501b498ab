package dpm

import (
	"context"
	"io"
)

// ContentStore is a package's working tree. Paths are slash-separated and
// relative to the package root.
type ContentStore interface {
	// Read returns the file's bytes, or a *NotFoundError if it is absent.
	Read(path string) ([]byte, error)

	// Write replaces the file atomically, creating parent directories.
	Write(path string, data []byte) error

	// Remove deletes the file. Removing an absent file is not an error.
	Remove(path string) error

	// Exists reports whether a regular file is present at path.
	Exists(path string) (bool, error)

	// List returns the package's documents in sorted order. Internal stores
	// (history, tracks, build output, state, CR partitions) and ignored files
	// are excluded.
	List() ([]string, error)
}

// Archive keeps the immutable bytes of every committed version of every file.
type Archive interface {
	// Put stores data for (filename, version). Re-putting the same pair is safe.
	Put(ctx context.Context, filename string, version Version, data []byte) error

	// Get returns the archived bytes, or a *NotFoundError.
	Get(ctx context.Context, filename string, version Version) ([]byte, error)
}

// SnapshotStore is the per-package record of the latest committed version of
// every file plus the archive of past versions.
type SnapshotStore interface {
	// LatestSnapshots returns the latest version of every committed file.
	// A package that never committed has an empty set.
	LatestSnapshots() (map[string]Version, error)

	// ReadAt returns the file's bytes as committed at version.
	ReadAt(ctx context.Context, filename string, version Version) ([]byte, error)

	// Commit archives the changed files and rewrites the latest set in one step.
	// Each change's version must exceed the file's current latest version.
	Commit(ctx context.Context, changes []SnapshotChange) error
}

// TrackStore holds, per target file, the source files it tracks.
type TrackStore interface {
	HasTracks(target string) (bool, error)

	// GetTracks returns the target's tracks keyed by source filename.
	// A target without a track file has none.
	GetTracks(target string) (map[string]Track, error)

	// WriteTracks replaces the target's track file. An empty map removes it.
	WriteTracks(target string, tracks map[string]Track) error
}

// Database provides the transactional local state: the workspace overlay,
// change requests and the operation log.
type Database interface {
	// Workspace operations

	// GetWorkspaceMap returns every workspace entry keyed by filename.
	GetWorkspaceMap() (map[string]*WorkspaceEntry, error)

	// WriteWorkspace replaces the whole workspace set in one transaction.
	WriteWorkspace(entries []*WorkspaceEntry) error

	// Change request operations

	// CreateChangeRequest allocates the next CR number and records it open.
	CreateChangeRequest(title *string) (*ChangeRequest, error)

	// FindChangeRequest returns nil, nil when the CR does not exist.
	FindChangeRequest(id int64) (*ChangeRequest, error)

	ListChangeRequests() ([]*ChangeRequest, error)

	// SetChangeRequestOpen toggles only the open flag.
	SetChangeRequestOpen(id int64, open bool) error

	// GetDeletedFiles returns the CR's deleted-files ledger in insertion order.
	GetDeletedFiles(cr int64) ([]CRDeleted, error)

	// RecordCRDeletion appends to the ledger and inserts the marker workspace
	// entry (if missing) in one transaction.
	RecordCRDeletion(cr int64, deleted CRDeleted, marker *WorkspaceEntry) error

	// Operation log

	CreateOperation(operation string, parameters string) (*Operation, error)
	FinishOperation(id int64, status string) error
	ListOperations(limit int) ([]*Operation, error)

	Close() error
}

// Remote is the authoritative snapshot owner a package syncs against.
type Remote interface {
	// Manifest returns the remote's latest version of every file.
	Manifest(ctx context.Context) (map[string]FileEdit, error)

	// Fetch returns the remote's bytes for filename at version.
	Fetch(ctx context.Context, filename string, version Version) ([]byte, error)

	// Commit applies changes optimistically. If any change's base differs
	// from the remote's current version nothing is written and a
	// *ConflictError is returned.
	Commit(ctx context.Context, changes []Change) (map[string]Version, error)
}

// Encryptor handles encryption of archived blobs and unlocking for decryption.
// Encryption uses the public key only. Decryption requires a passphrase to
// unlock the private key, producing a DecryptionContext for the session.
type Encryptor interface {
	// Setup generates a key pair, stores the public key in plaintext and
	// the private key encrypted with passphrase. Called by `dpm init`.
	Setup(passphrase string) error

	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key. Returns an error for a wrong passphrase.
	Unlock(passphrase string) (DecryptionContext, error)

	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory only.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}

// Renderer turns documents into page bytes.
type Renderer interface {
	// Renderable reports whether filename is a document rather than a static asset.
	Renderable(filename string) bool

	Render(ctx context.Context, page *Page) ([]byte, error)
}

// Page is everything the renderer needs for one output file.
type Page struct {
	Package     string
	Main        *Document
	Fallback    *Document
	Message     string
	Translation *TranslationData
	BaseURL     string
}

// TranslationData is the translation banner shown for outdated pages.
type TranslationData struct {
	Diff             string
	LastMarkedOn     *Version
	OriginalLatest   *Version
	TranslatedLatest *Version
}

// Package bundles the stores that make up one package.
type Package struct {
	Name      string
	Language  string
	Files     ContentStore
	Snapshots SnapshotStore
	Tracks    TrackStore
}
