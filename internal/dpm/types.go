package dpm

import (
	"database/sql"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// Version is a logical timestamp: nanoseconds since the Unix epoch, chosen at
// commit time. A file's versions strictly increase across commits; different
// files committed together may share one.
type Version uint64

// ParseVersion parses the decimal form written into manifests and track files.
func ParseVersion(s string) (Version, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version %q: %w", s, err)
	}
	return Version(v), nil
}

func (v Version) String() string { return strconv.FormatUint(uint64(v), 10) }

// Time converts the version back to the wall-clock instant it was taken at.
func (v Version) Time() time.Time { return time.Unix(0, int64(v)).UTC() }

// RFC3339 is the human form shown next to versions in rendered pages.
func (v Version) RFC3339() string { return v.Time().Format(time.RFC3339) }

// VersionPtr returns a pointer to a copy of v.
func VersionPtr(v Version) *Version { return &v }

// Package-relative locations of the persisted stores.
const (
	ConfigFile     = "DPM.toml"
	HistoryDir     = ".history"
	LatestManifest = ".history/.latest.ftd"
	TracksDir      = ".tracks"
	BuildDir       = ".build"
	StateDir       = ".dpm"
	CRDir          = "-"
)

// Snapshot marks the latest committed version of one file.
type Snapshot struct {
	Filename string
	Version  Version
}

// SnapshotChange is one file's contribution to a snapshot commit.
// Deleted changes drop the file from the latest set and carry no content.
type SnapshotChange struct {
	Filename string
	Version  Version
	Content  []byte
	Deleted  bool
}

// WorkspaceEntry is one pending local change that has not been synced yet.
// Entries with a CR are keyed by their derived path (see CRPath) so they
// never shadow the main workspace's view of the same file.
type WorkspaceEntry struct {
	Filename   string
	Deleted    bool
	Version    *Version // base version the change was made against; nil for new files
	CR         *int64
	Conflicted bool
}

// SetDeleted marks the entry as a pending deletion.
func (e *WorkspaceEntry) SetDeleted() { e.Deleted = true }

// IsMain reports whether the entry belongs to the main workspace.
func (e *WorkspaceEntry) IsMain() bool { return e.CR == nil }

// Track links a derived file to the source file it follows.
type Track struct {
	Filename          string // the tracked source file
	Package           *string
	Version           *string
	OtherTimestamp    *Version
	SelfTimestamp     Version
	LastMergedVersion *Version
}

// ChangeRequest is the "about" record of a CR.
type ChangeRequest struct {
	ID    int64
	Title *string
	Open  bool
}

// CRDeleted records a file deleted inside a CR together with the version it
// had in the remote manifest at the time of deletion.
type CRDeleted struct {
	Filename string  `json:"filename"`
	Version  Version `json:"version"`
}

// FileEdit is one entry of a remote manifest.
type FileEdit struct {
	Version Version `json:"version"`
}

// Change is a file mutation sent to the snapshot owner. Base is the version
// the change was made against (zero for a new file).
type Change struct {
	Filename string  `json:"filename"`
	Base     Version `json:"base"`
	Content  []byte  `json:"content,omitempty"`
	Deleted  bool    `json:"deleted,omitempty"`
}

// Document is one file of a package as handed to the renderer.
type Document struct {
	ID      string
	Content []byte
}

// Operation is an audit record for a mutating command.
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Status     string
}

// CRRoot is the directory holding the workspace partition of a CR.
func CRRoot(cr int64) string {
	return path.Join(CRDir, strconv.FormatInt(cr, 10))
}

// CRPath is the derived path of filename inside the workspace partition of a CR.
func CRPath(cr int64, filename string) string {
	return path.Join(CRRoot(cr), filename)
}

// CRDeletedMarkerPath is the workspace key that stands for a CR's deleted-files ledger.
func CRDeletedMarkerPath(cr int64) string {
	return path.Join(CRRoot(cr), CRDir, "deleted.ftd")
}

// ParseCRPath splits "-/<cr>/<rest>" into its CR number and remaining path.
func ParseCRPath(p string) (int64, string, bool) {
	p = strings.TrimPrefix(p, "/")
	rest, ok := strings.CutPrefix(p, CRDir+"/")
	if !ok {
		return 0, "", false
	}
	num, filename, _ := strings.Cut(rest, "/")
	cr, err := strconv.ParseInt(num, 10, 64)
	if err != nil || cr <= 0 {
		return 0, "", false
	}
	return cr, filename, true
}
