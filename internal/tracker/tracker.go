// Package tracker stores track records under .tracks/<target>.track.
package tracker

import (
	"errors"
	"fmt"
	"path"
	"sort"

	"dpm-go/internal/dpm"
	"dpm-go/internal/ftd"
)

const trackKind = "dpm.track"

// Header keys of a track section.
const (
	keyPackage           = "package"
	keyVersion           = "version"
	keyOtherTimestamp    = "other-timestamp"
	keySelfTimestamp     = "self-timestamp"
	keyLastMergedVersion = "last-merged-version"
)

// FileTrackStore keeps one track file per target in the package's content store.
type FileTrackStore struct {
	files dpm.ContentStore
}

var _ dpm.TrackStore = (*FileTrackStore)(nil)

func NewFileTrackStore(files dpm.ContentStore) *FileTrackStore {
	return &FileTrackStore{files: files}
}

// TrackPath is the location of target's track file.
func TrackPath(target string) string {
	return path.Join(dpm.TracksDir, target+".track")
}

func (s *FileTrackStore) HasTracks(target string) (bool, error) {
	return s.files.Exists(TrackPath(target))
}

// GetTracks parses the target's track file. A missing file has no tracks.
func (s *FileTrackStore) GetTracks(target string) (map[string]dpm.Track, error) {
	p := TrackPath(target)
	data, err := s.files.Read(p)
	if err != nil {
		var nf *dpm.NotFoundError
		if errors.As(err, &nf) {
			return map[string]dpm.Track{}, nil
		}
		return nil, &dpm.PackageError{Path: p, Message: "reading tracks", Err: err}
	}

	sections, err := ftd.Parse(data)
	if err != nil {
		return nil, &dpm.PackageError{Path: p, Message: "parsing tracks", Err: err}
	}

	tracks := make(map[string]dpm.Track)
	for _, sec := range sections {
		if sec.Kind != trackKind {
			continue
		}
		t, err := decodeTrack(sec)
		if err != nil {
			return nil, &dpm.PackageError{Path: p, Message: "track " + sec.Caption, Err: err}
		}
		tracks[t.Filename] = t
	}
	return tracks, nil
}

// WriteTracks replaces the target's track file, or removes it when empty.
func (s *FileTrackStore) WriteTracks(target string, tracks map[string]dpm.Track) error {
	p := TrackPath(target)
	if len(tracks) == 0 {
		return s.files.Remove(p)
	}

	sections := []ftd.Section{ftd.Import("dpm")}
	for _, source := range sortedSources(tracks) {
		sections = append(sections, encodeTrack(tracks[source]))
	}
	if err := s.files.Write(p, ftd.Encode(sections)); err != nil {
		return fmt.Errorf("writing %s: %w", p, err)
	}
	return nil
}

func decodeTrack(sec ftd.Section) (dpm.Track, error) {
	t := dpm.Track{Filename: sec.Caption}
	if v, ok := sec.Get(keyPackage); ok {
		t.Package = &v
	}
	if v, ok := sec.Get(keyVersion); ok {
		t.Version = &v
	}

	raw, ok := sec.Get(keySelfTimestamp)
	if !ok {
		return t, fmt.Errorf("missing %s", keySelfTimestamp)
	}
	self, err := dpm.ParseVersion(raw)
	if err != nil {
		return t, err
	}
	t.SelfTimestamp = self

	if t.OtherTimestamp, err = optionalVersion(sec, keyOtherTimestamp); err != nil {
		return t, err
	}
	if t.LastMergedVersion, err = optionalVersion(sec, keyLastMergedVersion); err != nil {
		return t, err
	}
	return t, nil
}

func optionalVersion(sec ftd.Section, key string) (*dpm.Version, error) {
	raw, ok := sec.Get(key)
	if !ok {
		return nil, nil
	}
	v, err := dpm.ParseVersion(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func encodeTrack(t dpm.Track) ftd.Section {
	sec := ftd.Section{Kind: trackKind, Caption: t.Filename}
	if t.Package != nil {
		sec.Set(keyPackage, *t.Package)
	}
	if t.Version != nil {
		sec.Set(keyVersion, *t.Version)
	}
	if t.OtherTimestamp != nil {
		sec.Set(keyOtherTimestamp, t.OtherTimestamp.String())
	}
	sec.Set(keySelfTimestamp, t.SelfTimestamp.String())
	if t.LastMergedVersion != nil {
		sec.Set(keyLastMergedVersion, t.LastMergedVersion.String())
	}
	return sec
}

func sortedSources(tracks map[string]dpm.Track) []string {
	names := make([]string, 0, len(tracks))
	for k := range tracks {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
