package dpm

import (
	"context"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// TranslationState names the four translation statuses.
type TranslationState int

const (
	StateMissing TranslationState = iota
	StateNeverMarked
	StateOutdated
	StateUpToDate
)

func (s TranslationState) String() string {
	switch s {
	case StateMissing:
		return "missing"
	case StateNeverMarked:
		return "never-marked"
	case StateOutdated:
		return "outdated"
	case StateUpToDate:
		return "upto-date"
	default:
		return fmt.Sprintf("TranslationState(%d)", int(s))
	}
}

// TranslatedDocument is the translation status of one original file. The
// set of implementations is closed: *Missing, *NeverMarked, *Outdated and
// *UpToDate.
type TranslatedDocument interface {
	State() TranslationState
	translatedDocument()
}

// Missing: the translated package has no counterpart of the original file.
type Missing struct {
	Filename string
	Original *Document
}

// NeverMarked: a counterpart exists but was never marked up to date.
type NeverMarked struct {
	Filename   string
	Original   *Document
	Translated *Document
}

// Outdated: the original moved on since the translation was last marked.
type Outdated struct {
	Filename         string
	Original         *Document
	Translated       *Document
	LastMarkedOn     Version
	OriginalLatest   Version
	TranslatedLatest Version
}

// UpToDate: the translation was marked against the original's latest version.
type UpToDate struct {
	Filename   string
	Translated *Document
}

func (*Missing) State() TranslationState     { return StateMissing }
func (*NeverMarked) State() TranslationState { return StateNeverMarked }
func (*Outdated) State() TranslationState    { return StateOutdated }
func (*UpToDate) State() TranslationState    { return StateUpToDate }

func (*Missing) translatedDocument()     {}
func (*NeverMarked) translatedDocument() {}
func (*Outdated) translatedDocument()    {}
func (*UpToDate) translatedDocument()    {}

// TranslationSummary counts documents per status.
type TranslationSummary struct {
	Missing     int `json:"missing"`
	NeverMarked int `json:"never_marked"`
	Outdated    int `json:"outdated"`
	UpToDate    int `json:"upto_date"`
	Total       int `json:"total"`
}

// Summarize counts the statuses in a classification.
func Summarize(status map[string]TranslatedDocument) TranslationSummary {
	var sum TranslationSummary
	for _, td := range status {
		switch td.(type) {
		case *Missing:
			sum.Missing++
		case *NeverMarked:
			sum.NeverMarked++
		case *Outdated:
			sum.Outdated++
		case *UpToDate:
			sum.UpToDate++
		}
		sum.Total++
	}
	return sum
}

// readmeAlias is the only filename with a fallback document.
const (
	readmeAlias = "README.md"
	readmeIndex = "index.md"
)

// ClassifyTranslations classifies every file of the original package's
// latest snapshots against the translated package. tracks holds the track
// records of translated files that have a track file, keyed by target and
// then by source. It is a pure function of its inputs.
func ClassifyTranslations(originalSnapshots map[string]Version, originalDocs, translatedDocs map[string]*Document, tracks map[string]map[string]Track) (map[string]TranslatedDocument, error) {
	out := make(map[string]TranslatedDocument, len(originalSnapshots))
	for _, filename := range sortedKeys(originalSnapshots) {
		timestamp := originalSnapshots[filename]

		original, ok := originalDocs[filename]
		if !ok && filename == readmeAlias {
			original, ok = originalDocs[readmeIndex]
		}
		if !ok {
			return nil, &PackageError{Path: filename, Message: "document in latest snapshots is missing from the original package"}
		}

		translated, ok := translatedDocs[filename]
		if !ok {
			out[filename] = &Missing{Filename: filename, Original: original}
			continue
		}

		fileTracks, ok := tracks[filename]
		if !ok {
			out[filename] = &NeverMarked{Filename: filename, Original: original, Translated: translated}
			continue
		}

		track, ok := fileTracks[filename]
		if !ok || track.LastMergedVersion == nil {
			out[filename] = &NeverMarked{Filename: filename, Original: original, Translated: translated}
			continue
		}

		if *track.LastMergedVersion < timestamp {
			out[filename] = &Outdated{
				Filename:         filename,
				Original:         original,
				Translated:       translated,
				LastMarkedOn:     *track.LastMergedVersion,
				OriginalLatest:   timestamp,
				TranslatedLatest: track.SelfTimestamp,
			}
			continue
		}
		out[filename] = &UpToDate{Filename: filename, Translated: translated}
	}
	return out, nil
}

// TranslationStatus loads the inputs of ClassifyTranslations from the two
// packages' stores.
func TranslationStatus(ctx context.Context, original, translated *Package) (map[string]TranslatedDocument, error) {
	originalSnapshots, err := original.Snapshots.LatestSnapshots()
	if err != nil {
		return nil, fmt.Errorf("reading latest snapshots of %s: %w", original.Name, err)
	}
	originalDocs, err := loadDocuments(original.Files)
	if err != nil {
		return nil, fmt.Errorf("loading documents of %s: %w", original.Name, err)
	}
	translatedDocs, err := loadDocuments(translated.Files)
	if err != nil {
		return nil, fmt.Errorf("loading documents of %s: %w", translated.Name, err)
	}

	tracks := make(map[string]map[string]Track)
	for filename := range originalSnapshots {
		if _, ok := translatedDocs[filename]; !ok {
			continue
		}
		has, err := translated.Tracks.HasTracks(filename)
		if err != nil {
			return nil, fmt.Errorf("checking tracks of %s: %w", filename, err)
		}
		if !has {
			continue
		}
		t, err := translated.Tracks.GetTracks(filename)
		if err != nil {
			return nil, fmt.Errorf("reading tracks of %s: %w", filename, err)
		}
		tracks[filename] = t
	}

	return ClassifyTranslations(originalSnapshots, originalDocs, translatedDocs, tracks)
}

// TranslationStatus classifies this package against the package it translates.
func (s *DPMService) TranslationStatus(ctx context.Context) (map[string]TranslatedDocument, error) {
	if s.original == nil {
		return nil, usageErrorf("%s is not a translation package", s.pkg.Name)
	}
	return TranslationStatus(ctx, s.original, s.pkg)
}

// TranslationDiff is the escaped line diff of the original between the
// version the translation was last marked on and the original's latest.
func (s *DPMService) TranslationDiff(ctx context.Context, d *Outdated) (string, error) {
	if s.original == nil {
		return "", usageErrorf("%s is not a translation package", s.pkg.Name)
	}
	from, err := s.original.Snapshots.ReadAt(ctx, d.Filename, d.LastMarkedOn)
	if err != nil {
		return "", fmt.Errorf("reading %s at %s: %w", d.Filename, d.LastMarkedOn, err)
	}
	to, err := s.original.Snapshots.ReadAt(ctx, d.Filename, d.OriginalLatest)
	if err != nil {
		return "", fmt.Errorf("reading %s at %s: %w", d.Filename, d.OriginalLatest, err)
	}
	diff, err := UnifiedDiff(from, to, d.Filename+"@"+d.LastMarkedOn.String(), d.Filename+"@"+d.OriginalLatest.String())
	if err != nil {
		return "", err
	}
	return EscapeDiff(diff), nil
}

// UnifiedDiff returns a line-based unified diff from a to b.
func UnifiedDiff(a, b []byte, fromName, toName string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        splitLines(a),
		B:        splitLines(b),
		FromFile: fromName,
		ToFile:   toName,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", fmt.Errorf("computing diff: %w", err)
	}
	return text, nil
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	return difflib.SplitLines(string(data))
}

// EscapeDiff escapes section markers so a diff can be embedded in a document.
func EscapeDiff(diff string) string {
	return strings.ReplaceAll(diff, "---", `\---`)
}

func loadDocuments(files ContentStore) (map[string]*Document, error) {
	names, err := files.List()
	if err != nil {
		return nil, err
	}
	docs := make(map[string]*Document, len(names))
	for _, name := range names {
		data, err := files.Read(name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		docs[name] = &Document{ID: name, Content: data}
	}
	return docs, nil
}
