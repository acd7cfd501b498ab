package dpm

import (
	"context"
	"fmt"
)

// StartTracking records that target follows source from their current
// latest versions. Both files must be committed. Tracking an already
// tracked pair is a no-op.
func (s *DPMService) StartTracking(ctx context.Context, source, target string) error {
	source, err := documentPath(source)
	if err != nil {
		return err
	}
	target, err = documentPath(target)
	if err != nil {
		return err
	}

	latest, err := s.LatestSnapshots()
	if err != nil {
		return err
	}
	sv, ok := latest[source]
	if !ok {
		return usageErrorf("%s is not synced yet; run `dpm sync %s` first", source, source)
	}
	tv, ok := latest[target]
	if !ok {
		return usageErrorf("%s is not synced yet; run `dpm sync %s` first", target, target)
	}

	tracks, err := s.pkg.Tracks.GetTracks(target)
	if err != nil {
		return fmt.Errorf("reading tracks of %s: %w", target, err)
	}
	if _, ok := tracks[source]; ok {
		s.logger.Debug("already tracking", "source", source, "target", target)
		return nil
	}
	tracks[source] = Track{Filename: source, OtherTimestamp: VersionPtr(sv), SelfTimestamp: tv}

	if err := s.pkg.Tracks.WriteTracks(target, tracks); err != nil {
		return fmt.Errorf("writing tracks of %s: %w", target, err)
	}
	s.logger.Info("tracking started", "source", source, "target", target)
	return nil
}

// StopTracking drops the source from target's tracks.
func (s *DPMService) StopTracking(ctx context.Context, source, target string) error {
	source, err := documentPath(source)
	if err != nil {
		return err
	}
	target, err = documentPath(target)
	if err != nil {
		return err
	}

	tracks, err := s.pkg.Tracks.GetTracks(target)
	if err != nil {
		return fmt.Errorf("reading tracks of %s: %w", target, err)
	}
	if _, ok := tracks[source]; !ok {
		return usageErrorf("%s is not tracking %s", target, source)
	}
	delete(tracks, source)

	if err := s.pkg.Tracks.WriteTracks(target, tracks); err != nil {
		return fmt.Errorf("writing tracks of %s: %w", target, err)
	}
	s.logger.Info("tracking stopped", "source", source, "target", target)
	return nil
}

// MarkUpToDate records that target has caught up with source's latest
// version. Without a target the package must be a translation and source
// names both the original file and its translated counterpart.
func (s *DPMService) MarkUpToDate(ctx context.Context, source string, target *string) error {
	source, err := documentPath(source)
	if err != nil {
		return err
	}
	if target == nil {
		return s.markTranslationUpToDate(ctx, source)
	}
	t, err := documentPath(*target)
	if err != nil {
		return err
	}

	latest, err := s.LatestSnapshots()
	if err != nil {
		return err
	}
	sv, ok := latest[source]
	if !ok {
		return usageErrorf("%s is not synced yet", source)
	}
	tv, ok := latest[t]
	if !ok {
		return usageErrorf("%s is not synced yet", t)
	}

	tracks, err := s.pkg.Tracks.GetTracks(t)
	if err != nil {
		return fmt.Errorf("reading tracks of %s: %w", t, err)
	}
	track, ok := tracks[source]
	if !ok {
		return usageErrorf("%s is not tracking %s; run `dpm start-tracking %s --target %s` first", t, source, source, t)
	}
	track.LastMergedVersion = VersionPtr(sv)
	track.OtherTimestamp = VersionPtr(sv)
	track.SelfTimestamp = tv
	tracks[source] = track

	if err := s.pkg.Tracks.WriteTracks(t, tracks); err != nil {
		return fmt.Errorf("writing tracks of %s: %w", t, err)
	}
	s.logger.Info("marked up to date", "source", source, "target", t)
	return nil
}

func (s *DPMService) markTranslationUpToDate(ctx context.Context, file string) error {
	if s.original == nil {
		return usageErrorf("%s is not a translation package; pass --target", s.pkg.Name)
	}

	originalLatest, err := s.original.Snapshots.LatestSnapshots()
	if err != nil {
		return fmt.Errorf("reading latest snapshots of %s: %w", s.original.Name, err)
	}
	ov, ok := originalLatest[file]
	if !ok {
		return usageErrorf("%s does not exist in %s", file, s.original.Name)
	}
	latest, err := s.LatestSnapshots()
	if err != nil {
		return err
	}
	tv, ok := latest[file]
	if !ok {
		return usageErrorf("%s is not synced yet", file)
	}

	tracks, err := s.pkg.Tracks.GetTracks(file)
	if err != nil {
		return fmt.Errorf("reading tracks of %s: %w", file, err)
	}
	track, ok := tracks[file]
	if !ok {
		name := s.original.Name
		track = Track{Filename: file, Package: &name}
	}
	track.LastMergedVersion = VersionPtr(ov)
	track.OtherTimestamp = VersionPtr(ov)
	track.SelfTimestamp = tv
	tracks[file] = track

	if err := s.pkg.Tracks.WriteTracks(file, tracks); err != nil {
		return fmt.Errorf("writing tracks of %s: %w", file, err)
	}
	s.logger.Info("translation marked up to date", "file", file, "version", ov)
	return nil
}
