package dpm

import (
	"context"
	"fmt"
)

// ChangeRequestInfo is a CR together with its deleted-files ledger.
type ChangeRequestInfo struct {
	*ChangeRequest
	Deleted []CRDeleted
}

// CreateCR opens a new change request with the next free number.
func (s *DPMService) CreateCR(ctx context.Context, title *string) (*ChangeRequest, error) {
	cr, err := s.database.CreateChangeRequest(title)
	if err != nil {
		return nil, fmt.Errorf("creating change request: %w", err)
	}
	s.logger.Info("change request created", "cr", cr.ID)
	return cr, nil
}

// CloseCR marks a change request closed. Its workspace partition is kept.
func (s *DPMService) CloseCR(ctx context.Context, id int64) error {
	cr, err := s.findChangeRequest(id)
	if err != nil {
		return err
	}
	if !cr.Open {
		return usageErrorf("CR#%d is already closed", id)
	}
	if err := s.database.SetChangeRequestOpen(id, false); err != nil {
		return fmt.Errorf("closing CR#%d: %w", id, err)
	}
	s.logger.Info("change request closed", "cr", id)
	return nil
}

// ListCRs returns every change request, oldest first.
func (s *DPMService) ListCRs(ctx context.Context) ([]*ChangeRequestInfo, error) {
	crs, err := s.database.ListChangeRequests()
	if err != nil {
		return nil, fmt.Errorf("listing change requests: %w", err)
	}
	infos := make([]*ChangeRequestInfo, len(crs))
	for i, cr := range crs {
		deleted, err := s.database.GetDeletedFiles(cr.ID)
		if err != nil {
			return nil, fmt.Errorf("reading deleted files of CR#%d: %w", cr.ID, err)
		}
		infos[i] = &ChangeRequestInfo{ChangeRequest: cr, Deleted: deleted}
	}
	return infos, nil
}

// Edit copies the latest committed version of file into the CR's workspace
// partition and records it as a pending CR change.
func (s *DPMService) Edit(ctx context.Context, file string, cr int64) error {
	file, err := documentPath(file)
	if err != nil {
		return err
	}
	if _, err := s.openChangeRequest(cr); err != nil {
		return err
	}

	ws, err := s.workspace()
	if err != nil {
		return err
	}
	key := CRPath(cr, file)
	if _, ok := ws[key]; ok {
		return nil
	}

	latest, err := s.LatestSnapshots()
	if err != nil {
		return err
	}
	v, ok := latest[file]
	if !ok {
		return usageErrorf("%s is not in latest; create it under %s and use `dpm add --cr %d %s`", file, CRRoot(cr), cr, file)
	}
	data, err := s.pkg.Snapshots.ReadAt(ctx, file, v)
	if err != nil {
		return fmt.Errorf("reading %s at %s: %w", file, v, err)
	}
	if err := s.pkg.Files.Write(key, data); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}

	crID := cr
	ws[key] = &WorkspaceEntry{Filename: key, Version: VersionPtr(v), CR: &crID}
	s.logger.Info("file opened for editing", "file", file, "cr", cr)
	return s.writeWorkspace(ws)
}

// removeInCR records file in the CR's deleted-files ledger.
func (s *DPMService) removeInCR(ctx context.Context, file string, cr int64) error {
	if _, err := s.openChangeRequest(cr); err != nil {
		return err
	}

	manifest, err := s.remoteManifest(ctx)
	if err != nil {
		return err
	}
	edit, ok := manifest[file]
	if !ok {
		return usageErrorf("%s is not present in remote manifest", file)
	}

	deleted, err := s.database.GetDeletedFiles(cr)
	if err != nil {
		return fmt.Errorf("reading deleted files of CR#%d: %w", cr, err)
	}
	for _, d := range deleted {
		if d.Filename == file {
			return usageErrorf("%s is already deleted in CR#%d", file, cr)
		}
	}

	crID := cr
	marker := &WorkspaceEntry{Filename: CRDeletedMarkerPath(cr), CR: &crID}
	if err := s.database.RecordCRDeletion(cr, CRDeleted{Filename: file, Version: edit.Version}, marker); err != nil {
		return fmt.Errorf("recording deletion in CR#%d: %w", cr, err)
	}

	s.logger.Info("file removed", "file", file, "cr", cr)
	return nil
}

func (s *DPMService) findChangeRequest(id int64) (*ChangeRequest, error) {
	cr, err := s.database.FindChangeRequest(id)
	if err != nil {
		return nil, fmt.Errorf("finding CR#%d: %w", id, err)
	}
	if cr == nil {
		return nil, &NotFoundError{Path: fmt.Sprintf("CR#%d", id)}
	}
	return cr, nil
}

func (s *DPMService) openChangeRequest(id int64) (*ChangeRequest, error) {
	cr, err := s.findChangeRequest(id)
	if err != nil {
		return nil, err
	}
	if !cr.Open {
		return nil, usageErrorf("CR#%d is closed", id)
	}
	return cr, nil
}
