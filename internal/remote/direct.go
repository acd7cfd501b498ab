package remote

import (
	"context"

	"dpm-go/internal/dpm"
)

// Direct is a remote served by a DPMService in the same process.
type Direct struct {
	svc *dpm.DPMService
}

var _ dpm.Remote = (*Direct)(nil)

func NewDirect(svc *dpm.DPMService) *Direct {
	return &Direct{svc: svc}
}

func (d *Direct) Manifest(ctx context.Context) (map[string]dpm.FileEdit, error) {
	return d.svc.Manifest(ctx)
}

func (d *Direct) Fetch(ctx context.Context, filename string, version dpm.Version) ([]byte, error) {
	return d.svc.ReadAt(ctx, filename, version)
}

func (d *Direct) Commit(ctx context.Context, changes []dpm.Change) (map[string]dpm.Version, error) {
	return d.svc.Commit(ctx, changes)
}
