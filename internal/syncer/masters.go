package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openmined/csync/internal/target"
	"github.com/openmined/csync/internal/version"
)

// FsckMaster checks the backup indexes and manifest of a target.
type FsckMaster struct {
	opts Options
}

// NewFsckMaster returns an FsckMaster for opts.
func NewFsckMaster(opts Options) *FsckMaster {
	return &FsckMaster{opts: opts}
}

// Run checks every index matching Config.Index, then audits the latest manifest.
func (f *FsckMaster) Run(ctx context.Context) (*target.FsckReport, error) {
	tgt, err := newTarget(ctx, f.opts)
	if err != nil {
		return nil, err
	}
	slog.Info("fsck start", "target", tgt.Backend().DisplayName(""))
	return tgt.Fsck(ctx, f.opts.Config.Index)
}

// RestoreMaster downloads the latest manifest's files into the source directory.
type RestoreMaster struct {
	opts Options
}

func NewRestoreMaster(opts Options) *RestoreMaster {
	return &RestoreMaster{opts: opts}
}

// Run restores into Config.Source. Per-file failures are counted in the result.
func (r *RestoreMaster) Run(ctx context.Context) (target.RestoreResult, error) {
	tgt, err := newTarget(ctx, r.opts)
	if err != nil {
		return target.RestoreResult{}, err
	}
	return tgt.Restore(ctx, r.opts.Config.Source)
}

// Fsck runs an FsckMaster once.
func Fsck(ctx context.Context, opts Options) (*target.FsckReport, error) {
	return NewFsckMaster(opts).Run(ctx)
}

// Restore runs a RestoreMaster once and fails when any file could not be restored.
func Restore(ctx context.Context, opts Options) (target.RestoreResult, error) {
	res, err := NewRestoreMaster(opts).Run(ctx)
	if err != nil {
		return res, err
	}
	if res.Failed > 0 {
		return res, fmt.Errorf("restore finished with %d failed files", res.Failed)
	}
	return res, nil
}

func versionString() string {
	return version.Short()
}
