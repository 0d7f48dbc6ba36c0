package target

import (
	"context"
	"io"

	"github.com/openmined/csync/internal/backend"
	"github.com/openmined/csync/internal/filter"
	"github.com/openmined/csync/internal/manifest"
	"github.com/stretchr/testify/mock"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Initialize(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockBackend) Store(ctx context.Context, localPath, remoteRel string) error {
	return m.Called(ctx, localPath, remoteRel).Error(0)
}

func (m *mockBackend) Retrieve(ctx context.Context, remoteRel, localPath string) error {
	return m.Called(ctx, remoteRel, localPath).Error(0)
}

func (m *mockBackend) List(ctx context.Context, f filter.Filter) ([]backend.ObjectInfo, error) {
	args := m.Called(ctx, f)
	objects, _ := args.Get(0).([]backend.ObjectInfo)
	return objects, args.Error(1)
}

func (m *mockBackend) ReadFileStream(ctx context.Context, remoteRel string) (io.ReadCloser, error) {
	args := m.Called(ctx, remoteRel)
	rc, _ := args.Get(0).(io.ReadCloser)
	return rc, args.Error(1)
}

func (m *mockBackend) DisplayName(remoteRel string) string {
	return "mock://" + remoteRel
}

func (m *mockBackend) Stat(ctx context.Context, remoteRel string) (backend.ObjectInfo, error) {
	args := m.Called(ctx, remoteRel)
	return args.Get(0).(backend.ObjectInfo), args.Error(1)
}

func (m *mockBackend) ReadManifest(ctx context.Context) (*manifest.Manifest, error) {
	args := m.Called(ctx)
	mf, _ := args.Get(0).(*manifest.Manifest)
	return mf, args.Error(1)
}

func (m *mockBackend) WriteManifest(ctx context.Context, mf *manifest.Manifest) (string, error) {
	args := m.Called(ctx, mf)
	return args.String(0), args.Error(1)
}

var _ backend.Backend = (*mockBackend)(nil)
