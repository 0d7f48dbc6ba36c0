package target

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openmined/csync/internal/backend"
	"github.com/openmined/csync/internal/filter"
	"github.com/openmined/csync/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func body(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

func TestFsckContinuesPastBadEntries(t *testing.T) {
	m := &mockBackend{}
	isIndexFilter := mock.MatchedBy(func(f filter.Filter) bool { return f != nil })

	m.On("List", mock.Anything, isIndexFilter).Return([]backend.ObjectInfo{
		{Key: "index-1.json"},
		{Key: "index-2.json"},
		{Key: "index-3.json"},
		{Key: "index-4.json"},
	}, nil)
	m.On("ReadFileStream", mock.Anything, "index-1.json").Return(body(`{"version":"csync1","name":"a"}`), nil).Once()
	m.On("ReadFileStream", mock.Anything, "index-2.json").Return(body(`{"name":"no version"}`), nil).Once()
	m.On("ReadFileStream", mock.Anything, "index-3.json").Return(nil, errors.New("read timeout")).Once()
	m.On("ReadFileStream", mock.Anything, "index-4.json").Return(body(`{"version":"csync1"}`), nil).Once()

	m.On("ReadManifest", mock.Anything).Return(manifest.New().Add("ks-t-1-Data.db", 10), nil)
	m.On("List", mock.Anything, nil).Return([]backend.ObjectInfo{
		{Key: "ks/t/ks-t-1-Data.db", Size: 10},
		{Key: "index-1.json", Size: 30},
	}, nil)

	tgt := NewWithBackend(m, t.TempDir(), t.TempDir())
	report, err := tgt.Fsck(context.Background(), filter.MustParse(filter.DefaultIndexPattern))
	require.NoError(t, err)

	require.Len(t, report.Entries, 4)
	assert.True(t, report.Entries[0].Valid)
	assert.Equal(t, "mock://index-1.json", report.Entries[0].Name)
	assert.False(t, report.Entries[1].Valid)
	assert.Contains(t, report.Entries[1].Error, ErrInvalidIndexVersion.Error())
	assert.False(t, report.Entries[2].Valid)
	assert.Contains(t, report.Entries[2].Error, "read timeout")
	assert.True(t, report.Entries[3].Valid, "checking continues after failures")

	require.NotNil(t, report.Manifest)
	assert.True(t, report.Manifest.OK())
	assert.False(t, report.Valid())
	m.AssertExpectations(t)
}

func TestFetchIndex(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		version string
		title   string
		wantErr error
	}{
		{"valid", `{"version":"csync1","name":"nightly","tables":3}`, "csync1", "nightly", nil},
		{"old version", `{"version":"csync0","name":"legacy"}`, "csync0", "legacy", ErrInvalidIndexVersion},
		{"version not a string", `{"version":1}`, "", "", ErrInvalidIndexVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockBackend{}
			m.On("ReadFileStream", mock.Anything, "index.json").Return(body(tt.doc), nil)

			tgt := NewWithBackend(m, t.TempDir(), t.TempDir())
			idx, err := tgt.fetchIndex(context.Background(), "index.json")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.NotNil(t, idx)
			assert.Equal(t, tt.version, idx.Version)
			assert.Equal(t, tt.title, idx.Name)
			assert.Equal(t, "mock://index.json", idx.Location)
			assert.Contains(t, idx.Fields, "version")
		})
	}
}

func TestFetchIndexMalformed(t *testing.T) {
	m := &mockBackend{}
	m.On("ReadFileStream", mock.Anything, "index.json").Return(body(`not json`), nil)

	tgt := NewWithBackend(m, t.TempDir(), t.TempDir())
	idx, err := tgt.fetchIndex(context.Background(), "index.json")
	assert.ErrorContains(t, err, "parse index")
	assert.Nil(t, idx)
}

func TestFsckListFailure(t *testing.T) {
	m := &mockBackend{}
	m.On("List", mock.Anything, mock.Anything).Return(nil, errors.New("denied"))

	tgt := NewWithBackend(m, t.TempDir(), t.TempDir())
	_, err := tgt.Fsck(context.Background(), filter.MustParse(filter.DefaultIndexPattern))
	assert.ErrorContains(t, err, "denied")
}

func TestFsckManifestAudit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	src := f.write(t, "ks/t/ks-t-1-Data.db", "12345")
	res, err := f.target.Sync(ctx, src)
	require.NoError(t, err)

	idx := filepath.Join(t.TempDir(), "index-1.json")
	require.NoError(t, os.WriteFile(idx, []byte(`{"version":"csync1","name":"snap"}`), 0o644))
	require.NoError(t, f.target.Backend().Store(ctx, idx, "backups/index-1.json"))

	m := manifest.New().
		Add(res.Name, 99).
		Add("ks-missing-Data.db", 1)
	_, err = f.target.WriteManifest(ctx, m)
	require.NoError(t, err)

	report, err := f.target.Fsck(ctx, filter.MustParse(filter.DefaultIndexPattern))
	require.NoError(t, err)

	require.Len(t, report.Entries, 1)
	assert.True(t, report.Entries[0].Valid)
	assert.Equal(t, IndexVersion, report.Entries[0].Version)

	assert.Equal(t, 2, report.Manifest.Files)
	assert.Equal(t, []string{"ks-missing-Data.db"}, report.Manifest.Missing)
	assert.Equal(t, []string{"ks-t-1-Data.db"}, report.Manifest.SizeMismatch)
	assert.False(t, report.Valid())
}
