package statusapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/openmined/csync/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	status   Status
	manifest *manifest.Manifest
}

func (f *fakeProvider) Status(ctx context.Context) Status { return f.status }
func (f *fakeProvider) Manifest() *manifest.Manifest    { return f.manifest }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	p := &fakeProvider{
		status:   Status{Source: "/var/lib/cassandra", Target: "file:///backups", Pending: 2},
		manifest: manifest.New().Add("ks-table-1-Data.db", 100),
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("csync_uploads_total 1\n"))
	})
	h := Routes(p, metrics)

	t.Run("healthz", func(t *testing.T) {
		rec := get(t, h, "/healthz")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"ok"`)
	})

	t.Run("status", func(t *testing.T) {
		rec := get(t, h, "/status")
		require.Equal(t, http.StatusOK, rec.Code)

		var got Status
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, 2, got.Pending)
		assert.Equal(t, "file:///backups", got.Target)
	})

	t.Run("manifest", func(t *testing.T) {
		rec := get(t, h, "/manifest")
		require.Equal(t, http.StatusOK, rec.Code)

		m, err := manifest.Deserialize(rec.Body.Bytes())
		require.NoError(t, err)
		size, ok := m.Get("ks-table-1-Data.db")
		assert.True(t, ok)
		assert.EqualValues(t, 100, size)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := get(t, h, "/metrics")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "csync_uploads_total")
	})
}

func TestStartStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New("127.0.0.1:0", &fakeProvider{manifest: manifest.New()}, nil)

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}
