package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := New()

	c.Upload(ResultOK, 100)
	c.Upload(ResultOK, 50)
	c.Upload(ResultError, 999)
	c.ManifestWrite(nil)
	c.ManifestWrite(errors.New("boom"))
	c.Resubmitted()
	c.SetPending(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.uploads.WithLabelValues(ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.uploads.WithLabelValues(ResultError)))
	assert.Equal(t, 150.0, testutil.ToFloat64(c.uploadBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.manifestWrites.WithLabelValues(ResultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.resubmissions))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.pending))
}

func TestHandler(t *testing.T) {
	c := New()
	c.Upload(ResultOK, 1)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "csync_uploads_total"))
}
