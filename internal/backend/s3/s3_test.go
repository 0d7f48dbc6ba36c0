package s3

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	t.Run("missing credentials", func(t *testing.T) {
		cfg := &Config{Bucket: "backups", AccessKey: "ak"}
		assert.ErrorIs(t, cfg.Validate(), ErrMissingCredentials)
	})

	t.Run("missing bucket", func(t *testing.T) {
		cfg := &Config{AccessKey: "ak", SecretKey: "sk"}
		assert.Error(t, cfg.Validate())
	})

	t.Run("defaults", func(t *testing.T) {
		cfg := &Config{Bucket: "backups", AccessKey: "ak", SecretKey: "sk"}
		require.NoError(t, cfg.Validate())

		host, err := os.Hostname()
		require.NoError(t, err)
		assert.Equal(t, host, cfg.Prefix)
		assert.Equal(t, defaultRegion, cfg.Region)
	})

	t.Run("prefix trimmed", func(t *testing.T) {
		cfg := &Config{Bucket: "backups", Prefix: "/node-1/", AccessKey: "ak", SecretKey: "sk"}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "node-1", cfg.Prefix)
	})
}

func TestKeys(t *testing.T) {
	b := &Backend{config: &Config{Bucket: "backups", Prefix: "node-1"}}

	assert.Equal(t, "node-1/data/ks/t/ks-t-1-Data.db", b.dataKey("ks/t/ks-t-1-Data.db"))
	assert.Equal(t, "node-1/manifest", b.key("manifest"))
	assert.Equal(t, "s3://backups/node-1/data/ks-t-1-Data.db", b.DisplayName("ks-t-1-Data.db"))
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"no such key", &types.NoSuchKey{}, true},
		{"head not found", fmt.Errorf("wrapped: %w", &types.NotFound{}), true},
		{"generic api not found", &smithy.GenericAPIError{Code: "NotFound"}, true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isNotFound(tt.err))
		})
	}
}
