package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_StoreDefaultsByEnvironment(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"development", "memory"},
		{"staging", "cockroach"},
		{"production", "cockroach"},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv("ENV", tt.env)
			t.Setenv("CALL_STORE", "")
			t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")

			cfg, err := Load()
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Server.Store)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("CALL_STORE", "")

	t.Run("memory store rejected in production", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)
		cfg.Server.Environment = "production"
		cfg.JWT.Secret = "0123456789abcdef0123456789abcdef"
		assert.ErrorContains(t, cfg.Validate(), "CALL_STORE=memory")
	})

	t.Run("directory file needs the memory store", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)
		cfg.Server.Store = "cockroach"
		cfg.Server.DirectoryFile = "/etc/corpmsg/directory.json"
		assert.ErrorContains(t, cfg.Validate(), "CALL_DIRECTORY_FILE")
	})

	t.Run("unknown store", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)
		cfg.Server.Store = "dynamo"
		assert.Error(t, cfg.Validate())
	})
}
