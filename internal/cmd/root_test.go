package cmd

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/clipforge/internal/config"
	apperrors "github.com/3leaps/clipforge/internal/errors"
	"github.com/3leaps/clipforge/internal/server/handlers"
)

func TestSetVersionInfo(t *testing.T) {
	// Save original values
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		SetVersionInfo(origVersion, origCommit, origBuildDate)
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2024-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)

			served := handlers.GetVersionInfo()
			assert.Equal(t, tt.version, served.Version)
			assert.Equal(t, tt.commit, served.Commit)
		})
	}
}

func TestGetAppIdentity(t *testing.T) {
	t.Run("returns nil before init", func(t *testing.T) {
		// Save and restore
		orig := appIdentity
		appIdentity = nil
		defer func() { appIdentity = orig }()

		result := GetAppIdentity()
		assert.Nil(t, result)
	})

	t.Run("returns identity after set", func(t *testing.T) {
		orig := appIdentity
		defer func() { appIdentity = orig }()

		id := config.DefaultIdentity
		appIdentity = &id
		result := GetAppIdentity()
		require.NotNil(t, result)
		assert.Equal(t, "clipforge", result.BinaryName)
		assert.Equal(t, "CLIPFORGE", result.EnvPrefix)
	})
}

func TestFlagOverrides(t *testing.T) {
	c := &cobra.Command{Use: "x"}
	c.Flags().Int("port", 0, "")
	c.Flags().String("host", "", "")
	c.Flags().String("unbound", "", "")
	bindConfigFlag(c, "port", "server.port")
	bindConfigFlag(c, "host", "server.host")

	require.NoError(t, c.Flags().Parse([]string{"--port", "9001", "--unbound", "x"}))

	got := flagOverrides(c)
	assert.Equal(t, map[string]any{"server.port": "9001"}, got, "only changed, bound flags are overrides")
}

func TestBindConfigFlag_Persistent(t *testing.T) {
	parent := &cobra.Command{Use: "p"}
	child := &cobra.Command{Use: "c", Run: func(*cobra.Command, []string) {}}
	parent.AddCommand(child)
	parent.PersistentFlags().String("db", "", "")
	bindConfigFlag(parent, "db", "store.path")

	parent.SetArgs([]string{"c", "--db", "x.db"})
	require.NoError(t, parent.Execute())
	assert.Equal(t, map[string]any{"store.path": "x.db"}, flagOverrides(child))
}

func TestExitError(t *testing.T) {
	cause := errors.New("boom")
	err := exitError(foundry.ExitConfigInvalid, "load configuration", cause)

	assert.Equal(t, foundry.ExitConfigInvalid, apperrors.ExitCodeFor(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "load configuration")
}

func TestInitApp(t *testing.T) {
	origID, origCfg := appIdentity, appConfig
	defer func() { appIdentity, appConfig = origID, origCfg }()

	t.Run("annotated command skips config", func(t *testing.T) {
		appIdentity, appConfig = nil, nil
		versionCmd.SetContext(context.Background())

		require.NoError(t, initApp(versionCmd, nil))
		require.NotNil(t, GetAppIdentity())
		assert.Equal(t, rootCmd.Name(), GetAppIdentity().BinaryName)
		assert.Nil(t, appConfig)
	})

	t.Run("subcommand loads config", func(t *testing.T) {
		t.Setenv("CLIPFORGE_DB_PATH", filepath.Join(t.TempDir(), "init.db"))
		appIdentity, appConfig = nil, nil
		dbInitCmd.SetContext(context.Background())

		require.NoError(t, initApp(dbInitCmd, nil))
		require.NotNil(t, appConfig)
		assert.Contains(t, appConfig.Store.Path, "init.db")
	})
}
