package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/raffis/rageta-agent/internal/task"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadDefaults(t *testing.T) {
	root := t.TempDir()

	s, err := Load(root, nil)
	require.NoError(t, err)

	assert.Equal(t, root, s.Root)
	assert.Equal(t, filepath.Join(root, "_work"), s.WorkDir)
	assert.Equal(t, filepath.Join(root, "_work", "_tasks"), s.TasksDir)
	assert.Equal(t, filepath.Join(root, "externals", "node20"), s.RuntimeDir)
	assert.Equal(t, filepath.Join(root, "externals", "node16"), s.RuntimeFallbackDir)
	assert.Equal(t, filepath.Join("bin", "node"), s.RuntimeBinary)
	assert.True(t, s.OrphanCleanup)
	assert.False(t, s.TaskKeyCleanup)
	assert.Equal(t, task.VerificationNone, s.VerificationMode)
	assert.Equal(t, "default", s.Pool)
	assert.NotEmpty(t, s.AgentName)
	assert.Equal(t, filepath.Join(root, ".taskkey"), s.TaskKeyFile())
}

func TestLoadPrecedence(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, EnvFile), "RAGETA_AGENT_POOL=linux\nRAGETA_AGENT_WORK_DIR=from-dotenv\nOTHER=ignored\n")
	writeFile(t, filepath.Join(root, SettingsFile), `{"work_dir": "from-settings", "agent_name": "settings-name", "root": "/elsewhere"}`)
	t.Setenv("RAGETA_AGENT_AGENT_NAME", "env-name")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	require.NoError(t, flags.Parse([]string{"--task-key-cleanup", "--verification-mode", "Warning"}))

	s, err := Load(root, flags)
	require.NoError(t, err)

	assert.Equal(t, root, s.Root)
	assert.Equal(t, "linux", s.Pool)
	assert.Equal(t, filepath.Join(root, "from-settings"), s.WorkDir)
	assert.Equal(t, "env-name", s.AgentName)
	assert.True(t, s.TaskKeyCleanup)
	assert.True(t, s.OrphanCleanup)
	assert.Equal(t, task.VerificationWarning, s.VerificationMode)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name     string
		settings string
	}{
		{
			name:     "unknown verification mode",
			settings: `{"verification_mode": "Strict"}`,
		},
		{
			name:     "empty runtime binary",
			settings: `{"runtime_binary": ""}`,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			root := t.TempDir()
			writeFile(t, filepath.Join(root, SettingsFile), test.settings)

			_, err := Load(root, nil)
			require.ErrorIs(t, err, ErrInvalidSettings)
		})
	}
}

func TestLoadMalformedSettingsFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, SettingsFile), `{`)

	_, err := Load(root, nil)
	require.Error(t, err)
}

func TestIsHostedServer(t *testing.T) {
	tests := []struct {
		url    string
		hosted bool
	}{
		{url: "https://dev.azure.com/org", hosted: true},
		{url: "https://org.visualstudio.com", hosted: true},
		{url: "https://DEV.AZURE.COM:443/org", hosted: true},
		{url: "https://tfs.example.com/tfs", hosted: false},
		{url: "https://notdev.azure.com.example.com", hosted: false},
		{url: "", hosted: false},
	}

	for _, test := range tests {
		t.Run(test.url, func(t *testing.T) {
			s := Settings{
				ServerURL:     test.url,
				HostedDomains: []string{"dev.azure.com", "visualstudio.com"},
			}

			assert.Equal(t, test.hosted, s.IsHostedServer())
		})
	}
}
