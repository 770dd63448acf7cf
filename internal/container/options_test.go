package container

import (
	"testing"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
		err      bool
	}{
		{input: "", expected: nil},
		{input: "--cpus 1 --privileged", expected: []string{"--cpus", "1", "--privileged"}},
		{input: `--health-cmd "redis-cli ping"`, expected: []string{"--health-cmd", "redis-cli ping"}},
		{input: `-e 'A=b c' -e B=\"x\"`, expected: []string{"-e", "A=b c", "-e", `B="x"`}},
		{input: `--label ""`, expected: []string{"--label", ""}},
		{input: `--health-cmd "unterminated`, err: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			args, err := splitArgs(tt.input)
			if tt.err {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, args)
		})
	}
}

func TestParseCreateOptions(t *testing.T) {
	o, err := parseCreateOptions(`--cpus 1.5 -m 512m --shm-size 1g --privileged -u 1000 -e FOO=bar --label team=ci --health-cmd "pg_isready" --health-interval 10s --health-retries 5 --unknown-flag`)
	require.NoError(t, err)

	config := &dockercontainer.Config{}
	host := &dockercontainer.HostConfig{}
	o.apply(config, host)

	assert.Equal(t, int64(1.5e9), host.NanoCPUs)
	assert.Equal(t, int64(512*1024*1024), host.Memory)
	assert.Equal(t, int64(1024*1024*1024), host.ShmSize)
	assert.True(t, host.Privileged)
	assert.Equal(t, "1000", config.User)
	assert.Equal(t, []string{"FOO=bar"}, config.Env)
	assert.Equal(t, map[string]string{"team": "ci"}, config.Labels)
	require.NotNil(t, config.Healthcheck)
	assert.Equal(t, []string{"CMD-SHELL", "pg_isready"}, config.Healthcheck.Test)
	assert.Equal(t, 10*time.Second, config.Healthcheck.Interval)
	assert.Equal(t, 5, config.Healthcheck.Retries)
}

func TestParseCreateOptionsInvalidSize(t *testing.T) {
	_, err := parseCreateOptions("--memory lots")
	assert.Error(t, err)
}

func TestParseCreateOptionsNoHealthcheck(t *testing.T) {
	o, err := parseCreateOptions("--no-healthcheck")
	require.NoError(t, err)

	config := &dockercontainer.Config{}
	o.apply(config, &dockercontainer.HostConfig{})
	assert.Equal(t, []string{"NONE"}, config.Healthcheck.Test)
}
