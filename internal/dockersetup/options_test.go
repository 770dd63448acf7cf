package dockersetup

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocket(t *testing.T) {
	tests := []struct {
		hosts    []string
		expected string
	}{
		{hosts: []string{"unix:///var/run/docker.sock"}, expected: "/var/run/docker.sock"},
		{hosts: []string{"tcp://10.0.0.1:2376"}, expected: ""},
		{hosts: []string{"unix:///run/user/1000/docker.sock", "tcp://10.0.0.1:2376"}, expected: "/run/user/1000/docker.sock"},
	}

	for _, test := range tests {
		t.Run(test.hosts[0], func(t *testing.T) {
			o := Options{Hosts: test.hosts}
			assert.Equal(t, test.expected, o.Socket())
		})
	}
}

func TestSetDefaultOptions(t *testing.T) {
	t.Run("tls disabled drops tls options", func(t *testing.T) {
		flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
		o := Options{}
		o.BindFlags(flags)
		require.NoError(t, flags.Parse([]string{"--docker-tls=false", "--docker-tlsverify=false"}))

		o.SetDefaultOptions(flags)
		assert.False(t, o.TLS)
		assert.Nil(t, o.TLSOptions)
	})

	t.Run("tlsverify implies tls", func(t *testing.T) {
		flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
		o := Options{}
		o.BindFlags(flags)
		require.NoError(t, flags.Parse([]string{"--docker-tlsverify", "--docker-tlscacert", "/certs/ca.pem"}))

		o.SetDefaultOptions(flags)
		assert.True(t, o.TLS)
		require.NotNil(t, o.TLSOptions)
		assert.False(t, o.TLSOptions.InsecureSkipVerify)
		assert.Equal(t, "/certs/ca.pem", o.TLSOptions.CAFile)
	})
}

func TestBuild(t *testing.T) {
	o := Options{Hosts: []string{"tcp://127.0.0.1:2375"}}

	client, err := o.Build()
	require.NoError(t, err)
	assert.Equal(t, "tcp://127.0.0.1:2375", client.DaemonHost())
}
