package dockersetup

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/cli/cli/config"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/sockets"
	"github.com/docker/go-connections/tlsconfig"
	"github.com/spf13/pflag"
)

const (
	// EnvEnableTLS enables TLS for tcp connections if set to a non empty value. It can not be used
	// to disable TLS.
	EnvEnableTLS = "DOCKER_TLS"

	DefaultCaFile   = "ca.pem"
	DefaultKeyFile  = "key.pem"
	DefaultCertFile = "cert.pem"

	FlagTLSVerify = "docker-tlsverify"
	FlagTLSCert   = "docker-tlscert"
	FlagTLSKey    = "docker-tlskey"

	userAgent = "rageta-agent"
)

var (
	dockerCertPath  = os.Getenv(dockerclient.EnvOverrideCertPath)
	dockerTLSVerify = os.Getenv(dockerclient.EnvTLSVerify) != ""
	dockerTLS       = os.Getenv(EnvEnableTLS) != ""
)

// Options configure the connection to the container engine used for job and service containers.
type Options struct {
	Hosts      []string `env:"DOCKER_HOST"`
	TLS        bool
	TLSVerify  bool
	TLSOptions *tlsconfig.Options
	ConfigDir  string
}

func (o *Options) BindFlags(flags *pflag.FlagSet) {
	configDir := config.Dir()
	if dockerCertPath == "" {
		dockerCertPath = configDir
	}

	flags.StringVar(&o.ConfigDir, "docker-config", configDir, "Location of the docker client config, used for registry credentials")
	flags.BoolVar(&o.TLS, "docker-tls", dockerTLS, "Use TLS; implied by --docker-tlsverify")
	flags.BoolVar(&o.TLSVerify, FlagTLSVerify, dockerTLSVerify, "Use TLS and verify the remote")

	o.TLSOptions = &tlsconfig.Options{
		CAFile:   filepath.Join(dockerCertPath, DefaultCaFile),
		CertFile: filepath.Join(dockerCertPath, DefaultCertFile),
		KeyFile:  filepath.Join(dockerCertPath, DefaultKeyFile),
	}

	tlsOptions := o.TLSOptions
	flags.StringVar(&tlsOptions.CAFile, "docker-tlscacert", tlsOptions.CAFile, "Trust certs signed only by this CA")
	flags.StringVar(&tlsOptions.CertFile, FlagTLSCert, tlsOptions.CertFile, "Path to TLS certificate file")
	flags.StringVar(&tlsOptions.KeyFile, FlagTLSKey, tlsOptions.KeyFile, "Path to TLS key file")

	flags.StringSliceVarP(&o.Hosts, "docker-host", "", []string{dockerclient.DefaultDockerHost}, "Daemon socket to connect to")
}

// SetDefaultOptions completes the options after flag parsing.
func (o *Options) SetDefaultOptions(flags *pflag.FlagSet) {
	// DOCKER_TLS_VERIFY may enable verification without the flag being set
	if flags.Changed(FlagTLSVerify) || o.TLSVerify {
		o.TLS = true
	}

	if !o.TLS {
		o.TLSOptions = nil
		return
	}

	tlsOptions := o.TLSOptions
	tlsOptions.InsecureSkipVerify = !o.TLSVerify

	// default key pair files are optional
	if !flags.Changed(FlagTLSCert) {
		if _, err := os.Stat(tlsOptions.CertFile); os.IsNotExist(err) {
			tlsOptions.CertFile = ""
		}
	}

	if !flags.Changed(FlagTLSKey) {
		if _, err := os.Stat(tlsOptions.KeyFile); os.IsNotExist(err) {
			tlsOptions.KeyFile = ""
		}
	}
}

func (o *Options) host() string {
	if len(o.Hosts) > 0 {
		return o.Hosts[0]
	}

	return dockerclient.DefaultDockerHost
}

// Socket returns the path of the engine socket on the host, empty if the engine is not
// reached through a unix socket.
func (o *Options) Socket() string {
	host := o.host()
	if path, ok := strings.CutPrefix(host, "unix://"); ok {
		return path
	}

	return ""
}

func (o *Options) Build() (*dockerclient.Client, error) {
	hostURL, err := dockerclient.ParseHostURL(o.host())
	if err != nil {
		return nil, err
	}

	client, err := o.httpClient(hostURL)
	if err != nil {
		return nil, err
	}

	opts := []dockerclient.Opt{
		dockerclient.WithHost(o.host()),
		dockerclient.WithHTTPClient(client),
		dockerclient.WithUserAgent(userAgent),
		dockerclient.WithAPIVersionNegotiation(),
	}

	if o.TLS && o.TLSOptions != nil {
		opts = append(opts, dockerclient.WithTLSClientConfig(o.TLSOptions.CAFile, o.TLSOptions.CertFile, o.TLSOptions.KeyFile))
	}

	return dockerclient.NewClientWithOpts(opts...)
}

func (o *Options) httpClient(hostURL *url.URL) (*http.Client, error) {
	transport := &http.Transport{}

	if o.TLS || o.TLSVerify {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: !o.TLSVerify,
		}
	}

	if err := sockets.ConfigureTransport(transport, hostURL.Scheme, hostURL.Host); err != nil {
		return nil, err
	}

	return &http.Client{
		Transport:     transport,
		CheckRedirect: dockerclient.CheckRedirect,
	}, nil
}
