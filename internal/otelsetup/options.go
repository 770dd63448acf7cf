package otelsetup

import (
	"crypto/tls"

	"github.com/docker/go-connections/tlsconfig"
	"github.com/spf13/pflag"
)

const DefaultServiceName = "rageta-agent"

// Options configure the export of traces and metrics. Nothing is exported without an endpoint
// or stdout.
type Options struct {
	Endpoint    string
	Insecure    bool
	Stdout      bool
	ServiceName string
	CAFile      string
	CertFile    string
	KeyFile     string
}

func (o *Options) BindFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.Endpoint, "otel-endpoint", "", "OTLP grpc endpoint traces and metrics are exported to.")
	flags.BoolVar(&o.Insecure, "otel-insecure", false, "Disable transport security for the OTLP endpoint.")
	flags.BoolVar(&o.Stdout, "otel-stdout", false, "Write traces and metrics to stdout.")
	flags.StringVar(&o.ServiceName, "otel-service-name", DefaultServiceName, "Service name attached to exported telemetry.")
	flags.StringVar(&o.CAFile, "otel-tlscacert", "", "Trust certs signed only by this CA for the OTLP endpoint.")
	flags.StringVar(&o.CertFile, "otel-tlscert", "", "Client certificate for the OTLP endpoint.")
	flags.StringVar(&o.KeyFile, "otel-tlskey", "", "Client key for the OTLP endpoint.")
}

// Enabled reports whether any exporter is configured.
func (o *Options) Enabled() bool {
	return o.Endpoint != "" || o.Stdout
}

func (o *Options) getTLSConfig() (*tls.Config, error) {
	return tlsconfig.Client(tlsconfig.Options{
		CAFile:   o.CAFile,
		CertFile: o.CertFile,
		KeyFile:  o.KeyFile,
	})
}
