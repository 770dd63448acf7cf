package logsetup

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvDebug turns on the most verbose agent logs if set to a non empty value.
const EnvDebug = "RAGETA_AGENT_DEBUG"

type Options struct {
	Verbose int8
	Log     struct {
		Encoding string
	}
}

func DefaultOptions() *Options {
	var level int8

	if os.Getenv(EnvDebug) != "" {
		level = 10
	}

	o := &Options{
		Verbose: level,
	}

	o.Log.Encoding = "json"
	return o
}

func (o *Options) BindFlags(fs *pflag.FlagSet) {
	fs.Int8VarP(&o.Verbose, "verbose", "v", o.Verbose, "Log verbosity level. With `0` only lifecycle events are logged while 127 is the most verbose level.")
	fs.StringVar(&o.Log.Encoding, "log-encoding", "json", "Log encoding format (json, console)")
}

func (o *Options) Build() (logr.Logger, zap.Config, error) {
	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.Encoding = o.Log.Encoding
	zapConfig.Level = zap.NewAtomicLevelAt(zapcore.Level(-1 * o.Verbose))

	zapConfig.EncoderConfig.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendInt(int(l) * -1)
	}

	zapConfig.DisableStacktrace = false
	zapLog, err := zapConfig.Build()
	if err != nil {
		return logr.Discard(), zapConfig, err
	}

	return zapr.NewLogger(zapLog), zapConfig, nil
}
