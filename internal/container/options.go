package container

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/go-units"
	"github.com/spf13/pflag"
)

// createOptions is the supported subset of `docker create` flags a container resource may carry.
type createOptions struct {
	cpus           float64
	memory         string
	memorySwap     string
	shmSize        string
	privileged     bool
	readOnly       bool
	init           bool
	user           string
	workdir        string
	hostname       string
	entrypoint     string
	env            []string
	labels         []string
	capAdd         []string
	capDrop        []string
	dns            []string
	addHost        []string
	healthCmd      string
	healthInterval time.Duration
	healthTimeout  time.Duration
	healthStart    time.Duration
	healthRetries  int
	noHealthcheck  bool
}

func parseCreateOptions(raw string) (*createOptions, error) {
	o := &createOptions{}
	if strings.TrimSpace(raw) == "" {
		return o, nil
	}

	args, err := splitArgs(raw)
	if err != nil {
		return nil, err
	}

	fs := pflag.NewFlagSet("container-options", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Float64Var(&o.cpus, "cpus", 0, "")
	fs.StringVarP(&o.memory, "memory", "m", "", "")
	fs.StringVar(&o.memorySwap, "memory-swap", "", "")
	fs.StringVar(&o.shmSize, "shm-size", "", "")
	fs.BoolVar(&o.privileged, "privileged", false, "")
	fs.BoolVar(&o.readOnly, "read-only", false, "")
	fs.BoolVar(&o.init, "init", false, "")
	fs.StringVarP(&o.user, "user", "u", "", "")
	fs.StringVarP(&o.workdir, "workdir", "w", "", "")
	fs.StringVar(&o.hostname, "hostname", "", "")
	fs.StringVar(&o.entrypoint, "entrypoint", "", "")
	fs.StringArrayVarP(&o.env, "env", "e", nil, "")
	fs.StringArrayVarP(&o.labels, "label", "l", nil, "")
	fs.StringArrayVar(&o.capAdd, "cap-add", nil, "")
	fs.StringArrayVar(&o.capDrop, "cap-drop", nil, "")
	fs.StringArrayVar(&o.dns, "dns", nil, "")
	fs.StringArrayVar(&o.addHost, "add-host", nil, "")
	fs.StringVar(&o.healthCmd, "health-cmd", "", "")
	fs.DurationVar(&o.healthInterval, "health-interval", 0, "")
	fs.DurationVar(&o.healthTimeout, "health-timeout", 0, "")
	fs.DurationVar(&o.healthStart, "health-start-period", 0, "")
	fs.IntVar(&o.healthRetries, "health-retries", 0, "")
	fs.BoolVar(&o.noHealthcheck, "no-healthcheck", false, "")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("invalid container options `%s`: %w", raw, err)
	}

	for _, size := range []string{o.memory, o.memorySwap, o.shmSize} {
		if size == "" || size == "-1" {
			continue
		}

		if _, err := units.RAMInBytes(size); err != nil {
			return nil, fmt.Errorf("invalid container options `%s`: %w", raw, err)
		}
	}

	return o, nil
}

func (o *createOptions) apply(config *dockercontainer.Config, host *dockercontainer.HostConfig) {
	if o.cpus > 0 {
		host.NanoCPUs = int64(o.cpus * 1e9)
	}

	if o.memory != "" {
		host.Memory, _ = units.RAMInBytes(o.memory)
	}

	switch o.memorySwap {
	case "":
	case "-1":
		host.MemorySwap = -1
	default:
		host.MemorySwap, _ = units.RAMInBytes(o.memorySwap)
	}

	if o.shmSize != "" {
		host.ShmSize, _ = units.RAMInBytes(o.shmSize)
	}

	host.Privileged = o.privileged
	host.ReadonlyRootfs = o.readOnly
	if o.init {
		host.Init = &o.init
	}

	host.CapAdd = append(host.CapAdd, o.capAdd...)
	host.CapDrop = append(host.CapDrop, o.capDrop...)
	host.DNS = append(host.DNS, o.dns...)
	host.ExtraHosts = append(host.ExtraHosts, o.addHost...)

	if o.user != "" {
		config.User = o.user
	}

	if o.workdir != "" {
		config.WorkingDir = o.workdir
	}

	if o.hostname != "" {
		config.Hostname = o.hostname
	}

	if o.entrypoint != "" {
		config.Entrypoint = strslice.StrSlice{o.entrypoint}
	}

	config.Env = append(config.Env, o.env...)

	for _, label := range o.labels {
		k, v, _ := strings.Cut(label, "=")
		if config.Labels == nil {
			config.Labels = make(map[string]string)
		}
		config.Labels[k] = v
	}

	switch {
	case o.noHealthcheck:
		config.Healthcheck = &dockercontainer.HealthConfig{Test: []string{"NONE"}}
	case o.healthCmd != "":
		config.Healthcheck = &dockercontainer.HealthConfig{
			Test:        []string{"CMD-SHELL", o.healthCmd},
			Interval:    o.healthInterval,
			Timeout:     o.healthTimeout,
			StartPeriod: o.healthStart,
			Retries:     o.healthRetries,
		}
	}
}

var errUnterminatedQuote = errors.New("unterminated quote")

// splitArgs tokenizes a command line honoring single quotes, double quotes and backslash escapes.
func splitArgs(s string) ([]string, error) {
	var (
		args    []string
		current strings.Builder
		quote   rune
		escaped bool
		inArg   bool
	)

	for _, r := range s {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inArg = true
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			current.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			inArg = true
		case unicode.IsSpace(r):
			if inArg {
				args = append(args, current.String())
				current.Reset()
				inArg = false
			}
		default:
			current.WriteRune(r)
			inArg = true
		}
	}

	if quote != 0 || escaped {
		return nil, errUnterminatedQuote
	}

	if inArg {
		args = append(args, current.String())
	}

	return args, nil
}
