package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/raffis/rageta-agent/internal/task"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "RAGETA_AGENT"

	// SettingsFile is the JSON settings file written by agent configuration, relative to the agent root.
	SettingsFile = ".agent"
	EnvFile      = ".env"
)

// Settings are the agent wide settings shared by every job.
type Settings struct {
	AgentID   string `mapstructure:"agent_id"`
	AgentName string `mapstructure:"agent_name"`
	Pool      string `mapstructure:"pool"`

	Root         string `mapstructure:"root"`
	WorkDir      string `mapstructure:"work_dir"`
	TasksDir     string `mapstructure:"tasks_dir"`
	ToolsDir     string `mapstructure:"tools_dir"`
	ExternalsDir string `mapstructure:"externals_dir"`
	DiagDir      string `mapstructure:"diag_dir"`

	ServerURL     string   `mapstructure:"server_url"`
	Token         string   `mapstructure:"token"`
	HostedDomains []string `mapstructure:"hosted_domains"`

	OrphanCleanup       bool                  `mapstructure:"orphan_cleanup"`
	TaskKeyCleanup      bool                  `mapstructure:"task_key_cleanup"`
	PreferScriptHandler bool                  `mapstructure:"prefer_script_handler"`
	VerificationMode    task.VerificationMode `mapstructure:"verification_mode"`
	DiagnosticUpload    bool                  `mapstructure:"diagnostic_upload"`

	HostNetwork        bool   `mapstructure:"host_network"`
	DockerSocket       string `mapstructure:"docker_socket"`
	DockerGroup        string `mapstructure:"docker_group"`
	RuntimeDir         string `mapstructure:"runtime_dir"`
	RuntimeFallbackDir string `mapstructure:"runtime_fallback_dir"`
	RuntimeBinary      string `mapstructure:"runtime_binary"`

	// Resolved from the user running the agent, never read from configuration.
	HostUID      string `mapstructure:"-"`
	HostGID      string `mapstructure:"-"`
	HostUserName string `mapstructure:"-"`
}

var defaults = map[string]any{
	"agent_id":              "",
	"agent_name":            "",
	"pool":                  "default",
	"root":                  ".",
	"work_dir":              "_work",
	"tasks_dir":             filepath.Join("_work", "_tasks"),
	"tools_dir":             filepath.Join("_work", "_tool"),
	"externals_dir":         "externals",
	"diag_dir":              "_diag",
	"server_url":            "",
	"token":                 "",
	"hosted_domains":        []string{"dev.azure.com", "visualstudio.com"},
	"orphan_cleanup":        true,
	"task_key_cleanup":      false,
	"prefer_script_handler": false,
	"verification_mode":     string(task.VerificationNone),
	"diagnostic_upload":     false,
	"host_network":          false,
	"docker_socket":         "/var/run/docker.sock",
	"docker_group":          "docker",
	"runtime_dir":           filepath.Join("externals", "node20"),
	"runtime_fallback_dir":  filepath.Join("externals", "node16"),
	"runtime_binary":        filepath.Join("bin", "node"),
}

// Load reads the settings of the agent installed at root.
// Precedence from low to high: defaults, <root>/.env, <root>/.agent, RAGETA_AGENT_* environment, flags.
func Load(root string, flags *pflag.FlagSet) (*Settings, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if root == "" {
		root = "."
	}

	dotenv, err := godotenv.Read(filepath.Join(root, EnvFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading %s: %w", EnvFile, err)
	}

	for name, value := range dotenv {
		key, ok := strings.CutPrefix(name, EnvPrefix+"_")
		if !ok {
			continue
		}

		key = strings.ToLower(key)
		if _, known := defaults[key]; known {
			v.SetDefault(key, value)
		}
	}

	settingsPath := filepath.Join(root, SettingsFile)
	if _, err := os.Stat(settingsPath); err == nil {
		v.SetConfigFile(settingsPath)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if _, known := defaults[key]; !known || bindErr != nil {
				return
			}

			bindErr = v.BindPFlag(key, f)
		})

		if bindErr != nil {
			return nil, bindErr
		}
	}

	// the root can not come from the settings file stored inside of it
	v.Set("root", root)

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := s.resolve(); err != nil {
		return nil, err
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return &s, nil
}

// BindFlags registers the flags which may override file and environment settings.
func BindFlags(flags *pflag.FlagSet) {
	flags.String("work-dir", "", "Work directory of jobs, relative to the agent root.")
	flags.String("server-url", "", "Base url of the job server. Jobs run in local mode if empty.")
	flags.String("token", "", "Access token used to connect to the job server.")
	flags.Bool("orphan-cleanup", true, "Terminate processes left behind by a job.")
	flags.Bool("task-key-cleanup", false, "Remove the task key file after the job.")
	flags.Bool("host-network", false, "Attach job containers to the host network.")
	flags.String("verification-mode", string(task.VerificationNone), "Task package verification mode (None, Warning, Error).")
}

func (s *Settings) resolve() error {
	root, err := filepath.Abs(s.Root)
	if err != nil {
		return err
	}

	s.Root = root
	for _, dir := range []*string{&s.WorkDir, &s.TasksDir, &s.ToolsDir, &s.ExternalsDir, &s.DiagDir, &s.RuntimeDir, &s.RuntimeFallbackDir} {
		if *dir != "" && !filepath.IsAbs(*dir) {
			*dir = filepath.Join(root, *dir)
		}
	}

	if s.AgentName == "" {
		s.AgentName, _ = os.Hostname()
	}

	if runtime.GOOS == "windows" {
		return nil
	}

	if u, err := user.Current(); err == nil {
		s.HostUID = u.Uid
		s.HostGID = u.Gid
		s.HostUserName = u.Username
	}

	return nil
}

var ErrInvalidSettings = errors.New("invalid settings")

func (s *Settings) Validate() error {
	switch s.VerificationMode {
	case task.VerificationNone, task.VerificationWarning, task.VerificationError:
	default:
		return fmt.Errorf("%w: unknown verification mode %q", ErrInvalidSettings, s.VerificationMode)
	}

	if s.RuntimeBinary == "" {
		return fmt.Errorf("%w: runtime binary must not be empty", ErrInvalidSettings)
	}

	return nil
}

// TaskKeyFile is the marker file used to detect a pending task key cleanup.
func (s *Settings) TaskKeyFile() string {
	return filepath.Join(s.Root, ".taskkey")
}

// IsHostedServer reports whether the server url belongs to one of the hosted domains.
func (s *Settings) IsHostedServer() bool {
	host := serverHost(s.ServerURL)
	if host == "" {
		return false
	}

	for _, domain := range s.HostedDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}

	return false
}

func serverHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}

	return strings.ToLower(u.Hostname())
}
