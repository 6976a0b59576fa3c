package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/gswatch/gswatch/pkg/shellquote"
)

// Defaults mirror the intervals and bounds the supervised server is
// normally run with. Every value can be overridden by an environment
// variable, which in turn overrides the optional YAML settings file.
const (
	DefaultMaxRestarts  = 5
	DefaultRestartDelay = 30 * time.Second

	// A zero HealthInterval means "mode default": the standalone health
	// command probes every 60 seconds, the supervisor every 30.
	DefaultHealthInterval         = 60 * time.Second
	DefaultEmbeddedHealthInterval = 30 * time.Second

	DefaultBackupInterval   = 3600 * time.Second
	DefaultMaxBackups       = 10
	DefaultDiskLimitPercent = 90
)

type Config struct {
	ServerBinary string `yaml:"server_binary"`
	ProcessName  string `yaml:"server_process_name"`
	ServerPort   int    `yaml:"server_port"`
	ServerConfig string `yaml:"server_config"`
	ProfileDir   string `yaml:"profile_dir"`
	ServerMods   string `yaml:"server_mods"`
	ServerArgs   string `yaml:"server_args"`

	MaxRestarts  uint          `yaml:"max_restarts"`
	RestartDelay time.Duration `yaml:"restart_delay"`

	HealthInterval   time.Duration `yaml:"health_interval"`
	MemoryLimitMB    uint64        `yaml:"memory_limit_mb"`
	DiskLimitPercent float64       `yaml:"disk_limit_percent"`

	BackupDir           string        `yaml:"backup_dir"`
	BackupInclude       []string      `yaml:"backup_include"`
	BackupExclude       []string      `yaml:"backup_exclude"`
	BackupInterval      time.Duration `yaml:"backup_interval"`
	MaxBackups          int           `yaml:"max_backups"`
	RetentionDays       int           `yaml:"retention_days"`
	BackupUploadCommand string        `yaml:"backup_upload_command"`

	AlertURL    string `yaml:"alert_url"`
	MetricsFile string `yaml:"metrics_file"`
	LogDir      string `yaml:"log_dir"`
}

func Default() Config {
	return Config{
		MaxRestarts:      DefaultMaxRestarts,
		RestartDelay:     DefaultRestartDelay,
		DiskLimitPercent: DefaultDiskLimitPercent,
		BackupDir:        "/var/lib/gswatch/backups",
		BackupInterval:   DefaultBackupInterval,
		MaxBackups:       DefaultMaxBackups,
		MetricsFile:      "/var/lib/gswatch/metrics.json",
		LogDir:           "/var/log/gswatch",
	}
}

// Load resolves settings: defaults, then the YAML file at path (skipped
// when path is empty), then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.WithMessagef(err, "failed to read config file %s", path)
		}

		err = yaml.Unmarshal(b, &cfg)
		if err != nil {
			return cfg, errors.WithMessagef(err, "failed to parse config file %s", path)
		}
	}

	err := cfg.applyEnv()
	if err != nil {
		return cfg, err
	}

	if cfg.ProcessName == "" && cfg.ServerBinary != "" {
		cfg.ProcessName = filepath.Base(cfg.ServerBinary)
	}

	if len(cfg.BackupInclude) == 0 && cfg.ProfileDir != "" {
		cfg.BackupInclude = []string{cfg.ProfileDir}
	}

	return cfg, nil
}

//nolint:funlen
func (cfg *Config) applyEnv() error {
	setString(&cfg.ServerBinary, "SERVER_BINARY")
	setString(&cfg.ProcessName, "SERVER_PROCESS_NAME")
	setString(&cfg.ServerConfig, "SERVER_CONFIG")
	setString(&cfg.ProfileDir, "SERVER_PROFILE_DIR")
	setString(&cfg.ServerMods, "SERVER_MODS")
	setString(&cfg.ServerArgs, "SERVER_ARGS")
	setString(&cfg.BackupDir, "BACKUP_DIR")
	setString(&cfg.BackupUploadCommand, "BACKUP_UPLOAD_COMMAND")
	setString(&cfg.AlertURL, "ALERT_URL")
	setString(&cfg.MetricsFile, "METRICS_FILE")
	setString(&cfg.LogDir, "LOG_DIR")

	err := setInt(&cfg.ServerPort, "SERVER_PORT")
	if err != nil {
		return err
	}

	err = setUint(&cfg.MaxRestarts, "MAX_RESTARTS")
	if err != nil {
		return err
	}

	err = setDuration(&cfg.RestartDelay, "RESTART_DELAY")
	if err != nil {
		return err
	}

	err = setDuration(&cfg.HealthInterval, "HEALTH_INTERVAL")
	if err != nil {
		return err
	}

	err = setUint64(&cfg.MemoryLimitMB, "MEMORY_LIMIT_MB")
	if err != nil {
		return err
	}

	err = setFloat(&cfg.DiskLimitPercent, "DISK_LIMIT_PERCENT")
	if err != nil {
		return err
	}

	err = setDuration(&cfg.BackupInterval, "BACKUP_INTERVAL")
	if err != nil {
		return err
	}

	err = setInt(&cfg.MaxBackups, "MAX_BACKUPS")
	if err != nil {
		return err
	}

	err = setInt(&cfg.RetentionDays, "RETENTION_DAYS")
	if err != nil {
		return err
	}

	setPathList(&cfg.BackupInclude, "BACKUP_INCLUDE")
	setPathList(&cfg.BackupExclude, "BACKUP_EXCLUDE")

	return nil
}

// ServerArgv returns the passthrough server arguments as discrete tokens,
// never interpreted by a shell.
func (cfg Config) ServerArgv() ([]string, error) {
	if cfg.ServerArgs == "" {
		return nil, nil
	}

	args, err := shellquote.Split(cfg.ServerArgs)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to parse server arguments")
	}

	return args, nil
}

// UploadArgv returns the configured uploader command as argv tokens; the
// archive path is appended by the backup manager.
func (cfg Config) UploadArgv() ([]string, error) {
	if cfg.BackupUploadCommand == "" {
		return nil, nil
	}

	args, err := shellquote.Split(cfg.BackupUploadCommand)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to parse upload command")
	}

	return args, nil
}

// ValidateServer checks the settings the supervisor cannot run without.
func (cfg Config) ValidateServer() error {
	if cfg.ServerBinary == "" {
		return errors.New("server binary is not configured (SERVER_BINARY)")
	}
	if cfg.MaxRestarts < 1 {
		return errors.New("max restarts must be at least 1 (MAX_RESTARTS)")
	}

	return nil
}

func setString(dst *string, name string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func setInt(dst *int, name string) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}

	parsed, err := strconv.Atoi(v)
	if err != nil {
		return errors.Wrapf(err, "invalid value for %s", name)
	}
	*dst = parsed

	return nil
}

func setUint(dst *uint, name string) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}

	parsed, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return errors.Wrapf(err, "invalid value for %s", name)
	}
	*dst = uint(parsed)

	return nil
}

func setUint64(dst *uint64, name string) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}

	parsed, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid value for %s", name)
	}
	*dst = parsed

	return nil
}

func setFloat(dst *float64, name string) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}

	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid value for %s", name)
	}
	*dst = parsed

	return nil
}

// setDuration accepts both Go duration strings ("90s", "1h") and plain
// integers meaning seconds, matching the source settings format.
func setDuration(dst *time.Duration, name string) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}

	if seconds, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(seconds) * time.Second

		return nil
	}

	parsed, err := time.ParseDuration(v)
	if err != nil {
		return errors.Wrapf(err, "invalid value for %s", name)
	}
	*dst = parsed

	return nil
}

func setPathList(dst *[]string, name string) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}

	*dst = lo.Filter(strings.Split(v, ":"), func(item string, _ int) bool {
		return item != ""
	})
}
