package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/unitd/internal/logger"
	"github.com/loykin/unitd/internal/process"
	"github.com/loykin/unitd/internal/socket"
	"github.com/loykin/unitd/internal/store/factory"
)

const socketSuffix = ".socket"

// Daemon is the daemon-level configuration file (YAML).
type Daemon struct {
	Listen      string         `mapstructure:"listen"`
	ProcessDir  string         `mapstructure:"process_dir"`
	LogDir      string         `mapstructure:"log_dir"` // child stdout/stderr capture
	RuntimeRoot string         `mapstructure:"runtime_root"`
	Store       factory.Config `mapstructure:"store"`
	Log         logger.Config  `mapstructure:"log"`
	History     History        `mapstructure:"history"`
}

// History configures the optional lifecycle event export.
type History struct {
	ClickhouseDSN string `mapstructure:"clickhouse_dsn"`
	Table         string `mapstructure:"table"`
}

// LoadDaemon reads the daemon configuration. A missing path yields defaults.
func LoadDaemon(path string) (Daemon, error) {
	d := Daemon{Listen: "127.0.0.1:8420"}
	if path == "" {
		return d, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Daemon{}, fmt.Errorf("read daemon config: %w", err)
	}
	if err := v.Unmarshal(&d); err != nil {
		return Daemon{}, fmt.Errorf("parse daemon config: %w", err)
	}
	if d.Listen == "" {
		d.Listen = "127.0.0.1:8420"
	}
	return d, nil
}

// ProcFile is the YAML shape of one process definition. Durations accept Go
// duration strings ("5s", "100ms").
type ProcFile struct {
	Name    string   `mapstructure:"name"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Env     []string `mapstructure:"env"`
	WorkDir string   `mapstructure:"work_dir"`
	PIDFile string   `mapstructure:"pid_file"`

	RestartPolicy      string        `mapstructure:"restart_policy"`
	RestartSec         time.Duration `mapstructure:"restart_sec"`
	RestartMaxDelaySec time.Duration `mapstructure:"restart_max_delay_sec"`
	StartLimitBurst    int           `mapstructure:"start_limit_burst"`
	StartLimitInterval time.Duration `mapstructure:"start_limit_interval_sec"`
	TimeoutStart       time.Duration `mapstructure:"timeout_start_sec"`
	TimeoutStop        time.Duration `mapstructure:"timeout_stop_sec"`
	KillSignal         int           `mapstructure:"kill_signal"`
	KillMode           string        `mapstructure:"kill_mode"`

	ExecStartPre  []string `mapstructure:"exec_start_pre"`
	ExecStartPost []string `mapstructure:"exec_start_post"`
	ExecStopPost  []string `mapstructure:"exec_stop_post"`

	After     []string `mapstructure:"after"`
	Before    []string `mapstructure:"before"`
	Requires  []string `mapstructure:"requires"`
	Wants     []string `mapstructure:"wants"`
	BindsTo   []string `mapstructure:"binds_to"`
	Conflicts []string `mapstructure:"conflicts"`

	HealthCheck *process.HealthCheck    `mapstructure:"health_check"`
	Limits      *process.ResourceLimits `mapstructure:"resource_limits"`

	RuntimeDirectory    []string `mapstructure:"runtime_directory"`
	RuntimeDirOwner     string   `mapstructure:"runtime_dir_owner"`
	AmbientCapabilities []int    `mapstructure:"ambient_capabilities"`
	ConditionPathExists []string `mapstructure:"condition_path_exists"`

	SuccessExitStatus []int         `mapstructure:"success_exit_status"`
	RuntimeSuccess    time.Duration `mapstructure:"runtime_success_sec"`
}

// LoadProcesses reads every process definition under dir: one YAML file per
// process, the filename (minus extension) supplying the default name.
// `*.socket.yaml` files belong to LoadSockets and are skipped here.
// Duplicate names across files are rejected.
func LoadProcesses(dir string) ([]process.Process, error) {
	files, err := yamlFiles(dir)
	if err != nil {
		return nil, err
	}
	seen := map[string]string{}
	var out []process.Process
	for _, f := range files {
		base := stemOf(f)
		if strings.HasSuffix(base, socketSuffix) {
			continue
		}
		p, err := loadProcessFile(f, base)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("duplicate process name %q in %s (already defined in %s)", p.Name, f, prev)
		}
		seen[p.Name] = f
		out = append(out, p)
	}
	return out, nil
}

func loadProcessFile(path, defaultName string) (process.Process, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return process.Process{}, fmt.Errorf("read %s: %w", path, err)
	}
	var pf ProcFile
	if err := v.Unmarshal(&pf); err != nil {
		return process.Process{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if pf.Name == "" {
		pf.Name = defaultName
	}
	p := process.Process{
		Name:                pf.Name,
		Command:             pf.Command,
		Args:                pf.Args,
		Env:                 pf.Env,
		WorkDir:             pf.WorkDir,
		PIDFile:             pf.PIDFile,
		RestartPolicy:       process.RestartPolicy(pf.RestartPolicy),
		RestartSec:          pf.RestartSec,
		RestartMaxDelaySec:  pf.RestartMaxDelaySec,
		StartLimitBurst:     pf.StartLimitBurst,
		StartLimitInterval:  pf.StartLimitInterval,
		TimeoutStart:        pf.TimeoutStart,
		TimeoutStop:         pf.TimeoutStop,
		KillSignal:          pf.KillSignal,
		KillMode:            process.KillMode(pf.KillMode),
		ExecStartPre:        pf.ExecStartPre,
		ExecStartPost:       pf.ExecStartPost,
		ExecStopPost:        pf.ExecStopPost,
		After:               pf.After,
		Before:              pf.Before,
		Requires:            pf.Requires,
		Wants:               pf.Wants,
		BindsTo:             pf.BindsTo,
		Conflicts:           pf.Conflicts,
		HealthCheck:         pf.HealthCheck,
		Limits:              pf.Limits,
		RuntimeDirectory:    pf.RuntimeDirectory,
		RuntimeDirOwner:     pf.RuntimeDirOwner,
		AmbientCapabilities: pf.AmbientCapabilities,
		ConditionPathExists: pf.ConditionPathExists,
		SuccessExitStatus:   pf.SuccessExitStatus,
		RuntimeSuccess:      pf.RuntimeSuccess,
	}
	if err := p.Validate(); err != nil {
		return process.Process{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// LoadSockets reads every `*.socket.yaml` under dir. The filename minus the
// `.socket.yaml` suffix is the default socket name.
func LoadSockets(dir string) ([]socket.Config, error) {
	files, err := yamlFiles(dir)
	if err != nil {
		return nil, err
	}
	seen := map[string]string{}
	var out []socket.Config
	for _, f := range files {
		base := stemOf(f)
		if !strings.HasSuffix(base, socketSuffix) {
			continue
		}
		v := viper.New()
		v.SetConfigFile(f)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		var sc socket.Config
		if err := v.Unmarshal(&sc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", f, err)
		}
		if sc.Name == "" {
			sc.Name = strings.TrimSuffix(base, socketSuffix)
		}
		if err := sc.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		if prev, dup := seen[sc.Name]; dup {
			return nil, fmt.Errorf("duplicate socket name %q in %s (already defined in %s)", sc.Name, f, prev)
		}
		seen[sc.Name] = f
		out = append(out, sc)
	}
	return out, nil
}

// yamlFiles lists *.yaml and *.yml directly under dir, sorted for stable load
// order. A missing directory is treated as empty.
func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config directory %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func stemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
