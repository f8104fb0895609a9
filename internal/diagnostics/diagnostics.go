// Package diagnostics produces the --diagnose report: a JSON snapshot of
// configuration, backend availability and resource health, printed to stdout
// for bug reports.
package diagnostics

import (
	"encoding/json"
	"io"
	"os"
	"runtime"

	"github.com/agentbridge/agentbridge/internal/backend"
	"github.com/agentbridge/agentbridge/internal/common/config"
	"github.com/agentbridge/agentbridge/internal/guard"
)

// Report is the serialized diagnostic snapshot.
type Report struct {
	Version   string `json:"version"`
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	PID       int    `json:"pid"`

	Config    ConfigReport       `json:"config"`
	Backend   BackendReport      `json:"backend"`
	Resources guard.HealthReport `json:"resources"`
}

// ConfigReport summarizes the effective configuration. Secrets are reported
// as presence flags only.
type ConfigReport struct {
	PermissionMode string `json:"permissionMode"`
	MaxTurns       int    `json:"maxTurns"`
	Debug          bool   `json:"debug"`
	LogFile        string `json:"logFile,omitempty"`
	BackendMode    string `json:"backendMode"`
	BackendModel   string `json:"backendModel,omitempty"`
	CacheStrategy  string `json:"cacheStrategy"`
}

// BackendReport records which adapters are usable from this environment.
// Credentials are reported by name only.
type BackendReport struct {
	SubprocessPath       string   `json:"subprocessPath,omitempty"`
	SubprocessExecutable bool     `json:"subprocessExecutable"`
	APIKeyPresent        bool     `json:"apiKeyPresent"`
	Credentials          []string `json:"credentials,omitempty"`
}

// Collect assembles a report from the loaded configuration and the guard.
func Collect(version string, cfg *config.Config, g *guard.ResourceGuard) Report {
	return Report{
		Version:   version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		PID:       os.Getpid(),
		Config: ConfigReport{
			PermissionMode: cfg.PermissionMode,
			MaxTurns:       cfg.MaxTurns,
			Debug:          cfg.Debug,
			LogFile:        cfg.LogFile,
			BackendMode:    cfg.Backend.Mode,
			BackendModel:   cfg.Backend.Model,
			CacheStrategy:  cfg.Cache.Strategy,
		},
		Backend: BackendReport{
			SubprocessPath:       cfg.Backend.Path,
			SubprocessExecutable: executable(cfg.Backend.Path),
			APIKeyPresent:        cfg.Backend.APIKey != "",
			Credentials:          backend.AvailableCredentials(),
		},
		Resources: g.Health(),
	}
}

// Write renders the report as indented JSON.
func Write(w io.Writer, report Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func executable(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
