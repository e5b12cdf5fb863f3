package model

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// env variable names honoured on top of the config file
const (
	EnvConfig            = "RUNWARDEN_CONFIG"
	EnvAllowedScriptDirs = "ALLOWED_SCRIPT_DIRS"
	EnvPort              = "PORT"
	EnvMaxUploadSize     = "MAX_UPLOAD_SIZE"
	EnvUploadExtensions  = "ALLOWED_UPLOAD_EXTENSIONS"
	EnvRunnerPath        = "RUNWARDEN_RUNNER"
)

// NewViper returns a viper instance bound to the environment variables
// runwarden understands.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, env := range map[string]string{
		"config":                    EnvConfig,
		"scripts.allowed_dirs":      EnvAllowedScriptDirs,
		"server.port":               EnvPort,
		"server.max_upload_bytes":   EnvMaxUploadSize,
		"server.allowed_extensions": EnvUploadExtensions,
		"runner.path":               EnvRunnerPath,
	} {
		_ = v.BindEnv(key, env)
	}
	return v
}

// ApplyEnv overrides cfg with values found in v. List values are comma
// separated. ALLOWED_SCRIPT_DIRS is kept raw in the returned string, so the
// caller can merge it with the defaults.
func ApplyEnv(cfg *Config, v *viper.Viper) (allowedDirs string, err error) {
	if v.IsSet("server.port") {
		port := v.GetInt("server.port")
		if port <= 0 || port > 65535 {
			return "", fmt.Errorf("%s: invalid port %q", EnvPort, v.GetString("server.port"))
		}
		cfg.Server.Port = port
	}
	if v.IsSet("server.max_upload_bytes") {
		n := v.GetInt("server.max_upload_bytes")
		if n <= 0 {
			return "", fmt.Errorf("%s: invalid size %q", EnvMaxUploadSize, v.GetString("server.max_upload_bytes"))
		}
		cfg.Server.MaxUploadBytes = n
	}
	if v.IsSet("server.allowed_extensions") {
		var exts []string
		for _, e := range strings.Split(v.GetString("server.allowed_extensions"), ",") {
			e = strings.ToLower(strings.TrimSpace(e))
			if e == "" {
				continue
			}
			if !strings.HasPrefix(e, ".") {
				e = "." + e
			}
			exts = append(exts, e)
		}
		if len(exts) > 0 {
			cfg.Server.AllowedExtensions = exts
		}
	}
	if s := strings.TrimSpace(v.GetString("runner.path")); s != "" {
		cfg.Runner.Path = s
	}
	return v.GetString("scripts.allowed_dirs"), nil
}
