package model

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version   int        `json:"version" yaml:"version"` // fixed 0 for now
	Service   Service    `json:"service" yaml:"service"`
	Server    Server     `json:"server" yaml:"server"`
	Scripts   Scripts    `json:"scripts" yaml:"scripts"`
	Runner    Runner     `json:"runner" yaml:"runner"`
	Results   Results    `json:"results" yaml:"results"`
	Retention *Retention `json:"retention,omitempty" yaml:"retention,omitempty"`
	Events    *Events    `json:"events,omitempty" yaml:"events,omitempty"`
}

type Service struct {
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Log     string `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
}

type Server struct {
	Port              int      `json:"port" yaml:"port"`
	UploadsDir        string   `json:"uploads_dir" yaml:"uploads_dir"`
	MaxUploadBytes    int      `json:"max_upload_bytes" yaml:"max_upload_bytes"`
	AllowedExtensions []string `json:"allowed_extensions" yaml:"allowed_extensions"`
}

// Scripts lists extra directories scripts may be executed from. The uploads
// directory is always allowed.
type Scripts struct {
	AllowedDirs []string `json:"allowed_dirs" yaml:"allowed_dirs"`
}

// Runner describes the external test runner CLI.
type Runner struct {
	Path       string   `json:"path" yaml:"path"`
	Args       []string `json:"args" yaml:"args"`
	ScratchDir string   `json:"scratch_dir" yaml:"scratch_dir"`
	ConfigDir  string   `json:"config_dir" yaml:"config_dir"`
	TimeoutMs  int      `json:"timeout_ms" yaml:"timeout_ms"`
}

func (r Runner) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

type Results struct {
	Dir string `json:"dir" yaml:"dir"`
}

type Retention struct {
	Enabled bool    `json:"enabled" yaml:"enabled"`
	Cron    *string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Every   *string `json:"every,omitempty" yaml:"every,omitempty"`
	MaxAge  string  `json:"max_age" yaml:"max_age"`
}

// MaxAgeDuration parses MaxAge as an ISO-8601 duration.
func (r Retention) MaxAgeDuration() (time.Duration, error) {
	d, err := ParseISODuration(r.MaxAge)
	if err != nil {
		return 0, fmt.Errorf("retention.max_age: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("retention.max_age: must be positive")
	}
	return d, nil
}

type Events struct {
	Kafka *Kafka `json:"kafka,omitempty" yaml:"kafka,omitempty"`
}

type Kafka struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	cfg, err := LoadConfig(bytes.NewReader([]byte("version: 0\n")))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return *cfg
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	if out.Retention != nil && out.Retention.Enabled {
		if (out.Retention.Cron == nil) == (out.Retention.Every == nil) {
			return nil, fmt.Errorf("retention: exactly one of cron or every must be set")
		}
		if _, err := out.Retention.MaxAgeDuration(); err != nil {
			return nil, err
		}
	}

	return &out, nil
}
