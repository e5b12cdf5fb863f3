package service

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/runwarden/runwarden/internal/model"
)

// fixed settings of every run
const (
	actionTimeoutMs     = 30000
	navigationTimeoutMs = 30000
	locale              = "en-US"
	timezoneID          = "UTC"
	captureOn           = "on"
)

var defaultViewport = model.Viewport{Width: 1280, Height: 720}

// RunConfig is the runner configuration of a single execution. It is
// serialized as a JSON literal and never built by string concatenation.
type RunConfig struct {
	TestDir   string     `json:"testDir"`
	TestMatch string     `json:"testMatch"`
	Timeout   int        `json:"timeout"`
	OutputDir string     `json:"outputDir"`
	Retries   int        `json:"retries"`
	Workers   int        `json:"workers"`
	Reporter  [][]string `json:"reporter"`
	Use       UseConfig  `json:"use"`
	Projects  []Project  `json:"projects"`
}

type UseConfig struct {
	Headless          bool           `json:"headless"`
	Viewport          model.Viewport `json:"viewport"`
	ActionTimeout     int            `json:"actionTimeout"`
	NavigationTimeout int            `json:"navigationTimeout"`
	Locale            string         `json:"locale"`
	TimezoneID        string         `json:"timezoneId"`
	Screenshot        string         `json:"screenshot"`
	Trace             string         `json:"trace"`
}

type Project struct {
	Name string     `json:"name"`
	Use  ProjectUse `json:"use"`
}

type ProjectUse struct {
	BrowserName model.Browser `json:"browserName"`
}

// NewRunConfig derives the configuration for scriptPath from the request
// options, falling back to defaults.
func NewRunConfig(scriptPath, outputDir string, opts model.Options, defaultTimeoutMs int) RunConfig {
	headless := true
	if opts.Headless != nil {
		headless = *opts.Headless
	}
	timeout := defaultTimeoutMs
	if opts.TimeoutMs > 0 {
		timeout = opts.TimeoutMs
	}
	viewport := defaultViewport
	if opts.Viewport != nil {
		viewport = *opts.Viewport
	}
	browser := opts.Browser
	if browser == "" {
		browser = model.BrowserChromium
	}

	return RunConfig{
		TestDir:   filepath.Dir(scriptPath),
		TestMatch: filepath.Base(scriptPath),
		Timeout:   timeout,
		OutputDir: outputDir,
		Retries:   0,
		Workers:   1,
		Reporter:  [][]string{{"list"}},
		Use: UseConfig{
			Headless:          headless,
			Viewport:          viewport,
			ActionTimeout:     actionTimeoutMs,
			NavigationTimeout: navigationTimeoutMs,
			Locale:            locale,
			TimezoneID:        timezoneID,
			Screenshot:        captureOn,
			Trace:             captureOn,
		},
		Projects: []Project{{
			Name: string(browser),
			Use:  ProjectUse{BrowserName: browser},
		}},
	}
}

// Marshal renders the configuration as an ES module.
func (c RunConfig) Marshal() ([]byte, error) {
	body, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString("// generated by runwarden, do not edit\nexport default ")
	buf.Write(body)
	buf.WriteString(";\n")
	return buf.Bytes(), nil
}

// writeRunConfig stores cfg in dir under a unique name and returns its path.
func writeRunConfig(dir string, cfg RunConfig) (string, error) {
	b, err := cfg.Marshal()
	if err != nil {
		return "", fmt.Errorf("encoding run config: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating run config dir: %w", err)
	}
	path := filepath.Join(dir, "runwarden-"+uuid.NewString()+".config.mjs")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return "", fmt.Errorf("writing run config: %w", err)
	}
	return path, nil
}
