package model

import (
	"fmt"
	"time"
)

type Browser string

const (
	BrowserChromium Browser = "chromium"
	BrowserFirefox  Browser = "firefox"
	BrowserWebkit   Browser = "webkit"
)

func (b Browser) Valid() bool {
	switch b {
	case "", BrowserChromium, BrowserFirefox, BrowserWebkit:
		return true
	}
	return false
}

type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Options tune a single run. Zero values mean "use the default".
type Options struct {
	Headless  *bool     `json:"headless,omitempty"`
	Browser   Browser   `json:"browser,omitempty"`
	TimeoutMs int       `json:"timeoutMs,omitempty"`
	Viewport  *Viewport `json:"viewport,omitempty"`
}

func (o Options) Validate() error {
	if !o.Browser.Valid() {
		return fmt.Errorf("unsupported browser %q", o.Browser)
	}
	if o.TimeoutMs < 0 {
		return fmt.Errorf("negative timeoutMs %d", o.TimeoutMs)
	}
	if o.Viewport != nil && (o.Viewport.Width <= 0 || o.Viewport.Height <= 0) {
		return fmt.Errorf("invalid viewport %dx%d", o.Viewport.Width, o.Viewport.Height)
	}
	return nil
}

type ExecutionRequest struct {
	ScriptID    string  `json:"scriptId"`
	ScriptPath  string  `json:"scriptPath"`
	FileName    string  `json:"fileName"`
	Options     Options `json:"options"`
	CallbackURL *URL    `json:"callbackUrl,omitempty"`
}

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type ExecutionResult struct {
	ExecutionID string     `json:"executionId,omitempty"`
	ScriptID    string     `json:"scriptId"`
	FileName    string     `json:"fileName"`
	Status      Status     `json:"status"`
	StartTime   time.Time  `json:"startTime"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	DurationMs  *int64     `json:"durationMs,omitempty"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	Screenshots []string   `json:"screenshots"`
	Traces      []string   `json:"traces"`
}

// Clone returns a deep copy, so snapshots handed to observers never alias
// the supervisor's working copy.
func (r ExecutionResult) Clone() ExecutionResult {
	c := r
	if r.EndTime != nil {
		t := *r.EndTime
		c.EndTime = &t
	}
	if r.DurationMs != nil {
		d := *r.DurationMs
		c.DurationMs = &d
	}
	c.Screenshots = append([]string{}, r.Screenshots...)
	c.Traces = append([]string{}, r.Traces...)
	return c
}

// Finish moves a running result into its terminal state.
func (r *ExecutionResult) Finish(status Status, end time.Time) {
	r.Status = status
	r.EndTime = &end
	d := end.Sub(r.StartTime).Milliseconds()
	r.DurationMs = &d
}

type StoredExecutionResult struct {
	ExecutionResult
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	HTMLReport string    `json:"htmlReport,omitempty"`
}

type BatchResult struct {
	BatchID          string            `json:"batchId"`
	TotalScripts     int               `json:"totalScripts"`
	CompletedScripts int               `json:"completedScripts"`
	FailedScripts    int               `json:"failedScripts"`
	Results          []ExecutionResult `json:"results"`
}

type RunningTest struct {
	ExecutionID string    `json:"executionId"`
	ScriptID    string    `json:"scriptId"`
	FileName    string    `json:"fileName"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"startedAt"`
}

type Stats struct {
	Total      int                     `json:"total"`
	Successful int                     `json:"successful"`
	Failed     int                     `json:"failed"`
	Recent     []StoredExecutionResult `json:"recent"`
}

type ArtifactKind string

const (
	ArtifactScreenshot ArtifactKind = "screenshot"
	ArtifactTrace      ArtifactKind = "trace"
)
