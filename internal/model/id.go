package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

var scriptIDRx = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidScriptID reports whether id is safe to embed in file names.
func ValidScriptID(id string) bool {
	return scriptIDRx.MatchString(id) && !strings.Contains(id, "..")
}

// ExecutionIDs hands out {scriptId}_{unixMillis} identifiers. Two calls never
// observe the same millisecond: when the clock has not advanced the previous
// value is bumped by one.
type ExecutionIDs struct {
	mx   sync.Mutex
	last int64
	now  func() time.Time
}

func NewExecutionIDs(now func() time.Time) *ExecutionIDs {
	if now == nil {
		now = time.Now
	}
	return &ExecutionIDs{now: now}
}

// Next returns a new identifier and the timestamp it encodes.
func (g *ExecutionIDs) Next(scriptID string) (string, time.Time) {
	g.mx.Lock()
	defer g.mx.Unlock()
	ms := g.now().UnixMilli()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms
	return scriptID + "_" + strconv.FormatInt(ms, 10), time.UnixMilli(ms).UTC()
}

// SplitExecutionID is the inverse of Next.
func SplitExecutionID(id string) (scriptID string, at time.Time, err error) {
	i := strings.LastIndexByte(id, '_')
	if i <= 0 {
		return "", time.Time{}, fmt.Errorf("malformed execution id %q", id)
	}
	ms, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed execution id %q: %w", id, err)
	}
	return id[:i], time.UnixMilli(ms).UTC(), nil
}
