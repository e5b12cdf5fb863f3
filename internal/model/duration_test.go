package model_test

import (
	"testing"
	"time"

	"github.com/runwarden/runwarden/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given string
		then  time.Duration
	}{
		{"P30D", 30 * 24 * time.Hour},
		{"PT1H", time.Hour},
		{"PT90M", 90 * time.Minute},
		{"P1DT12H30M", 36*time.Hour + 30*time.Minute},
		{"PT0.5S", 500 * time.Millisecond},
		{"PT1,25S", 1250 * time.Millisecond},
	}
	for _, tc := range testCases {
		t.Run(tc.given, func(t *testing.T) {
			t.Parallel()
			got, err := model.ParseISODuration(tc.given)
			require.NoError(t, err)
			require.Equal(t, tc.then, got)
		})
	}
}

func TestParseISODuration_Invalid(t *testing.T) {
	t.Parallel()
	for _, given := range []string{"", "P", "PT", "P1DT", "30D", "P1M", "P1W", "PT-1H", "1h"} {
		t.Run(given, func(t *testing.T) {
			t.Parallel()
			_, err := model.ParseISODuration(given)
			require.ErrorIs(t, err, model.ErrISOFormat)
		})
	}
}

func TestValidateCron(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		ok       bool
	}{
		{"five fields", "*/15 * * * *", true},
		{"hourly macro", "@hourly", true},
		{"every macro", "@every 5m", true},
		{"four fields", "* * * *", false},
		{"day out of range", "* * 32 * *", false},
		{"empty", " ", false},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			err := model.ValidateCron(tc.given)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}
