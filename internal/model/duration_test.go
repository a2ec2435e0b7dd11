package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"90m", 90 * time.Minute},
		{"2d", 48 * time.Hour},
		{"1d12h", 36 * time.Hour},
		{"1.5d", 36 * time.Hour},
		{" 3d ", 72 * time.Hour},
		{"-1d6h", -30 * time.Hour},
	}
	for _, tc := range cases {
		got, err := ParseDuration(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"d", "2days", "xd", "1d-2h", ""} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestDurationJSON(t *testing.T) {
	var a Action
	require.NoError(t, json.Unmarshal([]byte(`{"type":"delay","duration":"2d"}`), &a))
	assert.Equal(t, 48*time.Hour, a.Duration.Std())

	require.NoError(t, json.Unmarshal([]byte(`{"type":"delay","duration":3600}`), &a))
	assert.Equal(t, time.Hour, a.Duration.Std())

	out, err := json.Marshal(Duration(36 * time.Hour))
	require.NoError(t, err)
	var back Duration
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, Duration(36*time.Hour), back)

	assert.Error(t, json.Unmarshal([]byte(`{"duration":"soon"}`), &a))
}
