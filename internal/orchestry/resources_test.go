package orchestry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCPU(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"0.5", 5e8, false},
		{"1", 1e9, false},
		{"500m", 5e8, false},
		{"250m", 2.5e8, false},
		{"0m", 0, false},
		{"-1", 0, true},
		{"-100m", 0, true},
		{"abc", 0, true},
		{"abcm", 0, true},
	}
	for _, c := range cases {
		got, err := ParseCPU(c.in)
		if c.wantErr {
			require.Errorf(t, err, "ParseCPU(%q)", c.in)
			continue
		}
		require.NoErrorf(t, err, "ParseCPU(%q)", c.in)
		require.Equalf(t, c.want, got, "ParseCPU(%q)", c.in)
	}
}

func TestParseMemory(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"128Mi", 128 * 1024 * 1024, false},
		{"1Gi", 1024 * 1024 * 1024, false},
		{"512Ki", 512 * 1024, false},
		{"1024", 1024, false},
		{"-1Mi", 0, true},
		{"abcMi", 0, true},
	}
	for _, c := range cases {
		got, err := ParseMemory(c.in)
		if c.wantErr {
			require.Errorf(t, err, "ParseMemory(%q)", c.in)
			continue
		}
		require.NoErrorf(t, err, "ParseMemory(%q)", c.in)
		require.Equalf(t, c.want, got, "ParseMemory(%q)", c.in)
	}
}

func TestScalingPolicyValidate(t *testing.T) {
	base := ScalingPolicy{
		MinReplicas: 1, MaxReplicas: 5,
		ScaleInThresholdPct: 30, ScaleOutThresholdPct: 80,
		WindowSeconds: 20, CooldownSeconds: 30,
		MaxCPUPercent: 80, MaxMemoryPercent: 80,
	}
	require.NoError(t, base.Validate())

	bad := base
	bad.MaxReplicas = 0
	require.Error(t, bad.Validate(), "maxReplicas < minReplicas")

	bad = base
	bad.ScaleInThresholdPct = 90
	require.Error(t, bad.Validate(), "scaleIn >= scaleOut")

	bad = base
	bad.WindowSeconds = 0
	require.Error(t, bad.Validate(), "windowSeconds < 1")
}
