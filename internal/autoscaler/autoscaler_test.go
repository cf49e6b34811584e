package autoscaler

import (
	"testing"
	"time"

	"github.com/orchestry/orchestry/internal/orchestry"
)

func policy() *orchestry.ScalingPolicy {
	return &orchestry.ScalingPolicy{
		MinReplicas:          1,
		MaxReplicas:          10,
		ScaleInThresholdPct:  30,
		ScaleOutThresholdPct: 80,
		WindowSeconds:        20,
		CooldownSeconds:      60,
		TargetRPSPerReplica:  10,
		MaxCPUPercent:        80,
		MaxMemoryPercent:     80,
	}
}

func TestEvaluateManualModeIsNoop(t *testing.T) {
	a := New()
	d := a.Evaluate("app", policy(), orchestry.ModeManual, 3, time.Now())
	if d.ShouldScale {
		t.Fatalf("expected no-scale in manual mode, got %+v", d)
	}
	if d.Reason != "manual mode" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestEvaluateBelowMinimumBypassesCooldownAndMetrics(t *testing.T) {
	a := New()
	now := time.Now()
	a.RecordScalingAction("app", now) // simulate recent scale, would trigger cooldown otherwise
	d := a.Evaluate("app", policy(), orchestry.ModeAuto, 0, now.Add(time.Second))
	if !d.ShouldScale || d.TargetReplicas != 1 {
		t.Fatalf("expected scale to minReplicas, got %+v", d)
	}
	if d.Reason != "below-minimum" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestEvaluateNoMetricsIsNoScale(t *testing.T) {
	a := New()
	d := a.Evaluate("app", policy(), orchestry.ModeAuto, 2, time.Now())
	if d.ShouldScale {
		t.Fatalf("expected no-scale with empty window, got %+v", d)
	}
	if d.Reason != "no metrics" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestEvaluateCooldownSuppressesScaleOut(t *testing.T) {
	a := New()
	now := time.Now()
	a.RecordScalingAction("app", now)
	a.AddMetrics("app", orchestry.ScalingMetrics{RPS: 1000, HealthyReplicas: 2}, 20, now.Add(time.Second))
	d := a.Evaluate("app", policy(), orchestry.ModeAuto, 2, now.Add(2*time.Second))
	if d.ShouldScale {
		t.Fatalf("expected cooldown to suppress scale-out, got %+v", d)
	}
	if d.Reason != "cooldown" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestEvaluateScaleOutOnOverload(t *testing.T) {
	a := New()
	now := time.Now()
	// rps/healthy/target = (1000/2)/10 = 50, well over the 0.8 threshold.
	a.AddMetrics("app", orchestry.ScalingMetrics{RPS: 1000, HealthyReplicas: 2}, 20, now)
	d := a.Evaluate("app", policy(), orchestry.ModeAuto, 2, now.Add(time.Second))
	if !d.ShouldScale {
		t.Fatalf("expected scale-out, got %+v", d)
	}
	if d.TargetReplicas <= 2 {
		t.Errorf("target = %d, want > 2", d.TargetReplicas)
	}
	if d.Reason != "scale-out" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestEvaluateScaleInRequiresStablePeriods(t *testing.T) {
	a := New()
	p := policy()
	now := time.Now()
	// rps/healthy/target = (10/5)/10 = 0.2, below the 0.3 scale-in threshold.
	underload := orchestry.ScalingMetrics{RPS: 10, HealthyReplicas: 5}

	for i := 0; i < minScaleInStablePeriods-1; i++ {
		tick := now.Add(time.Duration(i) * time.Second)
		a.AddMetrics("app", underload, p.WindowSeconds, tick)
		d := a.Evaluate("app", p, orchestry.ModeAuto, 5, tick)
		if d.ShouldScale {
			t.Fatalf("scaled before stable-period threshold at tick %d: %+v", i, d)
		}
	}

	last := now.Add(time.Duration(minScaleInStablePeriods) * time.Second)
	a.AddMetrics("app", underload, p.WindowSeconds, last)
	d := a.Evaluate("app", p, orchestry.ModeAuto, 5, last)
	if !d.ShouldScale || d.TargetReplicas != 4 {
		t.Fatalf("expected scale-in by exactly one replica after stable periods, got %+v", d)
	}
}

func TestEvaluateClampsToMaxReplicas(t *testing.T) {
	a := New()
	p := policy()
	p.MaxReplicas = 3
	now := time.Now()
	a.AddMetrics("app", orchestry.ScalingMetrics{RPS: 100000, HealthyReplicas: 2}, p.WindowSeconds, now)
	d := a.Evaluate("app", p, orchestry.ModeAuto, 2, now.Add(time.Second))
	if !d.ShouldScale || d.TargetReplicas != 3 {
		t.Fatalf("expected clamp to maxReplicas=3, got %+v", d)
	}
}

func TestEvaluateNoHealthyReplicasForcesScaleOut(t *testing.T) {
	a := New()
	now := time.Now()
	a.AddMetrics("app", orchestry.ScalingMetrics{RPS: 0, HealthyReplicas: 0}, 20, now)
	d := a.Evaluate("app", policy(), orchestry.ModeAuto, 2, now.Add(time.Second))
	if !d.ShouldScale {
		t.Fatalf("expected emergency scale-out with zero healthy replicas, got %+v", d)
	}
	found := false
	for _, tr := range d.TriggeredBy {
		if tr == "no_healthy" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected triggeredBy to include no_healthy, got %v", d.TriggeredBy)
	}
}

func TestPercentile95FallsBackToMaxUnderTwoSamples(t *testing.T) {
	if got := percentile95([]float64{42}); got != 42 {
		t.Errorf("percentile95 single sample = %v, want 42", got)
	}
	if got := percentile95(nil); got != 0 {
		t.Errorf("percentile95 empty = %v, want 0", got)
	}
}
