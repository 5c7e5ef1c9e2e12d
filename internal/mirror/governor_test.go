package mirror

import (
	"testing"
	"time"
)

func TestGovernor_InitiallyNotCooling(t *testing.T) {
	g := NewGovernor(30 * time.Second)

	cooling, remaining := g.CoolingDown()
	if cooling {
		t.Error("初期状態でクールダウン中になっている")
	}
	if remaining != 0 {
		t.Errorf("remaining = %v, want 0", remaining)
	}
}

func TestGovernor_TripStartsCoolDown(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base

	g := NewGovernor(30 * time.Second)
	g.now = func() time.Time { return current }

	g.Trip()

	cooling, remaining := g.CoolingDown()
	if !cooling {
		t.Fatal("Trip後にクールダウン中でない")
	}
	if remaining != 30*time.Second {
		t.Errorf("remaining = %v, want 30s", remaining)
	}

	// 期限の途中
	current = base.Add(20 * time.Second)
	cooling, remaining = g.CoolingDown()
	if !cooling {
		t.Fatal("期限内なのにクールダウンが解除されている")
	}
	if remaining != 10*time.Second {
		t.Errorf("remaining = %v, want 10s", remaining)
	}

	// 期限経過
	current = base.Add(30 * time.Second)
	if cooling, _ = g.CoolingDown(); cooling {
		t.Error("期限経過後もクールダウン中になっている")
	}
}

func TestGovernor_TripExtendsDeadline(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base

	g := NewGovernor(30 * time.Second)
	g.now = func() time.Time { return current }

	g.Trip()
	current = base.Add(20 * time.Second)
	g.Trip()

	_, remaining := g.CoolingDown()
	if remaining != 30*time.Second {
		t.Errorf("remaining = %v, want 30s", remaining)
	}
}
