package health

import (
	"sync"
	"testing"
)

func TestNewMonitor(t *testing.T) {
	monitor := NewMonitor()

	if monitor == nil {
		t.Fatal("NewMonitor() returned nil")
	}

	if monitor.Count() != 0 {
		t.Errorf("New monitor should have 0 components, got %d", monitor.Count())
	}
}

func TestMonitor_Update(t *testing.T) {
	monitor := NewMonitor()

	status := Status{
		Component: "dispatcher",
		Status:    StatusHealthy,
		Message:   "test message",
	}

	monitor.Update("dispatcher", status)

	retrieved, exists := monitor.Get("dispatcher")
	if !exists {
		t.Error("Component should exist after update")
	}

	if retrieved.Status != StatusHealthy {
		t.Errorf("Expected status healthy, got %s", retrieved.Status)
	}

	if retrieved.Timestamp.IsZero() {
		t.Error("Update should set timestamp if not provided")
	}
}

func TestMonitor_UpdateForcesName(t *testing.T) {
	monitor := NewMonitor()

	monitor.Update("correct-name", Status{Component: "wrong-name", Status: StatusHealthy})

	retrieved, exists := monitor.Get("correct-name")
	if !exists {
		t.Fatal("Component should exist under the updated name")
	}
	if retrieved.Component != "correct-name" {
		t.Errorf("Expected component name to be forced, got %s", retrieved.Component)
	}
}

func TestMonitor_Convenience(t *testing.T) {
	monitor := NewMonitor()

	monitor.UpdateHealthy("a", "ok")
	monitor.UpdateDegraded("b", "slow")
	monitor.UpdateUnhealthy("c", "down")

	if s, _ := monitor.Get("a"); !s.IsHealthy() {
		t.Error("a should be healthy")
	}
	if s, _ := monitor.Get("b"); !s.IsDegraded() {
		t.Error("b should be degraded")
	}
	if s, _ := monitor.Get("c"); !s.IsUnhealthy() {
		t.Error("c should be unhealthy")
	}
}

func TestMonitor_AggregateHealth(t *testing.T) {
	tests := []struct {
		name     string
		statuses []string
		expected string
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []string{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []string{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"one unhealthy", []string{StatusHealthy, StatusDegraded, StatusUnhealthy}, StatusUnhealthy},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			monitor := NewMonitor()
			for i, s := range test.statuses {
				monitor.Update(string(rune('a'+i)), Status{Status: s})
			}
			agg := monitor.AggregateHealth("system")
			if agg.Status != test.expected {
				t.Errorf("expected %s, got %s", test.expected, agg.Status)
			}
			if len(agg.SubStatuses) != len(test.statuses) {
				t.Errorf("expected %d sub-statuses, got %d", len(test.statuses), len(agg.SubStatuses))
			}
		})
	}
}

func TestMonitor_Remove(t *testing.T) {
	monitor := NewMonitor()
	monitor.UpdateHealthy("x", "ok")
	monitor.Remove("x")

	if _, exists := monitor.Get("x"); exists {
		t.Error("component should be gone after Remove")
	}
}

func TestMonitor_ConcurrentAccess(t *testing.T) {
	monitor := NewMonitor()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			monitor.UpdateHealthy("shared", "ok")
		}()
		go func() {
			defer wg.Done()
			monitor.AggregateHealth("system")
		}()
	}
	wg.Wait()

	if monitor.Count() != 1 {
		t.Errorf("expected 1 component, got %d", monitor.Count())
	}
}
