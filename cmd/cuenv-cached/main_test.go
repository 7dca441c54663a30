package main

import "testing"

func TestBuildPlanOrdersWaves(t *testing.T) {
	req := runRequest{Tasks: []taskRequest{
		{Name: "build", Command: "true", TimeoutSeconds: 5},
		{Name: "test", Command: "true", TimeoutSeconds: 5, DependsOn: []string{"build"}},
	}}

	defs, plan, err := buildPlan(req)
	if err != nil {
		t.Fatalf("buildPlan: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	if len(plan.Waves) != 2 {
		t.Fatalf("expected 2 waves, got %d", len(plan.Waves))
	}
	if plan.Waves[0][0] != "build" {
		t.Fatalf("expected build in first wave, got %v", plan.Waves[0])
	}
	if plan.Waves[1][0] != "test" {
		t.Fatalf("expected test in second wave, got %v", plan.Waves[1])
	}
}

func TestBuildPlanRejectsUnknownDependency(t *testing.T) {
	req := runRequest{Tasks: []taskRequest{
		{Name: "test", Command: "true", TimeoutSeconds: 5, DependsOn: []string{"missing"}},
	}}
	if _, _, err := buildPlan(req); err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}
