package dag

import (
	"errors"
	"testing"
)

func TestFlattenSimpleTasks(t *testing.T) {
	roots := []Node{
		{Kind: KindTask, Name: "a"},
		{Kind: KindTask, Name: "b", DependsOn: []string{"a"}},
	}
	flat, err := Flatten(roots)
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if len(flat["b"].DependsOn) != 1 || flat["b"].DependsOn[0] != "a" {
		t.Fatalf("unexpected deps for b: %v", flat["b"].DependsOn)
	}
}

func TestFlattenSequentialGroupChainsChildren(t *testing.T) {
	roots := []Node{
		{
			Kind: KindSequentialGroup,
			Name: "build",
			Children: []Node{
				{Kind: KindTask, Name: "compile"},
				{Kind: KindTask, Name: "link"},
			},
		},
	}
	flat, err := Flatten(roots)
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	compile := flat["build:compile"]
	if len(compile.DependsOn) != 1 || compile.DependsOn[0] != "build:__start__" {
		t.Fatalf("expected compile to depend on build:__start__, got %v", compile.DependsOn)
	}
	link := flat["build:link"]
	if len(link.DependsOn) != 1 || link.DependsOn[0] != "build:compile" {
		t.Fatalf("expected link to depend on build:compile, got %v", link.DependsOn)
	}
	end := flat["build:__end__"]
	if len(end.DependsOn) != 1 || end.DependsOn[0] != "build:link" {
		t.Fatalf("expected build:__end__ to depend on build:link, got %v", end.DependsOn)
	}
}

func TestFlattenParallelGroupHasNoInternalEdges(t *testing.T) {
	roots := []Node{
		{
			Kind: KindParallelGroup,
			Name: "tests",
			Children: []Node{
				{Kind: KindTask, Name: "unit"},
				{Kind: KindTask, Name: "integration"},
			},
		},
	}
	flat, err := Flatten(roots)
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	unit := flat["tests:unit"]
	if len(unit.DependsOn) != 1 || unit.DependsOn[0] != "tests:__start__" {
		t.Fatalf("expected unit to depend only on tests:__start__, got %v", unit.DependsOn)
	}
	end := flat["tests:__end__"]
	if len(end.DependsOn) != 2 {
		t.Fatalf("expected tests:__end__ to depend on both children, got %v", end.DependsOn)
	}
}

func TestFlattenRewritesGroupDependencyToEndBarrier(t *testing.T) {
	roots := []Node{
		{
			Kind: KindSequentialGroup,
			Name: "build",
			Children: []Node{
				{Kind: KindTask, Name: "compile"},
			},
		},
		{Kind: KindTask, Name: "deploy", DependsOn: []string{"build"}},
	}
	flat, err := Flatten(roots)
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	deploy := flat["deploy"]
	if len(deploy.DependsOn) != 1 || deploy.DependsOn[0] != "build:__end__" {
		t.Fatalf("expected deploy to depend on build:__end__, got %v", deploy.DependsOn)
	}
}

func TestFlattenUnknownDependencyIsConfigError(t *testing.T) {
	roots := []Node{
		{Kind: KindTask, Name: "a", DependsOn: []string{"ghost"}},
	}
	_, err := Flatten(roots)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestPlanBuildAssignsWaves(t *testing.T) {
	flat := map[string]FlatTask{
		"a": {ID: "a"},
		"b": {ID: "b", DependsOn: []string{"a"}},
		"c": {ID: "c", DependsOn: []string{"a"}},
		"d": {ID: "d", DependsOn: []string{"b", "c"}},
	}
	plan, err := Build(flat)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(plan.Waves) != 3 {
		t.Fatalf("expected 3 waves, got %d: %v", len(plan.Waves), plan.Waves)
	}
	if len(plan.Waves[0]) != 1 || plan.Waves[0][0] != "a" {
		t.Fatalf("unexpected wave 0: %v", plan.Waves[0])
	}
	if len(plan.Waves[1]) != 2 {
		t.Fatalf("expected 2 tasks in wave 1, got %v", plan.Waves[1])
	}
	if len(plan.Waves[2]) != 1 || plan.Waves[2][0] != "d" {
		t.Fatalf("unexpected wave 2: %v", plan.Waves[2])
	}
}

func TestPlanBuildDetectsCycle(t *testing.T) {
	flat := map[string]FlatTask{
		"a": {ID: "a", DependsOn: []string{"b"}},
		"b": {ID: "b", DependsOn: []string{"a"}},
	}
	_, err := Build(flat)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for cycle, got %v", err)
	}
}

func TestPlanBuildDetectsMissingDependency(t *testing.T) {
	flat := map[string]FlatTask{
		"a": {ID: "a", DependsOn: []string{"ghost"}},
	}
	_, err := Build(flat)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for missing dependency, got %v", err)
	}
}
