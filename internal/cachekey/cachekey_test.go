package cachekey

import "testing"

func TestDeriveDeterministic(t *testing.T) {
	identity := TaskIdentity{
		TaskName:       "build",
		GroupPath:      "services/api",
		TaskConfigHash: "abc123",
		WorkingDir:     "/home/dev/repo",
		Command:        "go build ./...",
		Inputs: []InputFile{
			{Path: "main.go", ContentHash: "h1"},
			{Path: "go.mod", ContentHash: "h2"},
		},
		Env: map[string]string{"CI": "true"},
	}
	k1, err := Derive(identity, identity.Env)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := Derive(identity, identity.Env)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("expected deterministic digest, got %s != %s", k1, k2)
	}
	if len(k1) != 64 {
		t.Fatalf("expected 64 hex chars (256 bits), got %d", len(k1))
	}
}

func TestDeriveInputOrderIndependent(t *testing.T) {
	base := TaskIdentity{TaskName: "t", WorkingDir: "/a"}
	a := base
	a.Inputs = []InputFile{{Path: "b", ContentHash: "2"}, {Path: "a", ContentHash: "1"}}
	b := base
	b.Inputs = []InputFile{{Path: "a", ContentHash: "1"}, {Path: "b", ContentHash: "2"}}

	ka, _ := Derive(a, nil)
	kb, _ := Derive(b, nil)
	if ka != kb {
		t.Fatalf("expected input order to not affect digest")
	}
}

func TestDeriveIgnoresTrailingSlashInWorkingDir(t *testing.T) {
	a := TaskIdentity{TaskName: "t", WorkingDir: "/a/b/"}
	b := TaskIdentity{TaskName: "t", WorkingDir: "/a/b"}
	ka, _ := Derive(a, nil)
	kb, _ := Derive(b, nil)
	if ka != kb {
		t.Fatalf("expected canonicalization to make trailing slash irrelevant")
	}
}

func TestCanonicalizeWorkingDir(t *testing.T) {
	cases := map[string]string{
		"/a/b/":        "/a/b",
		"/a/./b":       "/a/b",
		"/a/b/../c":    "/a/c",
		"C:\\Users\\x": "/c/Users/x",
		"":              "/",
	}
	for in, want := range cases {
		got := CanonicalizeWorkingDir(in)
		if got != want {
			t.Errorf("CanonicalizeWorkingDir(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFilterEnvExcludeWinsOverInclude(t *testing.T) {
	policy := EnvFilterPolicy{
		ExcludeGlobs: []string{"SECRET_*"},
		IncludeGlobs: []string{"SECRET_*", "BUILD_ID"},
	}
	env := map[string]string{"SECRET_TOKEN": "x", "BUILD_ID": "42"}
	out, err := FilterEnv(policy, "t", env)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if _, ok := out["SECRET_TOKEN"]; ok {
		t.Fatalf("expected SECRET_TOKEN excluded")
	}
	if out["BUILD_ID"] != "42" {
		t.Fatalf("expected BUILD_ID kept")
	}
}

func TestFilterEnvSmartDefaults(t *testing.T) {
	policy := EnvFilterPolicy{UseSmartDefaults: true}
	env := map[string]string{
		"PATH":       "/usr/bin",
		"CI":         "true",
		"GO_VERSION": "1.23",
		"RANDOM_VAR": "x",
	}
	out, err := FilterEnv(policy, "t", env)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if _, ok := out["PATH"]; ok {
		t.Fatalf("expected PATH denied by smart default")
	}
	if out["CI"] != "true" {
		t.Fatalf("expected CI allowed")
	}
	if out["GO_VERSION"] != "1.23" {
		t.Fatalf("expected GO_VERSION allowed by *_VERSION")
	}
	if _, ok := out["RANDOM_VAR"]; ok {
		t.Fatalf("expected RANDOM_VAR dropped, not on allow-list")
	}
}

func TestFilterEnvTaskOverride(t *testing.T) {
	policy := EnvFilterPolicy{
		ExcludeGlobs:     []string{"FOO"},
		TaskExcludeGlobs: map[string][]string{"special": {"BAR"}},
	}
	env := map[string]string{"FOO": "1", "BAR": "2"}
	out, _ := FilterEnv(policy, "special", env)
	if _, ok := out["FOO"]; !ok {
		t.Fatalf("expected task override to replace global exclude list, FOO should be kept")
	}
	if _, ok := out["BAR"]; ok {
		t.Fatalf("expected BAR excluded by task-specific rule")
	}
}

func TestFilterEnvInvalidGlob(t *testing.T) {
	policy := EnvFilterPolicy{ExcludeGlobs: []string{"*FOO*"}}
	if _, err := FilterEnv(policy, "t", map[string]string{"FOO": "1"}); err == nil {
		t.Fatalf("expected invalid glob error")
	}
}
