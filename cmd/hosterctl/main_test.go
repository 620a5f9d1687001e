package main

import (
	"flag"
	"testing"
)

func TestProjectArgument(t *testing.T) {
	cases := []struct {
		arg   string
		owner string
		repo  string
		ok    bool
	}{
		{"octo/site", "octo", "site", true},
		{"octo", "", "", false},
		{"octo/site/extra", "", "", false},
		{"/site", "", "", false},
	}
	for _, tc := range cases {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		if err := fs.Parse([]string{tc.arg}); err != nil {
			t.Fatalf("parse: %v", err)
		}
		owner, repo, err := project(fs)
		if (err == nil) != tc.ok {
			t.Fatalf("%q: err = %v", tc.arg, err)
		}
		if owner != tc.owner || repo != tc.repo {
			t.Fatalf("%q: got %s/%s", tc.arg, owner, repo)
		}
	}
}

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIBaseURL != defaultAPIBaseURL {
		t.Fatalf("default base = %q", cfg.APIBaseURL)
	}
	cfg.AccessToken = "jwt"
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := loadConfig()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.AccessToken != "jwt" {
		t.Fatalf("token = %q", got.AccessToken)
	}
}
