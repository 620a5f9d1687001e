package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestBuildJobTransitionsAreForwardOnly(t *testing.T) {
	job := NewBuildJob("octo", "site", "attempt-1", time.Now())
	if job.ID != "octo/site" {
		t.Fatalf("unexpected id %q", job.ID)
	}
	for _, next := range []BuildStatus{BuildPatching, BuildBuilding, BuildValidatingOutput} {
		if err := job.Advance(next); err != nil {
			t.Fatalf("advance to %s: %v", next, err)
		}
	}
	if err := job.Advance(BuildPatching); err == nil {
		t.Fatalf("expected backwards transition to be rejected")
	}
	if err := job.Advance(BuildPublishing); err != nil {
		t.Fatalf("advance to publishing: %v", err)
	}
	if err := job.Succeed(time.Now()); err != nil {
		t.Fatalf("succeed: %v", err)
	}
	if err := job.Advance(BuildFailed); err == nil {
		t.Fatalf("expected terminal job to reject transitions")
	}
}

func TestBuildJobFailFreezesLogs(t *testing.T) {
	job := NewBuildJob("octo", "site", "attempt-1", time.Now())
	job.Log("installing")
	job.Fail(KindDependencyInstallError, time.Now())
	job.Log("late line")

	if job.Status != BuildFailed {
		t.Fatalf("expected Failed, got %s", job.Status)
	}
	if len(job.LogLines) != 1 {
		t.Fatalf("expected frozen log with 1 line, got %v", job.LogLines)
	}
	if job.ErrorKind == nil || *job.ErrorKind != KindDependencyInstallError {
		t.Fatalf("unexpected error kind %v", job.ErrorKind)
	}
}

func TestErrorKindMatching(t *testing.T) {
	err := fmt.Errorf("stop: %w", Wrap(KindNotRunning, "octo/api is not running", nil))
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected wrapped error to match ErrNotRunning")
	}
	if errors.Is(err, ErrSandboxUnavailable) {
		t.Fatalf("did not expect a match across kinds")
	}
	if KindOf(err) != KindNotRunning {
		t.Fatalf("unexpected kind %s", KindOf(err))
	}
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatalf("untyped errors should be internal")
	}
	if KindOf(nil) != "" {
		t.Fatalf("nil error should have empty kind")
	}
}

func TestValidateProject(t *testing.T) {
	valid := [][2]string{{"octocat", "hello-world"}, {"my.org", "site_v2"}, {"a", ".github"}}
	for _, p := range valid {
		if err := ValidateProject(p[0], p[1]); err != nil {
			t.Fatalf("%s/%s: unexpected error %v", p[0], p[1], err)
		}
	}
	invalid := [][2]string{
		{"", "repo"},
		{"owner", ""},
		{"x", "../../../victim"},
		{"..", "repo"},
		{"owner", "."},
		{"own/er", "repo"},
		{"owner", `re\po`},
		{"owner", "repo name"},
	}
	for _, p := range invalid {
		err := ValidateProject(p[0], p[1])
		if KindOf(err) != KindInvalidRequest {
			t.Fatalf("%q/%q: expected InvalidRequest, got %v", p[0], p[1], err)
		}
	}
}
