package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// BuildStatus tracks a BuildJob through its forward-only lifecycle.
type BuildStatus string

const (
	BuildValidating       BuildStatus = "Validating"
	BuildPatching         BuildStatus = "Patching"
	BuildBuilding         BuildStatus = "Building"
	BuildValidatingOutput BuildStatus = "ValidatingOutput"
	BuildPublishing       BuildStatus = "Publishing"
	BuildSucceeded        BuildStatus = "Succeeded"
	BuildFailed           BuildStatus = "Failed"
)

var buildOrder = map[BuildStatus]int{
	BuildValidating:       0,
	BuildPatching:         1,
	BuildBuilding:         2,
	BuildValidatingOutput: 3,
	BuildPublishing:       4,
	BuildSucceeded:        5,
	BuildFailed:           5,
}

// Terminal reports whether no further transitions are allowed.
func (s BuildStatus) Terminal() bool {
	return s == BuildSucceeded || s == BuildFailed
}

var projectNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateProject checks owner and repo against the characters GitHub allows
// in account and repository names. "." and ".." are rejected so the pair is
// always safe to use as a single path element.
func ValidateProject(owner, repo string) error {
	for _, part := range []struct{ label, value string }{{"owner", owner}, {"repo", repo}} {
		if part.value == "" {
			return E(KindInvalidRequest, "owner and repo are required")
		}
		if part.value == "." || part.value == ".." || !projectNamePattern.MatchString(part.value) {
			return E(KindInvalidRequest, fmt.Sprintf("invalid %s %q", part.label, part.value))
		}
	}
	return nil
}

// ProjectKey renders the composite owner/repo identifier.
func ProjectKey(owner, repo string) string {
	return strings.TrimSpace(owner) + "/" + strings.TrimSpace(repo)
}

// BuildJob is one build attempt for one (owner, repo) pair.
type BuildJob struct {
	ID          string      `json:"id"`
	AttemptID   string      `json:"attempt_id"`
	Owner       string      `json:"owner"`
	Repo        string      `json:"repo"`
	SourceRoot  string      `json:"-"`
	ProjectPath string      `json:"project_path"`
	OutputDir   string      `json:"-"`
	Status      BuildStatus `json:"status"`
	LogLines    []string    `json:"logs"`
	ErrorKind   *ErrorKind  `json:"error_kind,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	FinishedAt  time.Time   `json:"finished_at,omitempty"`
}

// NewBuildJob starts a job in the Validating state.
func NewBuildJob(owner, repo, attemptID string, now time.Time) *BuildJob {
	return &BuildJob{
		ID:        ProjectKey(owner, repo),
		AttemptID: attemptID,
		Owner:     owner,
		Repo:      repo,
		Status:    BuildValidating,
		StartedAt: now,
	}
}

// Advance moves the job forward. Backwards or post-terminal moves are rejected.
func (j *BuildJob) Advance(next BuildStatus) error {
	if j.Status.Terminal() {
		return fmt.Errorf("build job %s already %s", j.ID, j.Status)
	}
	if next == BuildFailed {
		j.Status = next
		return nil
	}
	if buildOrder[next] <= buildOrder[j.Status] {
		return fmt.Errorf("build job %s cannot move from %s to %s", j.ID, j.Status, next)
	}
	j.Status = next
	return nil
}

// Log appends a line unless the job has already reached a terminal state.
func (j *BuildJob) Log(line string) {
	if j.Status.Terminal() {
		return
	}
	j.LogLines = append(j.LogLines, line)
}

// Fail records the kind and freezes the log.
func (j *BuildJob) Fail(kind ErrorKind, now time.Time) {
	if j.Status.Terminal() {
		return
	}
	k := kind
	j.ErrorKind = &k
	j.Status = BuildFailed
	j.FinishedAt = now
}

// Succeed marks the job done.
func (j *BuildJob) Succeed(now time.Time) error {
	if err := j.Advance(BuildSucceeded); err != nil {
		return err
	}
	j.FinishedAt = now
	return nil
}

// BuildArtifact is validated static output ready for publishing.
type BuildArtifact struct {
	SourceFolder string   `json:"source_folder"`
	FileList     []string `json:"files"`
	HasIndexHTML bool     `json:"has_index_html"`
}

// PublishResult summarises an upload pass.
type PublishResult struct {
	URLs       []string `json:"urls"`
	Uploaded   int      `json:"uploaded"`
	Skipped    int      `json:"skipped"`
	WebsiteURL string   `json:"website_url,omitempty"`
}

// BuildSummary describes a published or locally retained build.
type BuildSummary struct {
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
	FileCount  int    `json:"file_count"`
	WebsiteURL string `json:"website_url,omitempty"`
	Location   string `json:"location"`
}
