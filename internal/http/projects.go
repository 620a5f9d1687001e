package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/splax/hoster/internal/domain"
	"github.com/splax/hoster/internal/github"
	"github.com/splax/hoster/internal/service/build"
)

type repoSummary struct {
	Owner          string                        `json:"owner"`
	Name           string                        `json:"name"`
	FullName       string                        `json:"full_name"`
	Private        bool                          `json:"private"`
	Description    string                        `json:"description,omitempty"`
	DefaultBranch  string                        `json:"default_branch"`
	Classification *domain.ProjectClassification `json:"classification,omitempty"`
}

type classifyResponse struct {
	Classification domain.ProjectClassification `json:"classification"`
	Diagnostics    []string                     `json:"diagnostics"`
}

func (r *Router) handleRepos(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.mustSession(w, req)
	if !ok {
		return
	}
	repos, err := r.repos.ListRepos(req.Context(), sess.Token)
	if err != nil {
		r.logger.Warn("list repositories", "login", sess.Login, "error", err)
		kind := domain.KindInternal
		var apiErr github.APIError
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden) {
			kind = domain.KindNotAuthenticated
		}
		writeFailure(w, domain.Wrap(kind, "list repositories", err), nil, nil)
		return
	}
	out := make([]repoSummary, len(repos))
	for i, repo := range repos {
		out[i] = summarizeRepo(repo)
	}
	if req.URL.Query().Get("classify") != "false" {
		r.classifyRepos(req.Context(), sess.Token, out)
	}
	writeOK(w, http.StatusOK, out)
}

func summarizeRepo(repo github.Repo) repoSummary {
	return repoSummary{
		Owner:         repo.Owner.Login,
		Name:          repo.Name,
		FullName:      repo.FullName,
		Private:       repo.Private,
		Description:   repo.Description,
		DefaultBranch: repo.DefaultBranch,
	}
}

// classifyRepos fills in classifications concurrently. Failures leave the
// repository unclassified rather than failing the listing.
func (r *Router) classifyRepos(ctx context.Context, token string, repos []repoSummary) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(repoClassifyLimit)
	for i := range repos {
		g.Go(func() error {
			res := r.classifier.Classify(gctx, r.sources(token, repos[i].Owner, repos[i].Name))
			repos[i].Classification = &res
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Router) handleClassify(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.mustSession(w, req)
	if !ok {
		return
	}
	owner, repo, ok := projectFromPath(w, req)
	if !ok {
		return
	}
	src := r.sources(sess.Token, owner, repo)
	var res domain.ProjectClassification
	switch kind := strings.ToLower(req.URL.Query().Get("kind")); kind {
	case "frontend":
		res = r.classifier.ClassifyFrontend(req.Context(), src)
	case "backend":
		res = r.classifier.ClassifyBackend(req.Context(), src)
	case "":
		res = r.classifier.Classify(req.Context(), src)
	default:
		writeError(w, http.StatusBadRequest, domain.KindInvalidRequest, "kind must be frontend or backend")
		return
	}
	diagnostics := r.classifier.Diagnose(res)
	if diagnostics == nil {
		diagnostics = []string{}
	}
	writeOK(w, http.StatusOK, classifyResponse{Classification: res, Diagnostics: diagnostics})
}

func (r *Router) handleBuild(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.mustSession(w, req)
	if !ok {
		return
	}
	owner, repo, ok := projectFromPath(w, req)
	if !ok {
		return
	}
	r.logger.Info("build requested", "login", sess.Login, "owner", owner, "repo", repo)
	outcome, err := r.builds.Build(req.Context(), build.Request{Token: sess.Token, Owner: owner, Repo: repo})
	var logs []string
	if outcome != nil && outcome.Job != nil {
		logs = outcome.Job.LogLines
	}
	if err != nil {
		r.recordBuildResult("failure", string(domain.KindOf(err)))
		var data any
		if outcome != nil {
			data = outcome
		}
		writeFailure(w, err, logs, data)
		return
	}
	r.recordBuildResult("success", "")
	writeJSON(w, http.StatusOK, envelope{Success: true, Logs: logs, Data: outcome})
}

func (r *Router) mustSession(w http.ResponseWriter, req *http.Request) (session, bool) {
	sess, ok := sessionFromContext(req.Context())
	if !ok {
		r.logger.Error("session missing from context", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, domain.KindInternal, "authorization context missing")
		return session{}, false
	}
	return sess, true
}

func projectFromPath(w http.ResponseWriter, req *http.Request) (string, string, bool) {
	owner := strings.TrimSpace(req.PathValue("owner"))
	repo := strings.TrimSpace(req.PathValue("repo"))
	if err := domain.ValidateProject(owner, repo); err != nil {
		writeError(w, http.StatusBadRequest, domain.KindInvalidRequest, err.Error())
		return "", "", false
	}
	return owner, repo, true
}
