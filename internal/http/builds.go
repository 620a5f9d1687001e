package httpx

import (
	"net/http"

	"github.com/splax/hoster/internal/domain"
)

type websiteResponse struct {
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
	WebsiteURL string `json:"website_url"`
}

func (r *Router) handleListBuilds(w http.ResponseWriter, req *http.Request) {
	builds, err := r.builds.ListBuilds(req.Context())
	if err != nil {
		r.logger.Error("list builds", "error", err)
		writeFailure(w, err, nil, nil)
		return
	}
	if builds == nil {
		builds = []domain.BuildSummary{}
	}
	writeOK(w, http.StatusOK, builds)
}

func (r *Router) handleBuildInfo(w http.ResponseWriter, req *http.Request) {
	owner, repo, ok := projectFromPath(w, req)
	if !ok {
		return
	}
	url, err := r.builds.Website(owner, repo)
	if err != nil {
		writeFailure(w, err, nil, nil)
		return
	}
	writeOK(w, http.StatusOK, websiteResponse{Owner: owner, Repo: repo, WebsiteURL: url})
}

func (r *Router) handleDeleteBuild(w http.ResponseWriter, req *http.Request) {
	owner, repo, ok := projectFromPath(w, req)
	if !ok {
		return
	}
	deleted, err := r.builds.DeleteBuild(req.Context(), owner, repo)
	if err != nil {
		r.logger.Error("delete build", "owner", owner, "repo", repo, "error", err)
		writeFailure(w, err, nil, nil)
		return
	}
	writeOK(w, http.StatusOK, map[string]int{"deleted": deleted})
}
