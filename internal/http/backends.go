package httpx

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/hoster/internal/domain"
	"github.com/splax/hoster/internal/service/runner"
)

const streamWriteTimeout = 5 * time.Second

func (r *Router) handleStartBackend(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.mustSession(w, req)
	if !ok {
		return
	}
	owner, repo, ok := projectFromPath(w, req)
	if !ok {
		return
	}
	inst, err := r.backends.Start(req.Context(), runner.Request{Token: sess.Token, Owner: owner, Repo: repo})
	if err != nil {
		r.logger.Warn("backend start failed", "owner", owner, "repo", repo, "error", err)
		writeFailure(w, err, nil, nil)
		return
	}
	writeOK(w, http.StatusOK, inst)
}

func (r *Router) handleListBackends(w http.ResponseWriter, req *http.Request) {
	instances := r.backends.List()
	if instances == nil {
		instances = []domain.RunningInstance{}
	}
	writeOK(w, http.StatusOK, instances)
}

func (r *Router) handleBackendStatus(w http.ResponseWriter, req *http.Request) {
	owner, repo, ok := projectFromPath(w, req)
	if !ok {
		return
	}
	inst, err := r.backends.Status(req.Context(), owner, repo)
	if err != nil {
		writeFailure(w, err, nil, nil)
		return
	}
	writeOK(w, http.StatusOK, inst)
}

func (r *Router) handleBackendLogs(w http.ResponseWriter, req *http.Request) {
	owner, repo, ok := projectFromPath(w, req)
	if !ok {
		return
	}
	lines, err := r.backends.Logs(req.Context(), owner, repo)
	if err != nil {
		writeFailure(w, err, nil, nil)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Logs: lines})
}

func (r *Router) handleStopBackend(w http.ResponseWriter, req *http.Request) {
	owner, repo, ok := projectFromPath(w, req)
	if !ok {
		return
	}
	if err := r.backends.Stop(req.Context(), owner, repo); err != nil {
		writeFailure(w, err, nil, nil)
		return
	}
	writeOK(w, http.StatusOK, map[string]bool{"stopped": true})
}

// handleBackendStream follows container output over a websocket until the
// client goes away or the container stops.
func (r *Router) handleBackendStream(w http.ResponseWriter, req *http.Request) {
	owner, repo, ok := projectFromPath(w, req)
	if !ok {
		return
	}
	if _, err := r.backends.Status(req.Context(), owner, repo); err != nil {
		writeFailure(w, err, nil, nil)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(req.Context()))
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var mu sync.Mutex
	send := func(messageType int, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		return conn.WriteMessage(messageType, data)
	}
	err = r.backends.Follow(ctx, owner, repo, func(line string) {
		if err := send(websocket.TextMessage, []byte(line)); err != nil {
			cancel()
		}
	})
	if err != nil && ctx.Err() == nil {
		r.logger.Warn("log stream ended", "owner", owner, "repo", repo, "error", err)
	}
	_ = send(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
}
