package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/splax/hoster/internal/domain"
)

// ProjectsPrefix is the key prefix every published build lives under.
const ProjectsPrefix = "projects/"

// ObjectStore is the object storage surface the publisher needs.
type ObjectStore interface {
	EnsureBucket(ctx context.Context) error
	PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType, cacheControl string) error
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
	DeleteObjects(ctx context.Context, keys []string) (int, error)
	ConfigureWebsite(ctx context.Context, index, errorDoc string) error
	SetPublicRead(ctx context.Context, prefix string) error
	Ping(ctx context.Context) error
}

// PublisherConfig controls uploads and URL resolution.
type PublisherConfig struct {
	// PublicURL is the base URL the bucket is served from, including the
	// bucket when path-style. Defaults to the endpoint plus bucket.
	PublicURL   string
	Concurrency int
}

// Publisher uploads build artifacts below projects/{owner}/{repo}/.
type Publisher struct {
	store  ObjectStore
	logger *slog.Logger
	cfg    PublisherConfig

	siteMu         sync.Mutex
	siteConfigured bool
}

// NewPublisher constructs a Publisher.
func NewPublisher(store ObjectStore, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	cfg.PublicURL = strings.TrimSuffix(strings.TrimSpace(cfg.PublicURL), "/")
	return &Publisher{store: store, logger: logger, cfg: cfg}
}

// PublicURLFor derives the default public base URL for a store.
func PublicURLFor(s *S3Store) string {
	return s.EndpointURL() + "/" + s.Bucket()
}

func projectPrefix(owner, repo string) string {
	return ProjectsPrefix + owner + "/" + repo + "/"
}

// ObjectURL is the public URL of one published file.
func (p *Publisher) ObjectURL(owner, repo, name string) string {
	return p.cfg.PublicURL + "/" + projectPrefix(owner, repo) + name
}

// WebsiteURL is where the published build's index document is served.
func (p *Publisher) WebsiteURL(owner, repo string) string {
	return p.ObjectURL(owner, repo, "index.html")
}

// configureSite applies the bucket policy and website configuration once per
// process. Backends without website hosting are tolerated.
func (p *Publisher) configureSite(ctx context.Context) error {
	p.siteMu.Lock()
	defer p.siteMu.Unlock()
	if p.siteConfigured {
		return nil
	}
	if err := p.store.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	if err := p.store.SetPublicRead(ctx, ProjectsPrefix); err != nil {
		p.logger.Warn("public read policy not applied", "error", err)
	}
	err := p.store.ConfigureWebsite(ctx, "index.html", "index.html")
	switch {
	case errors.Is(err, ErrWebsiteUnsupported):
		p.logger.Info("object storage has no website hosting; serving objects directly")
	case err != nil:
		return fmt.Errorf("configure website: %w", err)
	}
	p.siteConfigured = true
	return nil
}

// Publish uploads every file of artifact. Individual upload failures are
// logged and counted in Skipped; they do not fail the publish.
func (p *Publisher) Publish(ctx context.Context, owner, repo string, artifact domain.BuildArtifact) (domain.PublishResult, error) {
	if !artifact.HasIndexHTML {
		return domain.PublishResult{}, domain.E(domain.KindMissingIndexDocument, "artifact has no index.html")
	}
	if err := p.configureSite(ctx); err != nil {
		return domain.PublishResult{}, domain.Wrap(domain.KindInternal, "prepare bucket", err)
	}

	logger := p.logger.With("owner", owner, "repo", repo)
	urls := make([]string, len(artifact.FileList))
	var uploaded, skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, name := range artifact.FileList {
		g.Go(func() error {
			key := projectPrefix(owner, repo) + name
			if err := p.upload(gctx, key, filepath.Join(artifact.SourceFolder, filepath.FromSlash(name)), name); err != nil {
				skipped.Add(1)
				logger.Warn("upload failed", "key", key, "error", err)
				return nil
			}
			uploaded.Add(1)
			urls[i] = p.ObjectURL(owner, repo, name)
			return nil
		})
	}
	_ = g.Wait()

	result := domain.PublishResult{
		Uploaded:   int(uploaded.Load()),
		Skipped:    int(skipped.Load()),
		WebsiteURL: p.WebsiteURL(owner, repo),
	}
	for _, u := range urls {
		if u != "" {
			result.URLs = append(result.URLs, u)
		}
	}
	logger.Info("artifact published", "uploaded", result.Uploaded, "skipped", result.Skipped)
	return result, nil
}

func (p *Publisher) upload(ctx context.Context, key, file, name string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return p.store.PutObject(ctx, key, f, info.Size(), ContentType(name), CacheControl(name))
}

// Delete removes every object of the build. An empty prefix deletes nothing
// and succeeds.
func (p *Publisher) Delete(ctx context.Context, owner, repo string) (int, error) {
	objects, err := p.store.ListObjects(ctx, projectPrefix(owner, repo))
	if err != nil {
		return 0, domain.Wrap(domain.KindInternal, "list build objects", err)
	}
	if len(objects) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		keys = append(keys, obj.Key)
	}
	deleted, err := p.store.DeleteObjects(ctx, keys)
	if err != nil {
		return deleted, domain.Wrap(domain.KindInternal, "delete build objects", err)
	}
	return deleted, nil
}

// List summarises every published build.
func (p *Publisher) List(ctx context.Context) ([]domain.BuildSummary, error) {
	objects, err := p.store.ListObjects(ctx, ProjectsPrefix)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "list builds", err)
	}
	counts := map[[2]string]int{}
	for _, obj := range objects {
		parts := strings.SplitN(strings.TrimPrefix(obj.Key, ProjectsPrefix), "/", 3)
		if len(parts) < 3 || parts[0] == "" || parts[1] == "" {
			continue
		}
		counts[[2]string{parts[0], parts[1]}]++
	}
	out := make([]domain.BuildSummary, 0, len(counts))
	for k, n := range counts {
		out = append(out, domain.BuildSummary{
			Owner:      k[0],
			Repo:       k[1],
			FileCount:  n,
			WebsiteURL: p.WebsiteURL(k[0], k[1]),
			Location:   "storage",
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return path.Join(out[i].Owner, out[i].Repo) < path.Join(out[j].Owner, out[j].Repo)
	})
	return out, nil
}

// Ping reports whether the store is reachable.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.store.Ping(ctx)
}
