package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/splax/hoster/internal/domain"
)

type storedObject struct {
	body         string
	contentType  string
	cacheControl string
}

type fakeStore struct {
	mu         sync.Mutex
	objects    map[string]storedObject
	failKeys   map[string]bool
	websiteErr error
	websites   int
	policies   []string
	order      []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string]storedObject{}, failKeys: map[string]bool{}}
}

func (f *fakeStore) EnsureBucket(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, "ensure")
	return nil
}

func (f *fakeStore) PutObject(_ context.Context, key string, body io.Reader, _ int64, contentType, cacheControl string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, "put")
	if f.failKeys[key] {
		return errors.New("slow down")
	}
	f.objects[key] = storedObject{body: string(data), contentType: contentType, cacheControl: cacheControl}
	return nil
}

func (f *fakeStore) ListObjects(_ context.Context, prefix string) ([]ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ObjectInfo
	for k, v := range f.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(v.body))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (f *fakeStore) DeleteObjects(_ context.Context, keys []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.objects, k)
	}
	return len(keys), nil
}

func (f *fakeStore) ConfigureWebsite(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, "website")
	f.websites++
	return f.websiteErr
}

func (f *fakeStore) SetPublicRead(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policies = append(f.policies, prefix)
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func testArtifact(t *testing.T) domain.BuildArtifact {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "index.html"), "<html><script src=\"./assets/app.js\"></script></html>")
	writeFile(t, filepath.Join(dir, "assets", "app.js"), "console.log(1)")
	writeFile(t, filepath.Join(dir, "assets", "app.css"), "body{}")
	return domain.BuildArtifact{
		SourceFolder: dir,
		FileList:     []string{"assets/app.css", "assets/app.js", "index.html"},
		HasIndexHTML: true,
	}
}

func TestPublishUploadsWithHeaders(t *testing.T) {
	store := newFakeStore()
	pub := NewPublisher(store, nil, PublisherConfig{PublicURL: "https://cdn.example/site/", Concurrency: 2})
	res, err := pub.Publish(context.Background(), "octo", "web", testArtifact(t))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.Uploaded != 3 || res.Skipped != 0 || len(res.URLs) != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.WebsiteURL != "https://cdn.example/site/projects/octo/web/index.html" {
		t.Fatalf("unexpected website url %q", res.WebsiteURL)
	}
	index := store.objects["projects/octo/web/index.html"]
	if index.contentType != "text/html; charset=utf-8" || index.cacheControl != "no-cache, must-revalidate" {
		t.Fatalf("unexpected html headers %+v", index)
	}
	js := store.objects["projects/octo/web/assets/app.js"]
	if js.contentType != "application/javascript; charset=utf-8" || js.cacheControl != "public, max-age=31536000, immutable" {
		t.Fatalf("unexpected js headers %+v", js)
	}
	if store.order[0] != "ensure" || store.order[1] != "website" {
		t.Fatalf("website must be configured before uploads: %v", store.order)
	}
	if len(store.policies) != 1 || store.policies[0] != ProjectsPrefix {
		t.Fatalf("unexpected policies %v", store.policies)
	}

	if _, err := pub.Publish(context.Background(), "octo", "web", testArtifact(t)); err != nil {
		t.Fatalf("republish: %v", err)
	}
	if store.websites != 1 {
		t.Fatalf("website configured %d times", store.websites)
	}
}

func TestPublishCountsFailedUploads(t *testing.T) {
	store := newFakeStore()
	store.failKeys["projects/octo/web/assets/app.css"] = true
	pub := NewPublisher(store, nil, PublisherConfig{PublicURL: "https://cdn.example"})
	res, err := pub.Publish(context.Background(), "octo", "web", testArtifact(t))
	if err != nil {
		t.Fatalf("partial failure must not fail publish: %v", err)
	}
	if res.Uploaded != 2 || res.Skipped != 1 {
		t.Fatalf("unexpected counts %+v", res)
	}
}

func TestPublishToleratesMissingWebsiteSupport(t *testing.T) {
	store := newFakeStore()
	store.websiteErr = ErrWebsiteUnsupported
	pub := NewPublisher(store, nil, PublisherConfig{PublicURL: "http://minio:9000/builds"})
	if _, err := pub.Publish(context.Background(), "octo", "web", testArtifact(t)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	store = newFakeStore()
	store.websiteErr = errors.New("access denied")
	pub = NewPublisher(store, nil, PublisherConfig{PublicURL: "http://minio:9000/builds"})
	if _, err := pub.Publish(context.Background(), "octo", "web", testArtifact(t)); err == nil {
		t.Fatalf("expected website failure to abort publish")
	}
	if len(store.objects) != 0 {
		t.Fatalf("nothing should be uploaded")
	}
}

func TestPublishRequiresIndex(t *testing.T) {
	pub := NewPublisher(newFakeStore(), nil, PublisherConfig{})
	art := testArtifact(t)
	art.HasIndexHTML = false
	if _, err := pub.Publish(context.Background(), "octo", "web", art); domain.KindOf(err) != domain.KindMissingIndexDocument {
		t.Fatalf("expected MissingIndexDocument, got %v", err)
	}
}

func TestDeleteAndList(t *testing.T) {
	store := newFakeStore()
	pub := NewPublisher(store, nil, PublisherConfig{PublicURL: "https://cdn.example"})
	if _, err := pub.Publish(context.Background(), "octo", "web", testArtifact(t)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := pub.Publish(context.Background(), "octo", "docs", testArtifact(t)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	builds, err := pub.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(builds) != 2 || builds[0].Repo != "docs" || builds[1].FileCount != 3 {
		t.Fatalf("unexpected builds %+v", builds)
	}

	n, err := pub.Delete(context.Background(), "octo", "web")
	if err != nil || n != 3 {
		t.Fatalf("delete = %d, %v", n, err)
	}
	n, err = pub.Delete(context.Background(), "octo", "web")
	if err != nil || n != 0 {
		t.Fatalf("empty delete = %d, %v", n, err)
	}
	if _, ok := store.objects["projects/octo/docs/index.html"]; !ok {
		t.Fatalf("delete must not touch other builds")
	}
}

func TestContentTypeAndCache(t *testing.T) {
	cases := map[string][2]string{
		"index.html":        {"text/html; charset=utf-8", cacheNoCache},
		"assets/logo.SVG":   {"image/svg+xml", cacheImmutable},
		"fonts/a.woff2":     {"font/woff2", cacheImmutable},
		"data/blob.unknown": {"application/octet-stream", cacheImmutable},
	}
	for name, want := range cases {
		if got := ContentType(name); got != want[0] {
			t.Fatalf("%s: content type %q", name, got)
		}
		if got := CacheControl(name); got != want[1] {
			t.Fatalf("%s: cache control %q", name, got)
		}
	}
}
