package packages

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/lectern/internal/store"
)

func newTestCatalog(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore("")
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// =============================================================================
// Specs
// =============================================================================

func TestParseSpec(t *testing.T) {
	t.Parallel()
	s, err := ParseSpec("@preview/cetz:0.2.0")
	require.NoError(t, err)
	assert.Equal(t, Spec{Namespace: "preview", Name: "cetz", Version: "0.2.0"}, s)
	assert.Equal(t, "@preview/cetz:0.2.0", s.String())

	for _, bad := range []string{"preview/cetz:0.2.0", "@/cetz:0.2.0", "@preview/cetz", "@preview/cetz:latest", "@preview/:1.0.0"} {
		_, err := ParseSpec(bad)
		assert.ErrorIs(t, err, ErrInvalidSpec, bad)
	}
}

func TestManifestEntry(t *testing.T) {
	t.Parallel()
	manifest := "[package]\nname = \"notes\"\nentrypoint = \"src/main.typ\"\n\n[tool]\nentrypoint = \"nope\"\n"
	assert.Equal(t, "src/main.typ", manifestEntry([]byte(manifest)))
	assert.Equal(t, DefaultEntry, manifestEntry([]byte("[package]\nname = \"x\"\n")))
	assert.Equal(t, DefaultEntry, manifestEntry([]byte("[package\nentrypoint = ")))
}

func TestManifestEntry_TOMLForms(t *testing.T) {
	t.Parallel()
	for _, manifest := range []string{
		"[package]\nentrypoint = 'src/lib.typ'\n",
		"[package]\nentrypoint = \"src/lib.typ\" # main module\n",
		"package.entrypoint = \"src/lib.typ\"\n",
		"[package]\nname = \"notes\"\nauthors = [\"a\", \"b\"]\nentrypoint = \"\"\"src/lib.typ\"\"\"\n",
	} {
		assert.Equal(t, "src/lib.typ", manifestEntry([]byte(manifest)), manifest)
	}
}

// =============================================================================
// Local provider
// =============================================================================

func TestLocalProvider_FetchAndList(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	root := filepath.Join(dir, "local", "notes", "0.1.0")
	writeFile(t, filepath.Join(root, "typst.toml"), "[package]\nentrypoint = \"src/lib.typ\"\n")
	writeFile(t, filepath.Join(root, "src", "lib.typ"), "#let note(body) = body\n")
	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref")
	writeFile(t, filepath.Join(dir, "local", "notes", "0.2.0", "lib.typ"), "")
	writeFile(t, filepath.Join(dir, "local", "notes", "dev", "lib.typ"), "")
	writeFile(t, filepath.Join(dir, "local", ".hidden", "1.0.0", "lib.typ"), "")

	p := NewLocalProvider(dir)
	pkg, err := p.Fetch(context.Background(), Spec{"local", "notes", "0.1.0"})
	require.NoError(t, err)
	assert.Equal(t, "src/lib.typ", pkg.Entry)
	assert.Contains(t, pkg.Files, "src/lib.typ")
	assert.NotContains(t, pkg.Files, ".git/HEAD")

	_, err = p.Fetch(context.Background(), Spec{"local", "notes", "9.0.0"})
	assert.ErrorIs(t, err, ErrNotFound)

	specs, err := p.List(context.Background(), "local")
	require.NoError(t, err)
	sort.Slice(specs, func(i, j int) bool { return specs[i].Version < specs[j].Version })
	assert.Equal(t, []Spec{{"local", "notes", "0.1.0"}, {"local", "notes", "0.2.0"}}, specs)

	specs, err = p.List(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, specs)
}

// =============================================================================
// S3 provider
// =============================================================================

type fakeS3 struct {
	objects map[string]string
	pageLen int
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte(body)))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == *in.ContinuationToken {
				start = i
			}
		}
	}
	end := len(keys)
	if f.pageLen > 0 && start+f.pageLen < end {
		end = start + f.pageLen
	}
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func TestS3Provider_FetchPaginates(t *testing.T) {
	t.Parallel()
	client := &fakeS3{pageLen: 1, objects: map[string]string{
		"mirror/preview/cetz/0.2.0/typst.toml":  "[package]\nentrypoint = \"src/lib.typ\"\n",
		"mirror/preview/cetz/0.2.0/src/lib.typ": "#let canvas(body) = body\n",
		"mirror/preview/cetz/0.2.0/README.md":   "cetz",
		"mirror/preview/tablex/0.1.0/lib.typ":   "",
	}}
	p := NewS3ProviderWithClient(client, "bucket", "/mirror/")

	pkg, err := p.Fetch(context.Background(), Spec{"preview", "cetz", "0.2.0"})
	require.NoError(t, err)
	assert.Len(t, pkg.Files, 3)
	assert.Equal(t, "src/lib.typ", pkg.Entry)
	assert.Equal(t, "#let canvas(body) = body\n", string(pkg.Files["src/lib.typ"]))

	_, err = p.Fetch(context.Background(), Spec{"preview", "cetz", "9.9.9"})
	assert.ErrorIs(t, err, ErrNotFound)

	specs, err := p.List(context.Background(), "preview")
	require.NoError(t, err)
	assert.ElementsMatch(t, []Spec{{"preview", "cetz", "0.2.0"}, {"preview", "tablex", "0.1.0"}}, specs)
}

// =============================================================================
// Registry
// =============================================================================

type countingProvider struct {
	calls atomic.Int32
	pkg   *Package
	gate  chan struct{}
}

func (*countingProvider) Name() string { return "counting" }

func (p *countingProvider) Fetch(_ context.Context, spec Spec) (*Package, error) {
	p.calls.Add(1)
	if p.gate != nil {
		<-p.gate
	}
	if spec != p.pkg.Spec {
		return nil, ErrNotFound
	}
	return p.pkg, nil
}

func TestRegistry_ConcurrentFetchSharesOneDownload(t *testing.T) {
	t.Parallel()
	spec := Spec{"preview", "cetz", "0.2.0"}
	prov := &countingProvider{pkg: &Package{Spec: spec, Entry: "lib.typ", Source: "counting"}, gate: make(chan struct{})}
	r := NewRegistry(newTestCatalog(t), prov)

	var hooked atomic.Int32
	r.OnFetch(func(*Package) { hooked.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pkg, err := r.Fetch(context.Background(), spec)
			assert.NoError(t, err)
			assert.Equal(t, spec, pkg.Spec)
		}()
	}
	require.Eventually(t, func() bool { return prov.calls.Load() > 0 }, time.Second, time.Millisecond)
	close(prov.gate)
	wg.Wait()

	assert.Equal(t, int32(1), prov.calls.Load())
	assert.Equal(t, int32(1), hooked.Load())
	cached, ok := r.Cached(spec)
	require.True(t, ok)
	assert.Equal(t, spec, cached.Spec)
}

// stallingProvider blocks its first fetch until the caller's context ends.
type stallingProvider struct {
	calls   atomic.Int32
	started chan struct{}
	pkg     *Package
}

func (*stallingProvider) Name() string { return "stalling" }

func (p *stallingProvider) Fetch(ctx context.Context, _ Spec) (*Package, error) {
	if p.calls.Add(1) == 1 {
		close(p.started)
		<-ctx.Done()
		return nil, fmt.Errorf("stalling: %w", ctx.Err())
	}
	return p.pkg, nil
}

func TestRegistry_CancelledOwnerDoesNotFailWaiters(t *testing.T) {
	t.Parallel()
	spec := Spec{"preview", "cetz", "0.2.0"}
	prov := &stallingProvider{started: make(chan struct{}), pkg: &Package{Spec: spec, Entry: "lib.typ"}}
	r := NewRegistry(newTestCatalog(t), prov)

	ownerCtx, cancel := context.WithCancel(context.Background())
	ownerErr := make(chan error, 1)
	go func() {
		_, err := r.Fetch(ownerCtx, spec)
		ownerErr <- err
	}()
	<-prov.started

	type result struct {
		pkg *Package
		err error
	}
	waiter := make(chan result, 1)
	go func() {
		pkg, err := r.Fetch(context.Background(), spec)
		waiter <- result{pkg, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-ownerErr, context.Canceled)
	select {
	case res := <-waiter:
		require.NoError(t, res.err)
		assert.Equal(t, spec, res.pkg.Spec)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter did not finish")
	}
	assert.Equal(t, int32(2), prov.calls.Load())
}

func TestRegistry_FallsThroughProvidersAndDoesNotCacheMisses(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "local", "notes", "0.1.0", "lib.typ"), "")
	catalog := newTestCatalog(t)
	prov := &countingProvider{pkg: &Package{Spec: Spec{"x", "y", "1.0.0"}}}
	r := NewRegistry(catalog, prov, NewLocalProvider(dir))

	pkg, err := r.Fetch(context.Background(), Spec{"local", "notes", "0.1.0"})
	require.NoError(t, err)
	assert.Equal(t, "local", pkg.Source)

	_, err = r.Fetch(context.Background(), Spec{"local", "missing", "0.1.0"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok := r.Cached(Spec{"local", "missing", "0.1.0"})
	assert.False(t, ok)

	row, err := catalog.PackageByVersion("local", "notes", "0.1.0")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "local", row.Source)
}

func TestRegistry_ListByNamespace(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "local", "notes", "0.1.0", "lib.typ"), "")
	writeFile(t, filepath.Join(dir, "local", "alpha", "1.0.0", "lib.typ"), "")
	writeFile(t, filepath.Join(dir, "preview", "cetz", "0.2.0", "lib.typ"), "")

	r := NewRegistry(newTestCatalog(t), NewLocalProvider(dir))
	specs, err := r.List(context.Background(), "local")
	require.NoError(t, err)
	assert.Equal(t, []Spec{{"local", "alpha", "1.0.0"}, {"local", "notes", "0.1.0"}}, specs)
}
