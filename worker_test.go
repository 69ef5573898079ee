package offlinecache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/always-cache/offline-cache/cache"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// testOrigin is an application origin that can be taken offline.
type testOrigin struct {
	*httptest.Server
	mux     *http.ServeMux
	offline atomic.Bool
	hits    sync.Map
}

func newTestOrigin(t *testing.T) *testOrigin {
	o := &testOrigin{mux: http.NewServeMux()}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if o.offline.Load() {
			// drop the connection like an unreachable network would
			if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
				conn.Close()
			}
			return
		}
		counter, _ := o.hits.LoadOrStore(r.URL.Path, new(atomic.Int32))
		counter.(*atomic.Int32).Add(1)
		o.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *testOrigin) url() url.URL {
	u, _ := url.Parse(o.URL)
	return *u
}

func (o *testOrigin) hitCount(path string) int {
	if counter, ok := o.hits.Load(path); ok {
		return int(counter.(*atomic.Int32).Load())
	}
	return 0
}

// serveVersions serves the path with a body that changes on every request.
func (o *testOrigin) serveVersions(path, contentType string) {
	var n atomic.Int32
	o.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		fmt.Fprintf(w, "%s version %d", path, n.Add(1))
	})
}

func (o *testOrigin) serveStatic(path, contentType, body string) {
	o.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		io.WriteString(w, body)
	})
}

func testConfig(o *testOrigin, storage cache.Storage, version string) Config {
	logger := zerolog.Nop()
	return Config{
		Storage:   storage,
		OriginURL: o.url(),
		AppName:   "app",
		Version:   version,
		Manifest:  []string{"./", "./index.html"},
		Logger:    &logger,
	}
}

func installedWorker(t *testing.T, config Config) *Worker {
	w, err := New(config)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if err := w.Activate(); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func shellOrigin(t *testing.T) *testOrigin {
	o := newTestOrigin(t)
	o.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<h1>root</h1>")
	})
	o.serveStatic("/index.html", "text/html", "<h1>shell</h1>")
	return o
}

func serve(w http.Handler, r *http.Request) (*http.Response, string) {
	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, r)
	res := rr.Result()
	body, _ := io.ReadAll(res.Body)
	return res, string(body)
}

func navigation(target string) *http.Request {
	r := httptest.NewRequest("GET", target, nil)
	r.Header.Set("Sec-Fetch-Mode", "navigate")
	r.Header.Set("Sec-Fetch-Dest", "document")
	return r
}

func storedBody(t *testing.T, w *Worker, path string) (string, bool) {
	u, err := w.keyer.Resolve(path)
	if err != nil {
		t.Fatal(err)
	}
	res, found := w.match(w.keyer.Key("GET", u))
	return string(res.Body), found
}

func TestInstallPrecachesManifest(t *testing.T) {
	o := shellOrigin(t)
	storage := cache.NewMemoryStorage()
	w := installedWorker(t, testConfig(o, storage, "v1"))

	keys, err := w.currentRegion().Keys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("Region has keys %v", keys)
	}
	if body, found := storedBody(t, w, "./index.html"); !found || body != "<h1>shell</h1>" {
		t.Fatalf("Stored shell is %s (found %v)", body, found)
	}
	if body, found := storedBody(t, w, "./"); !found || body != "<h1>root</h1>" {
		t.Fatalf("Stored root is %s (found %v)", body, found)
	}
}

func TestInstallBypassesHttpCaches(t *testing.T) {
	o := newTestOrigin(t)
	var pragma, cacheControl string
	o.mux.HandleFunc("/index.html", func(w http.ResponseWriter, r *http.Request) {
		pragma = r.Header.Get("Pragma")
		cacheControl = r.Header.Get("Cache-Control")
		io.WriteString(w, "shell")
	})
	config := testConfig(o, cache.NewMemoryStorage(), "v1")
	config.Manifest = []string{"./index.html"}
	installedWorker(t, config)

	if pragma != "no-cache" || cacheControl != "no-cache" {
		t.Fatalf("Install request had Pragma '%s' and Cache-Control '%s'", pragma, cacheControl)
	}
}

func TestInstallFailsOnMissingEntry(t *testing.T) {
	o := shellOrigin(t)
	storage := cache.NewMemoryStorage()
	config := testConfig(o, storage, "v1")
	config.Manifest = []string{"./index.html", "./missing.png"}
	w, err := New(config)
	if err != nil {
		t.Fatal(err)
	}

	err = w.Install(context.Background())
	var installErr *InstallError
	if !errors.As(err, &installErr) {
		t.Fatalf("Expected install error, got %v", err)
	}
	if installErr.StatusCode != http.StatusNotFound || !strings.HasSuffix(installErr.URL, "/missing.png") {
		t.Fatalf("Install error is %+v", installErr)
	}
	if w.State() != StateRedundant {
		t.Fatalf("Worker is %s", w.State())
	}
	if exists, _ := storage.Has("app-v1"); exists {
		t.Fatal("Failed install should not leave a region behind")
	}
}

func TestInstallFailsWhenOffline(t *testing.T) {
	o := shellOrigin(t)
	o.offline.Store(true)
	w, err := New(testConfig(o, cache.NewMemoryStorage(), "v1"))
	if err != nil {
		t.Fatal(err)
	}
	err = w.Install(context.Background())
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("Expected network error, got %v", err)
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	o := shellOrigin(t)
	storage := cache.NewMemoryStorage()
	first := installedWorker(t, testConfig(o, storage, "v1"))
	firstKeys, _ := first.currentRegion().Keys()
	second := installedWorker(t, testConfig(o, storage, "v1"))
	secondKeys, _ := second.currentRegion().Keys()

	if fmt.Sprint(firstKeys) != fmt.Sprint(secondKeys) {
		t.Fatalf("Keys differ: %v and %v", firstKeys, secondKeys)
	}
	for _, path := range []string{"./", "./index.html"} {
		a, _ := storedBody(t, first, path)
		b, _ := storedBody(t, second, path)
		if a != b {
			t.Fatalf("Bodies for %s differ: %s and %s", path, a, b)
		}
	}
}

func TestActivateDeletesStaleRegions(t *testing.T) {
	o := shellOrigin(t)
	storage := cache.NewMemoryStorage()
	for _, name := range []string{"app-v0", "other-v1", "app-admin-v1"} {
		if _, err := storage.Open(name); err != nil {
			t.Fatal(err)
		}
	}
	installedWorker(t, testConfig(o, storage, "v1"))
	installedWorker(t, testConfig(o, storage, "v2"))

	names, err := storage.Names()
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(names) != "[other-v1 app-admin-v1 app-v2]" {
		t.Fatalf("Regions are %v", names)
	}
}

func TestUpgradeKeepsManifestInNewRegion(t *testing.T) {
	o := shellOrigin(t)
	storage := cache.NewMemoryStorage()
	installedWorker(t, testConfig(o, storage, "v1"))
	w := installedWorker(t, testConfig(o, storage, "v2"))

	names, _ := storage.Names()
	if len(names) != 1 || names[0] != "app-v2" {
		t.Fatalf("Regions are %v", names)
	}
	for _, path := range []string{"./", "./index.html"} {
		if _, found := storedBody(t, w, path); !found {
			t.Fatalf("%s missing from new region", path)
		}
	}
}

func TestNavigationIsNetworkFirst(t *testing.T) {
	o := shellOrigin(t)
	o.serveVersions("/about.html", "text/html")
	w := installedWorker(t, testConfig(o, cache.NewMemoryStorage(), "v1"))

	for i := 1; i <= 2; i++ {
		res, body := serve(w, navigation("/about.html"))
		expected := fmt.Sprintf("/about.html version %d", i)
		if body != expected {
			t.Fatalf("Body is %s, expected %s", body, expected)
		}
		if cs := res.Header.Get("Cache-Status"); !strings.Contains(cs, "stored") {
			t.Fatalf("Cache-Status is %s", cs)
		}
		if shell, _ := storedBody(t, w, "./index.html"); shell != expected {
			t.Fatalf("Stored shell is %s, expected %s", shell, expected)
		}
	}
}

func TestNavigationOfflineServesShell(t *testing.T) {
	o := shellOrigin(t)
	w := installedWorker(t, testConfig(o, cache.NewMemoryStorage(), "v1"))
	o.offline.Store(true)

	res, body := serve(w, navigation("/"))
	if res.StatusCode != http.StatusOK || body != "<h1>shell</h1>" {
		t.Fatalf("Response is %d %s", res.StatusCode, body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "Offline-Cache; hit; detail=offline" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestNavigationOfflineKeepsShellStatus(t *testing.T) {
	o := shellOrigin(t)
	config := testConfig(o, cache.NewMemoryStorage(), "v1")
	config.Manifest = nil
	w := installedWorker(t, config)

	shell := serializer.Response{
		StatusCode: http.StatusNonAuthoritativeInfo,
		Header:     http.Header{"Content-Type": {"text/html"}},
		Body:       []byte("partial shell"),
		Type:       serializer.Basic,
	}
	if err := w.put(w.shellKey, shell); err != nil {
		t.Fatal(err)
	}
	o.offline.Store(true)

	res, body := serve(w, navigation("/"))
	if res.StatusCode != http.StatusNonAuthoritativeInfo || body != "partial shell" {
		t.Fatalf("Response is %d %s", res.StatusCode, body)
	}
}

func TestNavigationOfflineWithoutShell(t *testing.T) {
	o := shellOrigin(t)
	config := testConfig(o, cache.NewMemoryStorage(), "v1")
	config.Manifest = nil
	w := installedWorker(t, config)
	o.offline.Store(true)

	res, body := serve(w, navigation("/"))
	if res.StatusCode != http.StatusServiceUnavailable || body != "Offline and no cached shell" {
		t.Fatalf("Response is %d %s", res.StatusCode, body)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("Content-Type is %s", ct)
	}
}

func TestNavigationErrorIsNotStoredAsShell(t *testing.T) {
	o := shellOrigin(t)
	o.mux.HandleFunc("/broken.html", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	})
	w := installedWorker(t, testConfig(o, cache.NewMemoryStorage(), "v1"))

	res, _ := serve(w, navigation("/broken.html"))
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if shell, _ := storedBody(t, w, "./index.html"); shell != "<h1>shell</h1>" {
		t.Fatalf("Stored shell is %s", shell)
	}
}

func TestAssetMissIsStored(t *testing.T) {
	o := shellOrigin(t)
	o.serveStatic("/style.css", "text/css", "body{}")
	w := installedWorker(t, testConfig(o, cache.NewMemoryStorage(), "v1"))

	res, body := serve(w, httptest.NewRequest("GET", "/style.css", nil))
	if body != "body{}" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "Offline-Cache; fwd=uri-miss; fwd-status=200; stored" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if stored, found := storedBody(t, w, "/style.css"); !found || stored != "body{}" {
		t.Fatalf("Stored body is %s", stored)
	}
}

func TestStaleWhileRevalidate(t *testing.T) {
	o := shellOrigin(t)
	o.serveVersions("/app.js", "text/javascript")
	w := installedWorker(t, testConfig(o, cache.NewMemoryStorage(), "v1"))

	_, body := serve(w, httptest.NewRequest("GET", "/app.js", nil))
	if body != "/app.js version 1" {
		t.Fatalf("First body is %s", body)
	}
	res, body := serve(w, httptest.NewRequest("GET", "/app.js", nil))
	if body != "/app.js version 1" {
		t.Fatalf("Second body is %s", body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "Offline-Cache; hit; detail=revalidating" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	w.Wait()
	_, body = serve(w, httptest.NewRequest("GET", "/app.js", nil))
	if body != "/app.js version 2" {
		t.Fatalf("Third body is %s", body)
	}
}

func TestStaleWhileRevalidateDoesNotWaitForNetwork(t *testing.T) {
	o := shellOrigin(t)
	release := make(chan struct{})
	var n atomic.Int32
	o.mux.HandleFunc("/slow.js", func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) > 1 {
			<-release
		}
		fmt.Fprintf(w, "slow %d", n.Load())
	})
	w := installedWorker(t, testConfig(o, cache.NewMemoryStorage(), "v1"))

	serve(w, httptest.NewRequest("GET", "/slow.js", nil))
	_, body := serve(w, httptest.NewRequest("GET", "/slow.js", nil))
	if body != "slow 1" {
		t.Fatalf("Body is %s", body)
	}
	if stored, _ := storedBody(t, w, "/slow.js"); stored != "slow 1" {
		t.Fatalf("Stored body changed before update finished: %s", stored)
	}
	close(release)
	w.Wait()
	if stored, _ := storedBody(t, w, "/slow.js"); stored != "slow 2" {
		t.Fatalf("Stored body is %s", stored)
	}
}

func TestFailedRevalidationKeepsEntry(t *testing.T) {
	o := shellOrigin(t)
	o.serveStatic("/logo.png", "image/png", "png")
	w := installedWorker(t, testConfig(o, cache.NewMemoryStorage(), "v1"))

	serve(w, httptest.NewRequest("GET", "/logo.png", nil))
	o.offline.Store(true)
	res, body := serve(w, httptest.NewRequest("GET", "/logo.png", nil))
	w.Wait()
	if res.StatusCode != http.StatusOK || body != "png" {
		t.Fatalf("Response is %d %s", res.StatusCode, body)
	}
	if stored, _ := storedBody(t, w, "/logo.png"); stored != "png" {
		t.Fatalf("Stored body is %s", stored)
	}
}

func TestCacheFirst(t *testing.T) {
	o := shellOrigin(t)
	o.serveVersions("/app.js", "text/javascript")
	config := testConfig(o, cache.NewMemoryStorage(), "v1")
	config.AssetStrategy = CacheFirst
	w := installedWorker(t, config)

	for i := 0; i < 3; i++ {
		if _, body := serve(w, httptest.NewRequest("GET", "/app.js", nil)); body != "/app.js version 1" {
			t.Fatalf("Body is %s", body)
		}
	}
	w.Wait()
	if hits := o.hitCount("/app.js"); hits != 1 {
		t.Fatalf("Origin hit %d times", hits)
	}
}

func TestAssetOffline(t *testing.T) {
	o := shellOrigin(t)
	w := installedWorker(t, testConfig(o, cache.NewMemoryStorage(), "v1"))
	o.offline.Store(true)

	res, body := serve(w, httptest.NewRequest("GET", "/never-seen.png", nil))
	if res.StatusCode != http.StatusServiceUnavailable || body != "Offline" {
		t.Fatalf("Response is %d %s", res.StatusCode, body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "Offline-Cache; fwd=miss; detail=synthetic" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestAssetOfflineFallsBackToShell(t *testing.T) {
	o := shellOrigin(t)
	config := testConfig(o, cache.NewMemoryStorage(), "v1")
	config.FallbackToShell = true
	w := installedWorker(t, config)
	o.offline.Store(true)

	res, body := serve(w, httptest.NewRequest("GET", "/never-seen.png", nil))
	if res.StatusCode != http.StatusOK || body != "<h1>shell</h1>" {
		t.Fatalf("Response is %d %s", res.StatusCode, body)
	}
}

func TestUncacheableResponses(t *testing.T) {
	o := shellOrigin(t)
	o.mux.HandleFunc("/private.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		io.WriteString(w, "{}")
	})
	o.mux.HandleFunc("/gone.js", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	w := installedWorker(t, testConfig(o, cache.NewMemoryStorage(), "v1"))

	for _, path := range []string{"/private.json", "/gone.js"} {
		serve(w, httptest.NewRequest("GET", path, nil))
		if _, found := storedBody(t, w, path); found {
			t.Fatalf("%s should not be stored", path)
		}
	}
}

func TestPartialContentIsNotStored(t *testing.T) {
	o := shellOrigin(t)
	serveRanges := func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") == "bytes=0-1" {
			w.Header().Set("Content-Range", "bytes 0-1/10")
			w.WriteHeader(http.StatusPartialContent)
			io.WriteString(w, "01")
			return
		}
		io.WriteString(w, "0123456789")
	}
	o.mux.HandleFunc("/video.bin", serveRanges)
	o.mux.HandleFunc("/page.html", serveRanges)
	w := installedWorker(t, testConfig(o, cache.NewMemoryStorage(), "v1"))

	r := httptest.NewRequest("GET", "/video.bin", nil)
	r.Header.Set("Range", "bytes=0-1")
	res, body := serve(w, r)
	if res.StatusCode != http.StatusPartialContent || body != "01" {
		t.Fatalf("Range response is %d %s", res.StatusCode, body)
	}
	if _, found := storedBody(t, w, "/video.bin"); found {
		t.Fatal("Partial response should not be stored")
	}

	res, body = serve(w, httptest.NewRequest("GET", "/video.bin", nil))
	w.Wait()
	if res.StatusCode != http.StatusOK || body != "0123456789" {
		t.Fatalf("Full response is %d %s", res.StatusCode, body)
	}
	if stored, _ := storedBody(t, w, "/video.bin"); stored != "0123456789" {
		t.Fatalf("Stored body is %s", stored)
	}

	r = navigation("/page.html")
	r.Header.Set("Range", "bytes=0-1")
	if res, _ := serve(w, r); res.StatusCode != http.StatusPartialContent {
		t.Fatalf("Navigation status is %d", res.StatusCode)
	}
	if shell, _ := storedBody(t, w, "./index.html"); shell != "<h1>shell</h1>" {
		t.Fatalf("Stored shell is %s", shell)
	}
}

func TestPerUserResponsesAreNotShared(t *testing.T) {
	o := shellOrigin(t)
	echoUser := func(cacheControl string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if cacheControl != "" {
				w.Header().Set("Cache-Control", cacheControl)
			}
			fmt.Fprintf(w, `{"user":"%s"}`, r.Header.Get("Authorization"))
		}
	}
	o.mux.HandleFunc("/me.json", echoUser("private"))
	o.mux.HandleFunc("/profile.json", echoUser(""))
	o.mux.HandleFunc("/login.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Set-Cookie", "session=alice")
		io.WriteString(w, "{}")
	})
	o.mux.HandleFunc("/team.json", echoUser("public"))
	o.mux.HandleFunc("/account.html", echoUser("private"))
	w := installedWorker(t, testConfig(o, cache.NewMemoryStorage(), "v1"))

	as := func(user, path string) *http.Request {
		r := httptest.NewRequest("GET", path, nil)
		if user != "" {
			r.Header.Set("Authorization", user)
		}
		return r
	}

	for _, path := range []string{"/me.json", "/profile.json"} {
		serve(w, as("alice", path))
		w.Wait()
		if _, body := serve(w, as("bob", path)); body != `{"user":"bob"}` {
			t.Fatalf("Bob got %s for %s", body, path)
		}
		if _, found := storedBody(t, w, path); found {
			t.Fatalf("%s should not be stored", path)
		}
	}

	serve(w, as("", "/login.json"))
	if _, found := storedBody(t, w, "/login.json"); found {
		t.Fatal("Response setting a cookie should not be stored")
	}

	serve(w, as("alice", "/team.json"))
	if stored, _ := storedBody(t, w, "/team.json"); stored != `{"user":"alice"}` {
		t.Fatalf("Public response should be stored, stored is %s", stored)
	}

	r := navigation("/account.html")
	r.Header.Set("Authorization", "alice")
	serve(w, r)
	if shell, _ := storedBody(t, w, "./index.html"); shell != "<h1>shell</h1>" {
		t.Fatalf("Stored shell is %s", shell)
	}
}

func TestUnknownOriginsAreRefused(t *testing.T) {
	o := shellOrigin(t)
	internal := newTestOrigin(t)
	internal.serveStatic("/admin", "text/plain", "secret")
	installed := installedWorker(t, testConfig(o, cache.NewMemoryStorage(), "v1"))
	notInstalled, err := New(testConfig(o, cache.NewMemoryStorage(), "v1"))
	if err != nil {
		t.Fatal(err)
	}

	for _, w := range []*Worker{installed, notInstalled} {
		for _, method := range []string{"GET", "DELETE"} {
			res, body := serve(w, httptest.NewRequest(method, internal.URL+"/admin", nil))
			if res.StatusCode != http.StatusForbidden || strings.Contains(body, "secret") {
				t.Fatalf("%s response is %d %s", method, res.StatusCode, body)
			}
		}
	}
	if hits := internal.hitCount("/admin"); hits != 0 {
		t.Fatalf("Unknown origin hit %d times", hits)
	}
}

func TestCrossOriginIsNeverStored(t *testing.T) {
	o := shellOrigin(t)
	fonts := newTestOrigin(t)
	fonts.serveStatic("/font.woff2", "font/woff2", "font")
	config := testConfig(o, cache.NewMemoryStorage(), "v1")
	config.CrossOrigins = []string{fonts.URL}
	w := installedWorker(t, config)

	target := fonts.URL + "/font.woff2"
	res, body := serve(w, httptest.NewRequest("GET", target, nil))
	if res.StatusCode != http.StatusOK || body != "font" {
		t.Fatalf("Response is %d %s", res.StatusCode, body)
	}
	if _, found := storedBody(t, w, target); found {
		t.Fatal("Cross-origin response should not be stored")
	}

	fonts.offline.Store(true)
	res, body = serve(w, httptest.NewRequest("GET", target, nil))
	if res.StatusCode != http.StatusServiceUnavailable || body != "Offline" {
		t.Fatalf("Offline response is %d %s", res.StatusCode, body)
	}
}

func TestCrossOriginOfflineUsesIncidentalEntry(t *testing.T) {
	o := shellOrigin(t)
	fonts := newTestOrigin(t)
	config := testConfig(o, cache.NewMemoryStorage(), "v1")
	config.CrossOrigins = []string{fonts.URL}
	w := installedWorker(t, config)
	target := fonts.URL + "/font.woff2"
	u, _ := url.Parse(target)
	err := w.put(w.keyer.Key("GET", u), serializer.Response{StatusCode: 200, Body: []byte("stored font")})
	if err != nil {
		t.Fatal(err)
	}
	fonts.offline.Store(true)

	_, body := serve(w, httptest.NewRequest("GET", target, nil))
	if body != "stored font" {
		t.Fatalf("Body is %s", body)
	}
}

func TestNonGetRequestsPassThrough(t *testing.T) {
	o := shellOrigin(t)
	o.mux.HandleFunc("/api/answers", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		w.Write(body)
	})
	w := installedWorker(t, testConfig(o, cache.NewMemoryStorage(), "v1"))

	res, body := serve(w, httptest.NewRequest("POST", "/api/answers", strings.NewReader("42")))
	if res.StatusCode != http.StatusCreated || body != "42" {
		t.Fatalf("Response is %d %s", res.StatusCode, body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "Offline-Cache; fwd=method" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if keys, _ := w.currentRegion().Keys(); len(keys) != 2 {
		t.Fatalf("Region has keys %v", keys)
	}
}

func TestPassThroughListsCacheStatusLast(t *testing.T) {
	o := shellOrigin(t)
	o.mux.HandleFunc("/api/answers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Status", "Edge; fwd=method")
		w.WriteHeader(http.StatusCreated)
	})
	w := installedWorker(t, testConfig(o, cache.NewMemoryStorage(), "v1"))

	res, _ := serve(w, httptest.NewRequest("POST", "/api/answers", strings.NewReader("42")))
	fields := res.Header.Values("Cache-Status")
	if fmt.Sprint(fields) != "[Edge; fwd=method Offline-Cache; fwd=method]" {
		t.Fatalf("Cache-Status fields are %q", fields)
	}
}

func TestCloseStopsBackgroundUpdates(t *testing.T) {
	o := shellOrigin(t)
	o.serveVersions("/app.js", "text/javascript")
	w := installedWorker(t, testConfig(o, cache.NewMemoryStorage(), "v1"))
	serve(w, httptest.NewRequest("GET", "/app.js", nil))

	// requests in flight while the worker is replaced
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if res, _ := serve(w, httptest.NewRequest("GET", "/app.js", nil)); res.StatusCode != http.StatusOK {
					t.Errorf("Status is %d", res.StatusCode)
				}
			}
		}()
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	w.Wait()

	hits := o.hitCount("/app.js")
	res, _ := serve(w, httptest.NewRequest("GET", "/app.js", nil))
	w.Wait()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status after close is %d", res.StatusCode)
	}
	if o.hitCount("/app.js") != hits {
		t.Fatal("Closed worker started a background update")
	}
	if w.State() != StateRedundant {
		t.Fatalf("Worker is %s", w.State())
	}
}

func TestTrimEvictsOldestEntries(t *testing.T) {
	o := shellOrigin(t)
	for _, path := range []string{"/a.js", "/b.js", "/c.js", "/d.js"} {
		o.serveStatic(path, "text/javascript", path)
	}
	config := testConfig(o, cache.NewMemoryStorage(), "v1")
	config.Manifest = []string{"./index.html"}
	config.MaxEntries = 3
	w := installedWorker(t, config)

	for _, path := range []string{"/a.js", "/b.js", "/c.js", "/d.js"} {
		serve(w, httptest.NewRequest("GET", path, nil))
	}
	w.Wait()

	keys, err := w.currentRegion().Keys()
	if err != nil {
		t.Fatal(err)
	}
	var paths []string
	for _, key := range keys {
		paths = append(paths, key[strings.LastIndex(key, "/"):])
	}
	if fmt.Sprint(paths) != "[/index.html /c.js /d.js]" {
		t.Fatalf("Region has %v", paths)
	}
}

func TestTrimDisabled(t *testing.T) {
	o := shellOrigin(t)
	for _, path := range []string{"/a.js", "/b.js"} {
		o.serveStatic(path, "text/javascript", path)
	}
	config := testConfig(o, cache.NewMemoryStorage(), "v1")
	config.MaxEntries = -1
	w := installedWorker(t, config)

	serve(w, httptest.NewRequest("GET", "/a.js", nil))
	serve(w, httptest.NewRequest("GET", "/b.js", nil))
	w.Wait()
	if n, _ := w.currentRegion().Count(); n != 4 {
		t.Fatalf("Region has %d entries", n)
	}
}

func TestNotInstalledPassesThrough(t *testing.T) {
	o := shellOrigin(t)
	w, err := New(testConfig(o, cache.NewMemoryStorage(), "v1"))
	if err != nil {
		t.Fatal(err)
	}
	res, body := serve(w, navigation("/index.html"))
	if res.StatusCode != http.StatusOK || body != "<h1>shell</h1>" {
		t.Fatalf("Response is %d %s", res.StatusCode, body)
	}
}

func TestInvalidConfig(t *testing.T) {
	o := shellOrigin(t)
	for name, modify := range map[string]func(*Config){
		"no storage": func(c *Config) { c.Storage = nil },
		"no version": func(c *Config) { c.Version = "" },
		"no origin":  func(c *Config) { c.OriginURL = url.URL{} },
		"origin path": func(c *Config) {
			c.OriginURL.Path = "/app"
		},
		"strategy":    func(c *Config) { c.AssetStrategy = "network-only" },
		"shell":       func(c *Config) { c.ShellPath = "https://elsewhere.example/index.html" },
		"app name":    func(c *Config) { c.AppName = "a/b" },
		"empty entry": func(c *Config) { c.Manifest = []string{""} },
		"version":     func(c *Config) { c.Version = "v1-beta" },
		"cross origin": func(c *Config) {
			c.CrossOrigins = []string{"fonts.example"}
		},
		"cross origin path": func(c *Config) {
			c.CrossOrigins = []string{"https://fonts.example/css"}
		},
	} {
		config := testConfig(o, cache.NewMemoryStorage(), "v1")
		modify(&config)
		if _, err := New(config); err == nil {
			t.Fatalf("Expected error for %s", name)
		}
	}
}
