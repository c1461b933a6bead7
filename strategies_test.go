package pokedexcache

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kolbylandon/pokedex-cache/pkg/classifier"
)

func navRequest(path string) *http.Request {
	req := httptest.NewRequest("GET", path, nil)
	req.Header.Set("Accept", "text/html")
	return req
}

func apiConfig() Config {
	return Config{
		Upstreams: []Upstream{{
			Prefix: "/api/",
			Target: url.URL{Scheme: "https", Host: "pokeapi.test", Path: "/api/v2"},
		}},
		Classifier: classifier.Config{
			APIPrefixes: []string{"https://pokeapi.test/"},
		},
	}
}

func TestCacheFirstRepeatMakesNoNetworkCalls(t *testing.T) {
	body := []byte("body { color: red }")
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	})
	g, network, _ := newTestGateway(t, Config{}, handler)

	first := httptest.NewRecorder()
	g.ServeHTTP(first, httptest.NewRequest("GET", "/app.css", nil))
	second := httptest.NewRecorder()
	g.ServeHTTP(second, httptest.NewRequest("GET", "/app.css", nil))

	if !bytes.Equal(first.Body.Bytes(), body) {
		t.Fatalf("First body is %s", first.Body.String())
	}
	if !bytes.Equal(second.Body.Bytes(), body) {
		t.Fatalf("Second body is %s", second.Body.String())
	}
	if network.hitCount("/app.css") != 1 {
		t.Fatalf("Origin hit %d times", network.hitCount("/app.css"))
	}
}

func TestCacheFirstIgnoresFreshness(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("cached forever"))
	})
	g, network, clock := newTestGateway(t, Config{}, handler)

	g.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/app.css", nil))
	clock.Advance(30 * 24 * time.Hour)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest("GET", "/app.css", nil))

	if !strings.HasPrefix(rec.Header().Get("Cache-Status"), "Pokedex-Cache; hit") {
		t.Fatalf("Cache-Status is %q", rec.Header().Get("Cache-Status"))
	}
	if network.hitCount("/app.css") != 1 {
		t.Fatalf("Origin hit %d times", network.hitCount("/app.css"))
	}
}

func TestNetworkFirstFallsBackToCacheWhenOffline(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>pokedex</html>"))
	})
	g, network, _ := newTestGateway(t, Config{}, handler)

	online := httptest.NewRecorder()
	g.ServeHTTP(online, navRequest("/"))
	assertCacheStatus(t, online, "Pokedex-Cache; fwd=request; stored")

	network.setOffline(true)
	offline := httptest.NewRecorder()
	g.ServeHTTP(offline, navRequest("/"))

	if body := offline.Body.String(); body != "<html>pokedex</html>" {
		t.Fatalf("Body is %s", body)
	}
	assertCacheStatus(t, offline, "Pokedex-Cache; hit; ttl=86400; detail=offline")
	// one attempt while online, then a full retry round offline
	if network.hitCount("/") != 4 {
		t.Fatalf("Origin hit %d times", network.hitCount("/"))
	}
}

// TestOfflineFallbackChain goes through the navigation degradation chain:
//  1. install seeds the offline document and the root document
//  2. the network goes away
//  3. a navigation to an uncached path serves the offline document
//  4. without an offline document, it serves the root document instead
func TestOfflineFallbackChain(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/offline.html", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("you are offline"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("root shell"))
	})

	cfg := Config{Fallbacks: Fallbacks{OfflinePath: "/offline.html", RootPath: "/"}}
	g, network, _ := newTestGateway(t, cfg, mux)
	network.setOffline(true)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, navRequest("/pokemon/151"))
	if body := rec.Body.String(); body != "you are offline" {
		t.Fatalf("Body is %s", body)
	}
	assertCacheStatus(t, rec, "Pokedex-Cache; fwd=uri-miss; detail=offline-doc")

	cfg = Config{Fallbacks: Fallbacks{RootPath: "/"}}
	g, network, _ = newTestGateway(t, cfg, mux)
	network.setOffline(true)

	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, navRequest("/pokemon/151"))
	if body := rec.Body.String(); body != "root shell" {
		t.Fatalf("Body is %s", body)
	}
	assertCacheStatus(t, rec, "Pokedex-Cache; fwd=uri-miss; detail=root-doc")
}

func TestNetworkFirstPropagatesClientError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/offline.html", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("you are offline"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	cfg := Config{Fallbacks: Fallbacks{OfflinePath: "/offline.html"}}
	g, network, _ := newTestGateway(t, cfg, mux)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, navRequest("/pokemon/9999"))

	// a 404 is an answer, not an outage: no retries, no fallback document
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Status is %d", rec.Code)
	}
	if network.hitCount("/pokemon/9999") != 1 {
		t.Fatalf("Origin hit %d times", network.hitCount("/pokemon/9999"))
	}
}

func TestNetworkFirstRetriesAreBounded(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	g, network, _ := newTestGateway(t, Config{}, handler)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, navRequest("/flaky"))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d", rec.Code)
	}
	if network.hitCount("/flaky") != 3 {
		t.Fatalf("Origin hit %d times, expected retries+1", network.hitCount("/flaky"))
	}
}

// TestStaleWhileRevalidateDetached serves a fresh hit without waiting for
// the refresh it spawns.
//
// This is what we will do and what we expect to happen:
//  1. Request an API resource, filling the cache.
//  2. Block the origin handler.
//  3. Request it again: the cached copy must come back immediately even
//     though the spawned refresh is stuck on the origin.
//  4. Release the origin and wait for background jobs: the refresh must
//     have gone through.
func TestStaleWhileRevalidateDetached(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	blocked := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		wait := blocked
		mu.Unlock()
		if wait {
			<-gate
		}
		w.Write([]byte(`{"name":"bulbasaur"}`))
	})
	g, network, _ := newTestGateway(t, apiConfig(), handler)

	first := httptest.NewRecorder()
	g.ServeHTTP(first, httptest.NewRequest("GET", "/api/pokemon/1", nil))
	assertCacheStatus(t, first, "Pokedex-Cache; fwd=uri-miss; stored")

	mu.Lock()
	blocked = true
	mu.Unlock()

	second := httptest.NewRecorder()
	g.ServeHTTP(second, httptest.NewRequest("GET", "/api/pokemon/1", nil))
	assertCacheStatus(t, second, "Pokedex-Cache; hit; ttl=3600")
	if body := second.Body.String(); body != `{"name":"bulbasaur"}` {
		t.Fatalf("Body is %s", body)
	}

	close(gate)
	g.tasks.Wait()
	if network.hitCount("/api/v2/pokemon/1") != 2 {
		t.Fatalf("Origin hit %d times", network.hitCount("/api/v2/pokemon/1"))
	}
}

func TestStaleWhileRevalidateRefreshesStaleSynchronously(t *testing.T) {
	response := `{"rev":1}`
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(response))
	})
	g, _, clock := newTestGateway(t, apiConfig(), handler)

	g.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/pokemon/1", nil))
	response = `{"rev":2}`
	clock.Advance(2 * time.Hour)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest("GET", "/api/pokemon/1", nil))

	if body := rec.Body.String(); body != `{"rev":2}` {
		t.Fatalf("Body is %s", body)
	}
	assertCacheStatus(t, rec, "Pokedex-Cache; fwd=stale; stored")
}

func TestStaleWhileRevalidateServesStaleOnFailedRefresh(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"mew"}`))
	})
	g, network, clock := newTestGateway(t, apiConfig(), handler)

	g.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/pokemon/151", nil))
	clock.Advance(2 * time.Hour)
	network.setOffline(true)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest("GET", "/api/pokemon/151", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Status is %d", rec.Code)
	}
	if body := rec.Body.String(); body != `{"name":"mew"}` {
		t.Fatalf("Body is %s", body)
	}
	assertCacheStatus(t, rec, "Pokedex-Cache; hit; ttl=-3600; detail=stale")
}

func TestBinaryPlaceholderFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/img/placeholder.png", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("PNGplaceholder"))
	})
	cfg := Config{Fallbacks: Fallbacks{PlaceholderPath: "/img/placeholder.png"}}
	g, network, _ := newTestGateway(t, cfg, mux)
	network.setOffline(true)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest("GET", "/sprites/25.png", nil))

	if body := rec.Body.String(); body != "PNGplaceholder" {
		t.Fatalf("Body is %s", body)
	}
	assertCacheStatus(t, rec, "Pokedex-Cache; fwd=uri-miss; detail=placeholder")
}

func TestBinarySynthesizesResponseWithoutPlaceholder(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("never reached"))
	})
	g, network, _ := newTestGateway(t, Config{}, handler)
	network.setOffline(true)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest("GET", "/sprites/25.png", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status is %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("Body is %s", rec.Body.String())
	}
	assertCacheStatus(t, rec, "Pokedex-Cache; fwd=uri-miss; detail=synthesized")
}

func TestNotModifiedRefreshesCaptureTime(t *testing.T) {
	served := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		if served > 1 {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Write([]byte(`{"rev":1}`))
	})
	g, network, clock := newTestGateway(t, apiConfig(), handler)

	g.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/pokemon/1", nil))
	clock.Advance(2 * time.Hour)

	stale := httptest.NewRecorder()
	g.ServeHTTP(stale, httptest.NewRequest("GET", "/api/pokemon/1", nil))
	if body := stale.Body.String(); body != `{"rev":1}` {
		t.Fatalf("Body is %s", body)
	}
	assertCacheStatus(t, stale, "Pokedex-Cache; fwd=stale; stored")

	// capture time was renewed, so the next request is a plain fresh hit
	fresh := httptest.NewRecorder()
	g.ServeHTTP(fresh, httptest.NewRequest("GET", "/api/pokemon/1", nil))
	assertCacheStatus(t, fresh, "Pokedex-Cache; hit; ttl=3600")
	g.tasks.Wait()
	if network.hitCount("/api/v2/pokemon/1") != 3 {
		t.Fatalf("Origin hit %d times", network.hitCount("/api/v2/pokemon/1"))
	}
}
