package pokedexcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kolbylandon/pokedex-cache/store"
)

func TestReconcileRefreshesStaleEntriesInPlace(t *testing.T) {
	response := "rev1"
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(response))
	})
	g, network, clock := newTestGateway(t, apiConfig(), handler)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest("GET", "/api/pokemon/25", nil))
	if body := rec.Body.String(); body != "rev1" {
		t.Fatalf("Body is %s", body)
	}

	response = "rev2"
	clock.Advance(7 * time.Hour)
	g.reconcile(context.Background())

	p := store.Partition{Role: store.RoleAPI, Generation: 24}
	entry, err := g.store.Get(context.Background(), p, "https://pokeapi.test/api/v2/pokemon/25")
	if err != nil {
		t.Fatal(err)
	}
	if string(entry.Body) != "rev2" {
		t.Fatalf("Entry body is %s", entry.Body)
	}
	if network.hitCount("/api/v2/pokemon/25") != 2 {
		t.Fatalf("Origin hit %d times", network.hitCount("/api/v2/pokemon/25"))
	}

	// the refresh reset the entry age, so the next request is a plain hit
	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest("GET", "/api/pokemon/25", nil))
	assertCacheStatus(t, rec, "Pokedex-Cache; hit; ttl=3600")
}

func TestReconcileKeepsFailedRefreshPending(t *testing.T) {
	response := "rev1"
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(response))
	})
	g, network, clock := newTestGateway(t, apiConfig(), handler)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest("GET", "/api/pokemon/25", nil))

	key := "https://pokeapi.test/api/v2/pokemon/25"
	p := store.Partition{Role: store.RoleAPI, Generation: 24}
	clock.Advance(7 * time.Hour)
	network.setOffline(true)

	g.reconcile(context.Background())
	entry, err := g.store.Get(context.Background(), p, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(entry.Body) != "rev1" {
		t.Fatalf("Entry body is %s", entry.Body)
	}
	task, ok := g.pending[key]
	if !ok {
		t.Fatal("No pending task after failed refresh")
	}
	if task.Attempts != 1 {
		t.Fatalf("Attempts is %d", task.Attempts)
	}

	g.reconcile(context.Background())
	if task.Attempts != 2 {
		t.Fatalf("Attempts is %d", task.Attempts)
	}

	network.setOffline(false)
	response = "rev2"
	g.reconcile(context.Background())
	entry, err = g.store.Get(context.Background(), p, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(entry.Body) != "rev2" {
		t.Fatalf("Entry body is %s", entry.Body)
	}
	if len(g.pending) != 0 {
		t.Fatalf("%d tasks still pending", len(g.pending))
	}
}

// TestReconnectWarmsConfiguredURLs signals a connectivity return and waits
// for the warmup round to populate the store on the reconciler goroutine.
func TestReconnectWarmsConfiguredURLs(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("list"))
	})
	cfg := apiConfig()
	cfg.WarmURLs = []string{"/api/pokemon?limit=151"}
	cfg.ReconcileInterval = time.Hour
	g, network, _ := newTestGateway(t, cfg, handler)

	g.Reconnect()

	key := "https://pokeapi.test/api/v2/pokemon?limit=151"
	p := store.Partition{Role: store.RoleAPI, Generation: 24}
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := g.store.Get(context.Background(), p, key); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Warm entry never appeared")
		}
		time.Sleep(time.Millisecond)
	}
	if network.hitCount("/api/v2/pokemon") != 1 {
		t.Fatalf("Origin hit %d times", network.hitCount("/api/v2/pokemon"))
	}
}
