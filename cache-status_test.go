package pokedexcache

import "testing"

func TestCacheStatusHit(t *testing.T) {
	cs := CacheStatus{}
	cs.Hit()
	cs.TTL(604800)
	if cs.String() != "Pokedex-Cache; hit; ttl=604800" {
		t.Fatalf("Header is %q", cs.String())
	}
	if !cs.IsHit() {
		t.Fatal("Not a hit")
	}
}

func TestCacheStatusStaleHit(t *testing.T) {
	cs := CacheStatus{Detail: "stale"}
	cs.Hit()
	cs.TTL(-120)
	if cs.String() != "Pokedex-Cache; hit; ttl=-120; detail=stale" {
		t.Fatalf("Header is %q", cs.String())
	}
}

func TestCacheStatusForward(t *testing.T) {
	cs := CacheStatus{}
	cs.Forward(FwdBypass)
	if cs.String() != "Pokedex-Cache; fwd=bypass" {
		t.Fatalf("Header is %q", cs.String())
	}
	if cs.IsHit() {
		t.Fatal("A forward is not a hit")
	}
}

func TestCacheStatusForwardStored(t *testing.T) {
	cs := CacheStatus{Stored: true}
	cs.Forward(FwdUriMiss)
	if cs.String() != "Pokedex-Cache; fwd=uri-miss; stored" {
		t.Fatalf("Header is %q", cs.String())
	}
}

func TestCacheStatusForwardDetail(t *testing.T) {
	cs := CacheStatus{Detail: "offline-doc"}
	cs.Forward(FwdUriMiss)
	if cs.String() != "Pokedex-Cache; fwd=uri-miss; detail=offline-doc" {
		t.Fatalf("Header is %q", cs.String())
	}
}
