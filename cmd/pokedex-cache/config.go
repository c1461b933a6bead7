package main

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	pokedexcache "github.com/kolbylandon/pokedex-cache"
	"github.com/kolbylandon/pokedex-cache/pkg/classifier"
	"github.com/kolbylandon/pokedex-cache/store"
)

// fileConfig is the YAML schema of the config file. Durations are strings
// in Go duration syntax ("10s", "6h").
type fileConfig struct {
	Origin            string                `yaml:"origin"`
	Generation        int                   `yaml:"generation"`
	DB                string                `yaml:"db"`
	Port              int                   `yaml:"port"`
	ControlPort       int                   `yaml:"controlPort"`
	HoldActivation    bool                  `yaml:"holdActivation"`
	ReconcileInterval string                `yaml:"reconcileInterval"`
	StripParams       []string              `yaml:"stripParams"`
	Upstreams         []fileUpstream        `yaml:"upstreams"`
	Classifier        classifier.Config     `yaml:"classifier"`
	Manifest          []string              `yaml:"manifest"`
	Warm              []string              `yaml:"warm"`
	Policies          map[string]filePolicy `yaml:"policies"`
	Fallbacks         fileFallbacks         `yaml:"fallbacks"`
	Fetch             fileFetch             `yaml:"fetch"`
}

type fileUpstream struct {
	Prefix string `yaml:"prefix"`
	Target string `yaml:"target"`
}

type filePolicy struct {
	MaxEntries int    `yaml:"maxEntries"`
	TTL        string `yaml:"ttl"`
	StaleAfter string `yaml:"staleAfter"`
}

type fileFallbacks struct {
	Offline     string `yaml:"offline"`
	Root        string `yaml:"root"`
	Placeholder string `yaml:"placeholder"`
}

type fileFetch struct {
	Timeout    string `yaml:"timeout"`
	Retries    int    `yaml:"retries"`
	RetryDelay string `yaml:"retryDelay"`
}

func getConfig(filename string) (fileConfig, error) {
	var config fileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

func (c fileConfig) withDefaults() fileConfig {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ControlPort == 0 {
		c.ControlPort = 8081
	}
	if c.DB == "" {
		c.DB = "cache.db"
	}
	if c.Generation == 0 {
		c.Generation = 1
	}
	return c
}

// engineConfig maps the file schema onto the gateway configuration,
// parsing durations and upstream URLs.
func (c fileConfig) engineConfig(db store.Store) (pokedexcache.Config, error) {
	originURL, err := url.Parse(c.Origin)
	if err != nil {
		return pokedexcache.Config{}, fmt.Errorf("origin: %w", err)
	}
	cfg := pokedexcache.Config{
		Store:          db,
		Origin:         *originURL,
		Generation:     c.Generation,
		Classifier:     c.Classifier,
		Manifest:       c.Manifest,
		WarmURLs:       c.Warm,
		StripParams:    c.StripParams,
		HoldActivation: c.HoldActivation,
		Fallbacks: pokedexcache.Fallbacks{
			OfflinePath:     c.Fallbacks.Offline,
			RootPath:        c.Fallbacks.Root,
			PlaceholderPath: c.Fallbacks.Placeholder,
		},
	}
	if cfg.ReconcileInterval, err = parseDuration(c.ReconcileInterval); err != nil {
		return pokedexcache.Config{}, fmt.Errorf("reconcileInterval: %w", err)
	}
	for _, u := range c.Upstreams {
		target, err := url.Parse(u.Target)
		if err != nil {
			return pokedexcache.Config{}, fmt.Errorf("upstream %q: %w", u.Prefix, err)
		}
		cfg.Upstreams = append(cfg.Upstreams, pokedexcache.Upstream{Prefix: u.Prefix, Target: *target})
	}
	if len(c.Policies) > 0 {
		cfg.Policies = make(map[store.Role]pokedexcache.PartitionPolicy, len(c.Policies))
		for name, p := range c.Policies {
			role, err := parseRole(name)
			if err != nil {
				return pokedexcache.Config{}, err
			}
			policy := pokedexcache.PartitionPolicy{MaxEntries: p.MaxEntries}
			if policy.TTL, err = parseDuration(p.TTL); err != nil {
				return pokedexcache.Config{}, fmt.Errorf("policy %s ttl: %w", name, err)
			}
			if policy.StaleAfter, err = parseDuration(p.StaleAfter); err != nil {
				return pokedexcache.Config{}, fmt.Errorf("policy %s staleAfter: %w", name, err)
			}
			cfg.Policies[role] = policy
		}
	}
	if cfg.Fetch.Timeout, err = parseDuration(c.Fetch.Timeout); err != nil {
		return pokedexcache.Config{}, fmt.Errorf("fetch timeout: %w", err)
	}
	if cfg.Fetch.RetryDelay, err = parseDuration(c.Fetch.RetryDelay); err != nil {
		return pokedexcache.Config{}, fmt.Errorf("fetch retryDelay: %w", err)
	}
	cfg.Fetch.Retries = c.Fetch.Retries
	return cfg, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func parseRole(name string) (store.Role, error) {
	for _, role := range store.Roles {
		if string(role) == name {
			return role, nil
		}
	}
	return "", fmt.Errorf("policy: unknown partition role %q", name)
}
