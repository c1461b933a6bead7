package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	pokedexcache "github.com/kolbylandon/pokedex-cache"
	"github.com/kolbylandon/pokedex-cache/control"
	"github.com/kolbylandon/pokedex-cache/metrics/prom"
	"github.com/kolbylandon/pokedex-cache/store"
)

var (
	// CLI flags
	configFlag         string
	originFlag         string
	portFlag           int
	controlPortFlag    int
	dbFilenameFlag     string
	generationFlag     int
	holdFlag           bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Config file (YAML)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to cache for")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.IntVar(&controlPortFlag, "control-port", 8081, "Port for the control API")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.IntVar(&generationFlag, "generation", 1, "Cache generation to install and activate")
	flag.BoolVar(&holdFlag, "hold", false, "Install but hold activation until forced over the control API")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	// file config first, explicitly set flags override
	var cfg fileConfig
	if configFlag != "" {
		loaded, err := getConfig(configFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config file")
		}
		cfg = loaded
	}
	applyFlags(&cfg)
	cfg = cfg.withDefaults()

	if cfg.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}

	// set up the sqlite store
	dbFilename := cfg.DB
	if dbFilename == "memory" {
		dbFilename = "file::memory:?cache=shared"
	}
	db, err := store.NewSQLite(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache store")
	}
	defer db.Close()

	registry := prometheus.NewRegistry()

	cacheConfig, err := cfg.engineConfig(db)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	cacheConfig.Logger = &log.Logger
	cacheConfig.Metrics = prom.New(registry, "pokedexcache")

	gateway, err := pokedexcache.New(cacheConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create gateway")
	}

	// the control API must be up before Run, since a held activation is
	// only released through it
	go func() {
		controlAddr := fmt.Sprintf(":%d", cfg.ControlPort)
		log.Info().Msgf("Control API listening on %s", controlAddr)
		if err := http.ListenAndServe(controlAddr, control.Handler(gateway, log.Logger, registry)); err != nil {
			log.Fatal().Err(err).Msg("Control API failed")
		}
	}()

	if err := gateway.Run(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Could not install and activate")
	}
	defer gateway.Close()

	log.Info().Msgf("Caching port %v for origin %s (generation v%d)", cfg.Port, cacheConfig.Origin.String(), cacheConfig.Generation)
	err = http.ListenAndServe(fmt.Sprintf(":%d", cfg.Port), gateway)

	if err != nil {
		panic(err)
	}
}

// applyFlags copies flags the user set explicitly over the file config.
func applyFlags(cfg *fileConfig) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			cfg.Origin = originFlag
		case "port":
			cfg.Port = portFlag
		case "control-port":
			cfg.ControlPort = controlPortFlag
		case "db":
			cfg.DB = dbFilenameFlag
		case "generation":
			cfg.Generation = generationFlag
		case "hold":
			cfg.HoldActivation = holdFlag
		}
	})
}
