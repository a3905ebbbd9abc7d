package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/tinycdn/tinycdn"
)

var (
	configFlag         string
	sourceFlag         string
	destFlag           string
	addrFlag           string
	portFlag           int
	clusterRoleFlag    string
	clusterSocketFlag  string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// version is set by goreleaser via ldflags at build time.
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Path to a tinyCDN YAML config file")
	flag.StringVar(&sourceFlag, "source", "", "Source asset directory (overrides config)")
	flag.StringVar(&destFlag, "dest", "", "Destination cache directory (overrides config)")
	flag.StringVar(&addrFlag, "addr", "", "Address to listen on")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&clusterRoleFlag, "cluster-role", "", "Cluster role: \"\", \"master\", or \"worker\" (overrides config)")
	flag.StringVar(&clusterSocketFlag, "cluster-socket", "", "Unix socket path for cluster IPC (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	logLevel := zerolog.InfoLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if logFilenameFlag != "" {
		f, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			log.Fatal().Err(err).Msg("cannot open log file")
		}
		logOutputs = append(logOutputs, f)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).With().Str("version", version).Logger()

	cfg, err := loadAndOverrideConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("could not build configuration")
	}
	cfg.Logger = &log.Logger

	server, err := tinycdn.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("could not start tinycdn server")
	}
	defer server.Close()

	router := chi.NewRouter()
	router.Use(hlog.NewHandler(log.Logger))
	router.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("served")
	}))
	router.Use(middleware.Heartbeat("/debug/health"))
	router.Handle("/*", server)

	addr := fmt.Sprintf("%s:%d", addrFlag, portFlag)
	log.Info().Str("addr", addr).Str("source", cfg.Source).Str("dest", cfg.Dest).Msg("tinycdn listening")
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

// loadAndOverrideConfig loads the YAML config, if any, then layers CLI
// flag overrides on top — CLI wins over file, file wins over the
// built-in defaults resolveConfig applies.
func loadAndOverrideConfig() (tinycdn.Config, error) {
	var cfg tinycdn.Config
	if configFlag != "" {
		loaded, err := tinycdn.LoadConfig(configFlag)
		if err != nil {
			return tinycdn.Config{}, err
		}
		cfg = loaded
	}

	if sourceFlag != "" {
		cfg.Source = sourceFlag
	}
	if destFlag != "" {
		cfg.Dest = destFlag
	}
	if clusterRoleFlag != "" {
		cfg.ClusterRole = clusterRoleFlag
	}
	if clusterSocketFlag != "" {
		cfg.ClusterSocketPath = clusterSocketFlag
	}

	if cfg.Source == "" {
		return tinycdn.Config{}, fmt.Errorf("tinycdn: -source (or config's source:) is required")
	}
	if cfg.Dest == "" {
		return tinycdn.Config{}, fmt.Errorf("tinycdn: -dest (or config's dest:) is required")
	}
	return cfg, nil
}
