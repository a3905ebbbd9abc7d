package tinycdn

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tinycdn/tinycdn/internal/converger"
	"github.com/tinycdn/tinycdn/internal/pathrules"
)

// defaultCompressExtensions is the compressible-extension set used when
// Compression is configured but Compress is left empty.
var defaultCompressExtensions = []string{"js", "css", "txt", "html", "svg", "md", "htm", "xml", "json", "yml"}

// defaultMaxAge is the default Cache-Control max-age, in seconds
// (roughly one year).
const defaultMaxAge = 30672000

// Config is tinyCDN's full configuration surface, read from YAML (see
// LoadConfig) or constructed directly by an embedding program.
type Config struct {
	// Source is the read-only asset root. Empty means the current
	// directory.
	Source string `yaml:"source"`
	// Dest is the derivative cache root, normally distinct from Source.
	// Empty means the current directory.
	Dest string `yaml:"dest"`

	// Compression is "best"|"speed"|"no"|"default", an integer 1-9, or
	// nil/zero-value to disable the compression path entirely.
	Compression any `yaml:"compression"`
	// Compress lists compressible extensions, with or without a
	// leading dot. If empty and Compression is set, defaultCompressExtensions applies.
	Compress []string `yaml:"compress"`

	// ETag is false to disable, a string naming a hash algorithm, or
	// true (or any other truthy value) to mean "sha256".
	ETag any `yaml:"etag"`

	MaxAge       int  `yaml:"maxAge"`
	MaxListeners int  `yaml:"maxListeners"`
	AutoIndex    *bool `yaml:"autoIndex"`

	IgnoreCluster     bool   `yaml:"ignoreCluster"`
	ClusterRole       string `yaml:"clusterRole"` // "", "master", "worker"
	ClusterSocketPath string `yaml:"clusterSocketPath"`
	ClusterLockDB     string `yaml:"clusterLockDB"`

	AccessControlAllowOrigin string `yaml:"accessControlAllowOrigin"`

	NotFoundHTML string `yaml:"404html"`
	NotFoundJSON string `yaml:"404json"`
	NotFoundText string `yaml:"404txt"`

	Rules []ConfigRule `yaml:"rules"`

	// OnResponse and OnError are observability hooks. OnError receives
	// the error that failed the channel, while every producer failure,
	// whatever its cause, is still served to the client as a plain 404.
	// Under the worker cluster role that error only names the action the
	// master reported as failed; the master's own error is not forwarded.
	OnResponse func(err error, url string)
	OnError    func(err error, url string, heldWaiters int)

	// Logger is the zerolog.Logger a child "source"/"dest" logger is
	// derived from. A zero value falls back to a no-op logger.
	Logger *zerolog.Logger
}

// ConfigRule is the YAML shape of a pathrules.Rule.
type ConfigRule struct {
	Prefix                   string   `yaml:"prefix"`
	Compress                 []string `yaml:"compress"`
	ETag                     any      `yaml:"etag"`
	MaxAge                   *int     `yaml:"maxAge"`
	AccessControlAllowOrigin *string  `yaml:"accessControlAllowOrigin"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(filename string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(filename)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// resolved is the immutable, precomputed form of Config the Server
// actually consults per request. Constructed once in New and never
// mutated afterward.
type resolved struct {
	sourceRoot string
	destRoot   string

	compressionEnabled bool
	compressExt        map[string]bool
	compressionLevel   int

	etagEnabled   bool
	etagAlgorithm string

	maxAge       int
	maxListeners int
	autoIndex    bool

	corsOrigin string

	notFoundHTML string
	notFoundJSON string
	notFoundText string

	rules pathrules.Rules

	clusterRole converger.Role
}

func resolveConfig(cfg Config) (resolved, error) {
	r := resolved{
		sourceRoot:   cfg.Source,
		destRoot:     cfg.Dest,
		maxAge:       cfg.MaxAge,
		maxListeners: cfg.MaxListeners,
		autoIndex:    true,
		corsOrigin:   cfg.AccessControlAllowOrigin,
		notFoundHTML: firstNonEmpty(cfg.NotFoundHTML, "Not Found"),
		notFoundJSON: firstNonEmpty(cfg.NotFoundJSON, `{"error":"Not found"}`),
		notFoundText: firstNonEmpty(cfg.NotFoundText, "Not Found"),
	}
	if r.sourceRoot == "" {
		r.sourceRoot = "."
	}
	if r.destRoot == "" {
		r.destRoot = "."
	}
	if r.maxAge == 0 {
		r.maxAge = defaultMaxAge
	}
	if cfg.AutoIndex != nil {
		r.autoIndex = *cfg.AutoIndex
	}

	r.compressionEnabled, r.compressionLevel = resolveCompression(cfg.Compression)
	r.compressExt = buildExtensionSet(cfg.Compress)
	if r.compressionEnabled && len(r.compressExt) == 0 {
		r.compressExt = buildExtensionSet(defaultCompressExtensions)
	}

	r.etagEnabled, r.etagAlgorithm = resolveETag(cfg.ETag)

	rules, err := buildRules(cfg.Rules)
	if err != nil {
		return resolved{}, err
	}
	r.rules = rules

	role, err := resolveClusterRole(cfg)
	if err != nil {
		return resolved{}, err
	}
	r.clusterRole = role

	return r, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolveCompression turns the operator's Compression setting into
// (enabled, level). A nil/false/empty/zero value disables the
// compression path entirely.
func resolveCompression(v any) (enabled bool, level int) {
	switch t := v.(type) {
	case nil:
		return false, 0
	case bool:
		if !t {
			return false, 0
		}
		return true, resolveLevelPure("default")
	case string:
		if t == "" {
			return false, 0
		}
		return true, resolveLevelPure(t)
	case int:
		if t == 0 {
			return false, 0
		}
		return true, t
	default:
		return true, resolveLevelPure("default")
	}
}

// resolveLevelPure mirrors compresspipe.ResolveLevel without importing
// the compress package here, so config.go has no dependency on the
// codec implementation — only the pipeline itself does.
func resolveLevelPure(s string) int {
	switch s {
	case "best":
		return 9
	case "speed":
		return 1
	case "no":
		return 0
	default:
		return -1 // matches compress/flate.DefaultCompression
	}
}

func buildExtensionSet(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimPrefix(e, "."))
		if e != "" {
			set[e] = true
		}
	}
	return set
}

// resolveETag turns the operator's ETag setting into (enabled,
// algorithm name): false disables, a string names the algorithm,
// true/any other truthy value means "sha256".
func resolveETag(v any) (enabled bool, algorithm string) {
	switch t := v.(type) {
	case nil:
		return false, ""
	case bool:
		if !t {
			return false, ""
		}
		return true, "sha256"
	case string:
		if t == "" {
			return false, ""
		}
		return true, t
	default:
		return true, "sha256"
	}
}

func buildRules(crs []ConfigRule) (pathrules.Rules, error) {
	rules := make(pathrules.Rules, 0, len(crs))
	for _, cr := range crs {
		rule := pathrules.Rule{
			Prefix:                   cr.Prefix,
			MaxAge:                   cr.MaxAge,
			AccessControlAllowOrigin: cr.AccessControlAllowOrigin,
		}
		if len(cr.Compress) > 0 {
			normalized := make([]string, 0, len(cr.Compress))
			for _, e := range cr.Compress {
				normalized = append(normalized, strings.ToLower(strings.TrimPrefix(e, ".")))
			}
			rule.CompressExtensions = normalized
		}
		if cr.ETag != nil {
			enabled, algo := resolveETag(cr.ETag)
			rule.ETagEnabled = &enabled
			if enabled {
				rule.ETagAlgorithm = &algo
			}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func resolveClusterRole(cfg Config) (converger.Role, error) {
	if cfg.IgnoreCluster || cfg.ClusterRole == "" {
		return converger.RoleNone, nil
	}
	switch cfg.ClusterRole {
	case "master":
		return converger.RoleMaster, nil
	case "worker":
		return converger.RoleWorker, nil
	default:
		return converger.RoleNone, fmt.Errorf("tinycdn: unknown clusterRole %q", cfg.ClusterRole)
	}
}
