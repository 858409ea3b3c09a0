package plugin

import (
	"strconv"
	"strings"

	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/scram"
)

// Config holds the subscriber's tunables: which realms to sync, which
// SCRAM mechanisms to generate, and the PBKDF2 iteration count.
type Config struct {
	RealmAllowlist []string
	Mechanisms     []scram.Mechanism
	Iterations     int32
}

// DefaultConfig generates SCRAM-SHA-256 only, at the package minimum
// iteration count, for every realm.
func DefaultConfig() Config {
	return Config{
		Mechanisms: []scram.Mechanism{scram.MechanismSHA256},
		Iterations: scram.MinIterations,
	}
}

// ConfigResolver looks a key up across three sources in priority order:
// host-provided config scope (highest), process-wide property, then
// environment variable (lowest). The host scope is whatever the IdP's
// plug-in SPI hands the registered component at startup; process
// properties are a process-wide key/value table the host also exposes
// to plug-ins; getenv defaults to os.Getenv but is injectable for
// tests.
type ConfigResolver struct {
	hostScope    map[string]string
	processProps map[string]string
	getenv       func(string) string
}

// NewConfigResolver builds a resolver over the three sources. getenv
// may be nil, in which case the environment variable tier is skipped.
func NewConfigResolver(hostScope, processProps map[string]string, getenv func(string) string) *ConfigResolver {
	return &ConfigResolver{hostScope: hostScope, processProps: processProps, getenv: getenv}
}

// Get resolves key across the three tiers, returning the first
// non-empty value found.
func (r *ConfigResolver) Get(key string) (string, bool) {
	if v, ok := r.hostScope[key]; ok && v != "" {
		return v, true
	}
	if v, ok := r.processProps[key]; ok && v != "" {
		return v, true
	}
	if r.getenv != nil {
		if v := r.getenv(key); v != "" {
			return v, true
		}
	}
	return "", false
}

const (
	keyRealmAllowlist = "REALM_ALLOWLIST"
	keyMechanisms     = "PLUGIN_SCRAM_MECHANISMS"
	keyIterations     = "PLUGIN_SCRAM_ITERATIONS"
)

// Resolve builds a Config from the resolver's three tiers, falling
// back to DefaultConfig's values for anything unset.
func (r *ConfigResolver) Resolve() Config {
	cfg := DefaultConfig()

	if v, ok := r.Get(keyRealmAllowlist); ok {
		cfg.RealmAllowlist = splitAndTrim(v)
	}

	if v, ok := r.Get(keyMechanisms); ok {
		mechs := make([]scram.Mechanism, 0, 2)
		for _, name := range splitAndTrim(v) {
			if m := scram.ParseMechanism(name); m != scram.MechanismUnknown {
				mechs = append(mechs, m)
			}
		}
		if len(mechs) > 0 {
			cfg.Mechanisms = mechs
		}
	}

	if v, ok := r.Get(keyIterations); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Iterations = int32(n)
		}
	}

	return cfg
}

// RealmAllowed reports whether realm should be synced: an empty
// allow-list means every realm is allowed.
func (c Config) RealmAllowed(realm string) bool {
	if len(c.RealmAllowlist) == 0 {
		return true
	}
	for _, r := range c.RealmAllowlist {
		if r == realm {
			return true
		}
	}
	return false
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
