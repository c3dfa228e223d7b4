package backend

import (
	"os"
	"strings"

	"github.com/gomlx/neurun/ir"
	"github.com/pkg/errors"
)

const (
	// EnvConfig is the environment variable read by ConfigFromEnv.
	EnvConfig = "NEURUN_BACKEND"

	// DefaultBackendID is the backend used when no default is configured.
	DefaultBackendID = "cpu"
)

// Config maps each operation kind to the identifier of the backend executing it.
type Config struct {
	// Default backend, used for operation kinds not in PerOp.
	Default string

	// PerOp overrides the backend for specific operation kinds.
	PerOp map[ir.OpType]string
}

// BackendFor returns the backend identifier configured for op.
func (c Config) BackendFor(op ir.OpType) string {
	if id, found := c.PerOp[op]; found {
		return id
	}
	if c.Default == "" {
		return DefaultBackendID
	}
	return c.Default
}

// String returns the textual form of the configuration, as accepted by ParseConfig.
func (c Config) String() string {
	parts := []string{c.BackendFor(ir.OpTypeInvalid)}
	for _, op := range ir.AllOpTypes() {
		if id, found := c.PerOp[op]; found {
			parts = append(parts, op.String()+"="+id)
		}
	}
	return strings.Join(parts, ",")
}

// ParseConfig parses a comma-separated configuration: an optional default backend identifier, followed by
// "<OpType>=<backend>" overrides. E.g.: "cpu,Softmax=gomlx,FullyConnected=gomlx".
//
// Operation names are case-insensitive. An empty string yields the default configuration.
func ParseConfig(text string) (Config, error) {
	config := Config{Default: DefaultBackendID, PerOp: make(map[ir.OpType]string)}
	defaultSet := false
	for ii, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, id, isOverride := strings.Cut(part, "=")
		if !isOverride {
			if defaultSet || ii > 0 {
				return Config{}, errors.Errorf("backend configuration %q: default backend %q must come first and only once",
					text, part)
			}
			config.Default = part
			defaultSet = true
			continue
		}
		name, id = strings.TrimSpace(name), strings.TrimSpace(id)
		op, found := ir.OpTypeFromName(name)
		if !found {
			return Config{}, errors.Errorf("backend configuration %q: unknown operation type %q", text, name)
		}
		if id == "" {
			return Config{}, errors.Errorf("backend configuration %q: missing backend for %s", text, op)
		}
		config.PerOp[op] = id
	}
	return config, nil
}

// ConfigFromEnv parses the configuration in the environment variable NEURUN_BACKEND.
// If it is not set, the default configuration (every operation on "cpu") is returned.
func ConfigFromEnv() (Config, error) {
	text := os.Getenv(EnvConfig)
	config, err := ParseConfig(text)
	if err != nil {
		return Config{}, errors.WithMessagef(err, "while parsing $%s", EnvConfig)
	}
	return config, nil
}
