// Package detect classifies a server configuration into the connection
// variant that should handle it. Classification is pure and deterministic:
// no I/O, no clock, no state.
package detect

import (
	"fmt"
	"strings"

	"mcpgate/internal/domain"
)

// enrichedRuntime is the managed-runtime launcher enriched servers boot on.
const enrichedRuntime = "java"

// bundleFlag marks an explicit "run this archive" invocation.
const bundleFlag = "-jar"

// profileMarkers are argument substrings that identify the enriched
// framework profile.
var profileMarkers = []string{
	"-Dspring.profiles.active=mcp",
	"-Dspring.main.web-application-type=none",
}

// nameFragments are archive-name substrings known to ship enriched servers.
var nameFragments = []string{
	"spring-boot-ai-mongo-mcp-server",
	"spring-ai-mcp",
	"springai-mcp",
}

// envPrefix marks framework-specific environment configuration.
const envPrefix = "SPRING_"

// Classify maps a server configuration to its connection variant. Rules are
// evaluated in order, first match wins; plain stdio configs fall through to
// the standard variant. An unsupported kind is a configuration error.
func Classify(cfg domain.ServerConfig) (domain.Variant, error) {
	switch cfg.Kind {
	case domain.KindStdio:
		if isEnriched(cfg) {
			return domain.VariantEnriched, nil
		}
		return domain.VariantStandard, nil
	case domain.KindHTTP:
		return domain.VariantHTTP, nil
	default:
		return "", fmt.Errorf("%w: %q", domain.ErrUnsupportedKind, cfg.Kind)
	}
}

func isEnriched(cfg domain.ServerConfig) bool {
	onRuntime := strings.EqualFold(cfg.Command, enrichedRuntime)

	// Primary: runtime launcher running a bundle under the framework profile.
	if onRuntime && hasBundleFlag(cfg.Args) && hasProfileMarker(cfg.Args) {
		return true
	}

	// Secondary: archive name alone identifies an enriched server.
	for _, arg := range cfg.Args {
		for _, fragment := range nameFragments {
			if strings.Contains(arg, fragment) {
				return true
			}
		}
	}

	// Tertiary: framework environment keys combined with the runtime.
	if onRuntime {
		for key := range cfg.Env {
			if strings.HasPrefix(key, envPrefix) {
				return true
			}
		}
	}

	return false
}

func hasBundleFlag(args []string) bool {
	for _, arg := range args {
		if arg == bundleFlag {
			return true
		}
	}
	return false
}

func hasProfileMarker(args []string) bool {
	for _, arg := range args {
		for _, marker := range profileMarkers {
			if strings.Contains(arg, marker) {
				return true
			}
		}
	}
	return false
}
