package features

import (
	"strings"
	"sync"
)

// Build-time variables set via ldflags:
//
//	-ldflags "-X wylloh/features.BuildMode=demo -X wylloh/features.BuildFeatures=metrics,caching"
var (
	// BuildMode is one of demo, development or production.
	BuildMode = "production"

	// BuildFeatures is a comma-separated list of enabled features.
	BuildFeatures = ""

	BuildVersion = "dev"
	BuildTime    = "unknown"
)

const (
	FeatureFullLogging    = "full-logging"
	FeatureMetrics        = "metrics"
	FeatureObservability  = "observability"
	FeatureRateLimiting   = "rate-limiting"
	FeatureShortTimeouts  = "short-timeouts"
	FeatureCaching        = "caching"
	FeatureLedgerFallback = "ledger-fallback"
	FeatureRecoveryPath   = "recovery-path"
)

var (
	featureCache = make(map[string]bool)
	cacheMux     sync.RWMutex
)

// IsEnabled reports whether feature appears in BuildFeatures.
func IsEnabled(feature string) bool {
	cacheMux.RLock()
	enabled, found := featureCache[feature]
	cacheMux.RUnlock()
	if found {
		return enabled
	}

	for _, f := range GetEnabledFeatures() {
		if f == feature {
			enabled = true
			break
		}
	}

	cacheMux.Lock()
	featureCache[feature] = enabled
	cacheMux.Unlock()
	return enabled
}

// Reset clears memoized lookups after BuildFeatures has been changed.
func Reset() {
	cacheMux.Lock()
	featureCache = make(map[string]bool)
	cacheMux.Unlock()
}

func IsDemoMode() bool {
	return strings.EqualFold(BuildMode, "demo")
}

func IsProductionMode() bool {
	return strings.EqualFold(BuildMode, "production")
}

func IsDevelopmentMode() bool {
	return strings.EqualFold(BuildMode, "development")
}

// GetEnabledFeatures returns the trimmed, non-empty entries of BuildFeatures.
func GetEnabledFeatures() []string {
	if BuildFeatures == "" {
		return []string{}
	}
	parts := strings.Split(BuildFeatures, ",")
	result := make([]string, 0, len(parts))
	for _, f := range parts {
		if trimmed := strings.TrimSpace(f); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// ShouldEnableFullLogging is true outside demo mode or when explicitly requested.
func ShouldEnableFullLogging() bool {
	return IsEnabled(FeatureFullLogging) || !IsDemoMode()
}

func ShouldEnableMetrics() bool {
	return IsEnabled(FeatureMetrics)
}

func ShouldEnableObservability() bool {
	return IsEnabled(FeatureObservability)
}

func ShouldEnableRateLimiting() bool {
	return IsEnabled(FeatureRateLimiting)
}

func ShouldUseShortTimeouts() bool {
	return IsEnabled(FeatureShortTimeouts) || IsDemoMode()
}

// ShouldEnableCaching gates the decrypted-key and grant lookup caches.
// Production builds cache unless the build is a demo without the flag.
func ShouldEnableCaching() bool {
	return IsEnabled(FeatureCaching) || !IsDemoMode()
}

// ShouldEnableLedgerFallback gates the local purchase and transaction log
// fallbacks in ownership verification.
func ShouldEnableLedgerFallback() bool {
	return IsEnabled(FeatureLedgerFallback) || !IsProductionMode()
}

// ShouldEnableRecoveryPath gates publishing recovery envelopes to IPFS.
func ShouldEnableRecoveryPath() bool {
	return IsEnabled(FeatureRecoveryPath)
}

func GetBuildInfo() map[string]string {
	return map[string]string{
		"mode":      BuildMode,
		"version":   BuildVersion,
		"buildTime": BuildTime,
		"features":  BuildFeatures,
	}
}
