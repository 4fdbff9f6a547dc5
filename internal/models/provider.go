package models

import (
	"fmt"
	"strings"
)

// Provider identifies one of the supported mail identity providers.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// Providers lists every supported provider in a stable order.
func Providers() []Provider {
	return []Provider{ProviderGoogle, ProviderMicrosoft}
}

// Valid reports whether p is a known provider identifier.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderMicrosoft:
		return true
	default:
		return false
	}
}

func (p Provider) String() string {
	return string(p)
}

// ParseProvider accepts the canonical identifiers plus a couple of common
// aliases used by clients ("gmail", "outlook").
func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "google", "gmail":
		return ProviderGoogle, nil
	case "microsoft", "outlook":
		return ProviderMicrosoft, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}
