package gitsync

import "os"

// Token provenance tags.
const (
	TokenSourceFresh = "fresh"
	TokenSourceEnv   = "env"
	TokenSourceNone  = "none"
)

// TokenResolution is a credential chosen for a single push.
type TokenResolution struct {
	Token  string
	Source string
}

// ResolveToken picks the credential for a push. A fresh token minted by the
// control plane wins over one captured in the environment at startup, which
// may have expired during a long session.
func ResolveToken(fresh, envKey string) TokenResolution {
	if fresh != "" {
		return TokenResolution{Token: fresh, Source: TokenSourceFresh}
	}
	if envKey != "" {
		if v := os.Getenv(envKey); v != "" {
			return TokenResolution{Token: v, Source: TokenSourceEnv}
		}
	}
	return TokenResolution{Source: TokenSourceNone}
}
