package strategy

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects one of the resolution algorithms.
type Kind int

const (
	CacheOnly Kind = iota + 1
	NetworkOnly
	CacheFirst
	NetworkFirst
	StaleWhileRevalidate
)

var kindNames = map[Kind]string{
	CacheOnly:            "cache-only",
	NetworkOnly:          "network-only",
	CacheFirst:           "cache-first",
	NetworkFirst:         "network-first",
	StaleWhileRevalidate: "stale-while-revalidate",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind accepts the dashed names produced by String, case insensitively.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown strategy %q", s)
}

// UsesCache reports whether the kind reads or writes a store.
func (k Kind) UsesCache() bool {
	return k != NetworkOnly
}

// Spec is a strategy kind together with its parameters. Only NetworkFirst
// reads NetworkTimeout and WriteLateNetworkResult.
type Spec struct {
	Kind Kind

	// NetworkTimeout bounds how long NetworkFirst waits for the network
	// before falling back to the store. Zero waits for the network.
	NetworkTimeout time.Duration

	// WriteLateNetworkResult stores a network response that arrives after
	// NetworkFirst already fell back to the store.
	WriteLateNetworkResult bool

	// Vary names the request headers that take part in the cache key.
	Vary []string
}
