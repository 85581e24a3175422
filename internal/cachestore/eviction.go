package cachestore

import (
	"time"
)

// quotaPurgeFraction is the share of a store dropped when a write hits the quota.
const quotaPurgeFraction = 0.1

// Expiration bounds a store. Zero fields disable the respective limit.
type Expiration struct {
	MaxEntries int
	MaxAge     time.Duration
}

func (e Expiration) IsZero() bool {
	return e.MaxEntries <= 0 && e.MaxAge <= 0
}

// expired reports whether an entry stored at storedAt is past MaxAge at now.
func (e Expiration) expired(storedAt, now time.Time) bool {
	return e.MaxAge > 0 && storedAt.Add(e.MaxAge).Before(now)
}

// victims selects what to remove so metas satisfies e at now. Entries past
// MaxAge always go; afterwards the oldest-stored entries go until at most
// MaxEntries remain. incoming is never chosen by the count rule.
func (e Expiration) victims(metas map[string]entryMeta, incoming string, now time.Time) []string {
	if e.IsZero() {
		return nil
	}
	var out []string
	live := make(map[string]entryMeta, len(metas))
	for k, m := range metas {
		if k != incoming && e.expired(time.Unix(0, m.StoredAt), now) {
			out = append(out, k)
			continue
		}
		live[k] = m
	}
	if e.MaxEntries <= 0 || len(live) <= e.MaxEntries {
		return out
	}
	excess := len(live) - e.MaxEntries
	for _, k := range orderedKeys(live) {
		if excess == 0 {
			break
		}
		if k == incoming {
			continue
		}
		out = append(out, k)
		excess--
	}
	return out
}
