// Package registry maps subject ids to the access they are granted.
//
// A Registry is built once from injected configuration and never changes. It is a
// stand-in for a real identity provider: membership here is the whole
// authorization decision, with no revocation or per-request provisioning.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pilacorp/go-proof-relay/common/relayerr"
)

type AccessTier int

const (
	AccessTierFull AccessTier = iota + 1
	AccessTierLimited
)

func (t AccessTier) String() string {
	switch t {
	case AccessTierFull:
		return "Full access"
	case AccessTierLimited:
		return "Limited access"
	default:
		return "unknown"
	}
}

// ParseAccessTier accepts "full"/"limited", with or without the " access" suffix,
// case-insensitively.
func ParseAccessTier(s string) (AccessTier, error) {
	switch strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), " access") {
	case "full":
		return AccessTierFull, nil
	case "limited":
		return AccessTierLimited, nil
	default:
		return 0, fmt.Errorf("invalid access tier: %q", s)
	}
}

// IdentityRecord is what a subject id resolves to.
type IdentityRecord struct {
	DisplayName string
	AccessTier  AccessTier
}

type Registry struct {
	entries map[string]IdentityRecord
}

// New copies entries; later changes to the map do not affect the registry.
func New(entries map[string]IdentityRecord) (*Registry, error) {
	r := &Registry{entries: make(map[string]IdentityRecord, len(entries))}
	for id, rec := range entries {
		if id == "" {
			return nil, fmt.Errorf("registry entry with empty subject id")
		}
		if rec.AccessTier != AccessTierFull && rec.AccessTier != AccessTierLimited {
			return nil, fmt.Errorf("registry entry %q: invalid access tier %d", id, rec.AccessTier)
		}
		r.entries[id] = rec
	}
	return r, nil
}

// Lookup returns the record for subjectID or an error wrapping
// relayerr.ErrUnauthorizedSubject. Ids match exactly.
func (r *Registry) Lookup(subjectID string) (IdentityRecord, error) {
	rec, ok := r.entries[subjectID]
	if !ok {
		return IdentityRecord{}, relayerr.ErrUnauthorizedSubject
	}
	return rec, nil
}

func (r *Registry) Len() int {
	return len(r.entries)
}

// Subjects returns the configured ids in sorted order.
func (r *Registry) Subjects() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
