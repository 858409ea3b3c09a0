// Package diff computes a sync plan from an IdP user snapshot and a
// broker principal snapshot: a pure function with no I/O, producing
// deterministic, immutable output.
package diff

import (
	"sort"
	"strings"

	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/idp"
)

// Options controls diff behavior.
type Options struct {
	// AlwaysUpsert, when true, includes every IdP user in Upserts even
	// if the broker already has a credential for them.
	AlwaysUpsert bool
	// Excluded lists principal names never deleted, as exact names or
	// "prefix-*" glob patterns.
	Excluded []string
}

// Plan is the immutable result of a diff: which users to upsert and
// which broker principals to delete.
type Plan struct {
	Upserts []idp.User
	Deletes []string
	DryRun  bool
}

// Compute builds a Plan from idpUsers and the set of broker principal
// names brokerPrincipals. Deletes are returned sorted lexicographically;
// upserts preserve idpUsers' order.
func Compute(idpUsers []idp.User, brokerPrincipals []string, opts Options, dryRun bool) Plan {
	brokerSet := make(map[string]struct{}, len(brokerPrincipals))
	for _, p := range brokerPrincipals {
		brokerSet[p] = struct{}{}
	}

	idpNames := make(map[string]struct{}, len(idpUsers))
	for _, u := range idpUsers {
		idpNames[u.Username] = struct{}{}
	}

	var upserts []idp.User
	for _, u := range idpUsers {
		_, hasCredential := brokerSet[u.Username]
		if !hasCredential || opts.AlwaysUpsert {
			upserts = append(upserts, u)
		}
	}

	var deletes []string
	for p := range brokerSet {
		if _, stillInIdP := idpNames[p]; stillInIdP {
			continue
		}
		if isExcluded(p, opts.Excluded) {
			continue
		}
		deletes = append(deletes, p)
	}
	sort.Strings(deletes)

	return Plan{Upserts: upserts, Deletes: deletes, DryRun: dryRun}
}

func isExcluded(principal string, excluded []string) bool {
	for _, pattern := range excluded {
		if strings.HasSuffix(pattern, "*") {
			prefix := strings.TrimSuffix(pattern, "*")
			if strings.HasPrefix(principal, prefix) {
				return true
			}
			continue
		}
		if principal == pattern {
			return true
		}
	}
	return false
}
