// Package tenancy derives the lease name and policy-object name for a
// (network, pool, region) tuple, keeping unrelated pools and networks from
// colliding in the object store's flat namespaces.
package tenancy

import "strings"

// knownPoolPrefixes lists pool-ID prefixes the source treats as
// "well-formed" and worth a longer truncation. Mirrors
// original_source/src/forgemanager.py's get_pool_short_id.
var knownPoolPrefixes = []string{"pool1", "pool"}

// Key is the isolation unit under which lease and policy names are derived.
type Key struct {
	Network string
	PoolID  string
	Region  string
}

// PoolShort truncates PoolID per the source's (buggy) convention: 10
// characters if the ID begins with a known prefix, 8 otherwise.
//
// This can collide for two pools sharing the same prefix and first 8-10
// characters; it is reproduced intentionally rather than fixed, per the
// project's documented limitation (see DESIGN.md).
func (k Key) PoolShort() string {
	n := 8
	for _, p := range knownPoolPrefixes {
		if strings.HasPrefix(k.PoolID, p) {
			n = 10
			break
		}
	}
	if len(k.PoolID) < n {
		return k.PoolID
	}
	return k.PoolID[:n]
}

// LeaseName is the derived local-lease resource name.
func (k Key) LeaseName() string {
	return "forge-leader-" + k.Network + "-" + k.PoolShort()
}

// PolicyName is the derived cluster-scoped policy-object name.
func (k Key) PolicyName() string {
	return k.Network + "-" + k.PoolShort() + "-" + k.Region
}
