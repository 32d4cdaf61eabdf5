// Package sharding maps users onto logical and physical shards and
// publishes shard topology events.
package sharding

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/Sendhub/sh-util/pkg/settings"
)

var shardNameRe = regexp.MustCompile(`^shard_([0-9]+)$`)

// ShardNameToID extracts the numeric shard id from a connection name,
// e.g. "shard_3" -> 3.
func ShardNameToID(name string) (int64, error) {
	m := shardNameRe.FindStringSubmatch(name)
	if m == nil {
		return 0, fmt.Errorf("invalid shard name: %q", name)
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid shard name: %q", name)
	}
	return id, nil
}

// ShardIDToName renders the connection name for a physical shard id.
func ShardIDToName(id int64) string {
	return fmt.Sprintf("shard_%d", id)
}

// CoerceIDToShardName turns a bare shard id into a connection name.
// Values that are not all digits pass through unchanged, so already
// valid connection names are safe to coerce.
func CoerceIDToShardName(v string) string {
	if v == "" {
		return v
	}
	for _, c := range v {
		if c < '0' || c > '9' {
			return v
		}
	}
	return "shard_" + v
}

// Resource answers shard topology questions for one configuration.
type Resource struct {
	cfg *settings.Settings
}

// NewResource binds a Resource to the given settings.
func NewResource(cfg *settings.Settings) *Resource {
	return &Resource{cfg: cfg}
}

// AllShardConnectionNames returns every configured shard connection
// name ordered by shard id.
func (r *Resource) AllShardConnectionNames() []string {
	return r.cfg.ShardConnectionNames()
}

// LogicalShardID returns the logical shard a user id hashes to.
func (r *Resource) LogicalShardID(userID int64) int64 {
	return userID % int64(r.cfg.NumLogicalShards)
}
