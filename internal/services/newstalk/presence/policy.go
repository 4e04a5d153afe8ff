package presence

import (
	"fmt"
	"strings"
)

// Policy selects how ordinals are handed out and recycled.
type Policy string

const (
	// PolicyMonotonic hands out an ever-increasing counter value. An ordinal
	// is never reused, so a user's anonymous number stays fixed while they are
	// connected but gaps appear as others leave.
	PolicyMonotonic Policy = "monotonic"
	// PolicyCompacted keeps ordinals a permutation of 1..Len() in admission
	// order and renumbers after every release.
	PolicyCompacted Policy = "compacted"
)

// DefaultPolicy is used when configuration leaves the policy empty.
const DefaultPolicy = PolicyCompacted

// ParsePolicy maps a configuration value onto a Policy.
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return DefaultPolicy, nil
	case PolicyMonotonic:
		return PolicyMonotonic, nil
	case PolicyCompacted:
		return PolicyCompacted, nil
	default:
		return "", fmt.Errorf("unknown ordinal policy %q", raw)
	}
}

// SupportsReassign reports whether clients may request a full renumbering.
func (p Policy) SupportsReassign() bool {
	return p == PolicyCompacted
}

func (p Policy) String() string {
	return string(p)
}
