// Package access decides whether a sender may trigger agent processing.
// The evaluator is a pure predicate over configuration; it runs before any
// session or registry state is touched. Rejections are silent drops.
package access

import "strings"

// Policy names the access modes for a conversation context.
type Policy string

const (
	// PolicyOpen accepts every sender.
	PolicyOpen Policy = "open"
	// PolicyAllowlist accepts senders matching the allow-list.
	PolicyAllowlist Policy = "allowlist"
	// PolicyPairing (DM only) accepts unconditionally here and defers real
	// authorization to the pairing trust hook downstream.
	PolicyPairing Policy = "pairing"
	// PolicyDisabled rejects everything.
	PolicyDisabled Policy = "disabled"
)

// Wildcard in an allow-list accepts any sender.
const Wildcard = "*"

// Evaluator holds the resolved policy for one transport.
type Evaluator struct {
	transport      string
	dmPolicy       Policy
	groupPolicy    Policy
	allowFrom      []string
	groupAllowFrom []string
}

// NewEvaluator builds an evaluator. Empty policies default to allowlist for
// DMs and disabled for groups; an empty group allow-list falls back to the
// DM allow-list.
func NewEvaluator(transport string, dmPolicy, groupPolicy Policy, allowFrom, groupAllowFrom []string) *Evaluator {
	if dmPolicy == "" {
		dmPolicy = PolicyAllowlist
	}
	if groupPolicy == "" {
		groupPolicy = PolicyDisabled
	}
	return &Evaluator{
		transport:      strings.ToLower(transport),
		dmPolicy:       dmPolicy,
		groupPolicy:    groupPolicy,
		allowFrom:      allowFrom,
		groupAllowFrom: groupAllowFrom,
	}
}

// DMPolicy returns the configured direct-message policy.
func (e *Evaluator) DMPolicy() Policy { return e.dmPolicy }

// Allowed reports whether the sender may trigger processing in the given
// context. senderID is the stringified numeric ID; senderHandle may be
// empty.
func (e *Evaluator) Allowed(senderID, senderHandle string, group bool) bool {
	policy := e.dmPolicy
	list := e.allowFrom
	if group {
		policy = e.groupPolicy
		if len(e.groupAllowFrom) > 0 {
			list = e.groupAllowFrom
		}
	}

	switch policy {
	case PolicyDisabled:
		return false
	case PolicyOpen:
		return true
	case PolicyPairing:
		// Groups have no pairing mode; treat it as disabled there.
		return !group
	case PolicyAllowlist:
		return e.matches(list, senderID, senderHandle)
	default:
		return false
	}
}

// matches checks the sender against allow-list entries. Accepted forms per
// entry: the wildcard, the bare numeric ID, a transport-prefixed ID
// ("telegram:12345"), "@handle", or the bare handle.
func (e *Evaluator) matches(list []string, senderID, senderHandle string) bool {
	handle := strings.ToLower(strings.TrimPrefix(senderHandle, "@"))
	prefixed := e.transport + ":" + senderID
	for _, raw := range list {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if entry == Wildcard {
			return true
		}
		if entry == senderID || strings.EqualFold(entry, prefixed) {
			return true
		}
		if handle != "" && strings.ToLower(strings.TrimPrefix(entry, "@")) == handle {
			return true
		}
	}
	return false
}
