// Package sessions builds session keys and persists session state on disk.
//
// Session keys have the canonical form:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the conversation:
//
//	DM:     {channel}:direct:{peerId}
//	Group:  {channel}:group:{groupId}
//	Thread: {channel}:group:{groupId}:thread:{threadId}
//
// Examples:
//
//	agent:default:webchat:direct:c-42
//	agent:default:slack:group:C01ABCDEF
//	agent:default:slack:group:C01ABCDEF:thread:1712345678.000100
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// DM scope modes.
const (
	DMScopeMain           = "main"
	DMScopePerPeer        = "per-peer"
	DMScopePerChannelPeer = "per-channel-peer"
)

// BuildSessionKey builds the canonical agent session key for a channel conversation.
func BuildSessionKey(agentID, channel string, kind PeerKind, chatID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, kind, chatID)
}

// BuildThreadSessionKey appends a thread suffix to a base key. Threads
// get their own session so parallel threads in one chat never share
// history or queue state.
func BuildThreadSessionKey(base, threadID string) string {
	if threadID == "" {
		return base
	}
	return base + ":thread:" + threadID
}

// BuildScopedSessionKey builds the session key according to dmScope.
// Groups always use the full per-channel key.
//
//	main             -> agent:{agentId}:main
//	per-peer         -> agent:{agentId}:direct:{peerId}
//	per-channel-peer -> agent:{agentId}:{channel}:direct:{peerId} (default)
func BuildScopedSessionKey(agentID, channel string, kind PeerKind, chatID, dmScope string) string {
	if kind == PeerGroup {
		return BuildSessionKey(agentID, channel, kind, chatID)
	}
	switch dmScope {
	case DMScopeMain:
		return fmt.Sprintf("agent:%s:main", agentID)
	case DMScopePerPeer:
		return fmt.Sprintf("agent:%s:direct:%s", agentID, chatID)
	default:
		return BuildSessionKey(agentID, channel, kind, chatID)
	}
}

// ParseSessionKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// PeerKindFromString maps a channel-supplied peer kind, defaulting to direct.
func PeerKindFromString(s string) PeerKind {
	if PeerKind(s) == PeerGroup {
		return PeerGroup
	}
	return PeerDirect
}
