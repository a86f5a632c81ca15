package models

import (
	"sort"
	"strings"
	"time"
)

// Permission grants one action on one resource.
type Permission struct {
	Resource string `json:"resource" yaml:"resource"`
	Action   string `json:"action" yaml:"action"`
}

// String renders the permission as "resource:action".
func (p Permission) String() string {
	return p.Resource + ":" + p.Action
}

// ParsePermission parses "resource:action". ok is false for malformed input.
func ParsePermission(s string) (Permission, bool) {
	res, act, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found || res == "" || act == "" {
		return Permission{}, false
	}
	return Permission{Resource: res, Action: act}, true
}

// PermissionSet is an immutable-by-convention set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from "resource:action" strings, skipping malformed entries.
func NewPermissionSet(perms ...string) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, s := range perms {
		if p, ok := ParsePermission(s); ok {
			set[p] = struct{}{}
		}
	}
	return set
}

// Has reports whether the exact permission is in the set.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Intersect returns the permissions present in both sets.
func (s PermissionSet) Intersect(other PermissionSet) PermissionSet {
	out := make(PermissionSet)
	for p := range s {
		if other.Has(p) {
			out[p] = struct{}{}
		}
	}
	return out
}

// Strings returns the sorted "resource:action" form of the set.
func (s PermissionSet) Strings() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p.String())
	}
	sort.Strings(out)
	return out
}

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// AuditEvent records a security-relevant or administrative event.
type AuditEvent struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id,omitempty"`
	ActorKind string         `json:"actor_kind,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Severity  string         `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"request_id,omitempty"`
	ClientIP  string         `json:"client_ip,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}
