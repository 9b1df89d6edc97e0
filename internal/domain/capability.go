// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package domain

import "time"

// MemberKind tags a Capability member as either a raw tool or a nested
// capability. Members are a tagged sum, never a structural-typing trick,
// because a capability's member list must be able to hold both kinds side
// by side and survive a round trip through the GraphStore's snapshot
// without reflection.
type MemberKind string

const (
	MemberKindTool       MemberKind = "tool"
	MemberKindCapability MemberKind = "capability"
)

// Member is one entry in a Capability's ordered member list.
type Member struct {
	Kind MemberKind
	ID   string
}

// Capability is a named, reusable sequence of tool invocations that
// historically satisfied a class of intents. Capabilities are never stored
// as a cyclic parent/child object graph — parent/child relations are id
// edges resolved through the GraphStore — so this struct only ever holds
// ids, never pointers to other Capability values.
type Capability struct {
	ID              string // UUID
	Namespace       string
	Action          string
	FQDN            string // org.project.namespace.action.hash
	IntentEmbedding Embedding
	Members         []Member
	HierarchyLevel  int

	SuccessCount int64
	UsageCount   int64

	Tags       []string
	Visibility string // e.g. "private", "shared"

	CodeSnippet string // optional

	// ParentIDs are capabilities that list this one as a member. Stored as
	// ids, resolved through GraphStore snapshots at traversal time.
	ParentIDs []string

	CreatedAt time.Time
	UpdatedAt time.Time

	// Deleted marks a soft-deleted (anonymized) capability. Soft delete
	// preserves the id and hyperedge bookkeeping invariants while removing
	// identifying fields.
	Deleted bool
}

// SuccessRate returns 0 for a capability never executed.
func (c *Capability) SuccessRate() float64 {
	if c.UsageCount == 0 {
		return 0
	}
	return float64(c.SuccessCount) / float64(c.UsageCount)
}

// ToolsUsed flattens the member list to the tool ids it directly or
// transitively references is NOT performed here (that requires graph
// traversal); this returns only the directly-listed tool members, used by
// SHGAT's toolsOverlap signal for a first-order approximation.
func (c *Capability) ToolsUsed() []string {
	tools := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		if m.Kind == MemberKindTool {
			tools = append(tools, m.ID)
		}
	}
	return tools
}

// HyperedgeID returns the deterministic hyperedge id for this capability:
// `cap__{capabilityId}`.
func (c *Capability) HyperedgeID() string {
	return HyperedgeID(c.ID)
}

// HyperedgeID derives the hyperedge id for a capability id without
// requiring a *Capability value (used during deletion, when only the id is
// known).
func HyperedgeID(capabilityID string) string {
	return "cap__" + capabilityID
}

// AnonymizeSoftDelete clears identifying fields while preserving the id,
// member list, and counts so "a capability's hyperedge exists iff the
// capability exists" can still be checked after deletion by callers that
// keep a tombstone around.
func (c *Capability) AnonymizeSoftDelete() {
	c.Namespace = ""
	c.Action = ""
	c.FQDN = ""
	c.Tags = nil
	c.CodeSnippet = ""
	c.Visibility = "deleted"
	c.Deleted = true
	c.UpdatedAt = time.Now()
}
