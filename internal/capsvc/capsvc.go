// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package capsvc implements the capability-naming and lifecycle operations
// exposed over JSON-RPC as cap:list, cap:rename, cap:lookup, cap:whois and
// cap:merge. It sits above internal/graphstore the same way
// internal/postexec does: a thin, narrowly-interfaced orchestration layer
// that never reimplements graph bookkeeping.
package capsvc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/procedural-memory/pmcore/internal/domain"
	"github.com/procedural-memory/pmcore/internal/graphstore"
)

var (
	namespacePattern = regexp.MustCompile(`^[a-z][a-z0-9]*$`)
	actionPattern    = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)
	autoGeneratedExec = regexp.MustCompile(`^exec_?[0-9a-fA-F]+$`)
)

// Graph is the narrow slice of *graphstore.Store this service needs.
type Graph interface {
	GetNode(id string) (*graphstore.Node, bool)
	AddNode(kind domain.NodeKind, id string, tool *domain.Tool, capability *domain.Capability) (*graphstore.Node, error)
	RemoveHyperedge(capabilityID string)
	Snapshot() *graphstore.Snapshot
}

// Service answers capability naming and lifecycle queries.
type Service struct {
	graph Graph
	org   string
	project string
}

// New constructs a Service. org and project name the first two FQDN
// segments; an empty
// value falls back to "pmcore"/"capabilities".
func New(graph Graph, org, project string) *Service {
	if org == "" {
		org = "pmcore"
	}
	if project == "" {
		project = "capabilities"
	}
	return &Service{graph: graph, org: org, project: project}
}

// List returns every live capability, sorted by FQDN for a stable
// cap:list response.
func (s *Service) List() []domain.Capability {
	snap := s.graph.Snapshot()
	out := make([]domain.Capability, 0)
	snap.Nodes(func(id string, n *graphstore.Node) bool {
		if n.Kind == domain.NodeKindCapability && n.Capability != nil && !n.Capability.Deleted {
			out = append(out, *n.Capability)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].FQDN < out[j].FQDN })
	return out
}

// Lookup returns the live capability with the given id. For a soft-deleted
// capability it returns the tombstone together with ErrCapabilityGone.
func (s *Service) Lookup(id string) (domain.Capability, error) {
	node, ok := s.graph.GetNode(id)
	if !ok || node.Kind != domain.NodeKindCapability || node.Capability == nil {
		return domain.Capability{}, fmt.Errorf("%w: capability %q", domain.ErrNodeNotFound, id)
	}
	if node.Capability.Deleted {
		return *node.Capability, fmt.Errorf("%w: capability %q", domain.ErrCapabilityGone, id)
	}
	return *node.Capability, nil
}

// WhoisResult answers "who owns/uses this id": the capabilities that list
// it as a direct member, and (if id itself names a capability) its parent
// chain.
type WhoisResult struct {
	ID       string
	Kind     domain.NodeKind
	Owners   []string // capability ids that list id as a direct member
	Parents  []string // only set when id is itself a capability
}

// Whois reports which capabilities claim id as a member, the closest this
// module gets to the source's capability zone ownership query.
func (s *Service) Whois(id string) (WhoisResult, error) {
	node, ok := s.graph.GetNode(id)
	if !ok {
		return WhoisResult{}, fmt.Errorf("%w: %q", domain.ErrNodeNotFound, id)
	}

	result := WhoisResult{ID: id, Kind: node.Kind}
	if node.Kind == domain.NodeKindCapability && node.Capability != nil {
		result.Parents = append(result.Parents, node.Capability.ParentIDs...)
	}

	snap := s.graph.Snapshot()
	snap.Nodes(func(otherID string, n *graphstore.Node) bool {
		if n.Kind != domain.NodeKindCapability || n.Capability == nil || otherID == id {
			return true
		}
		for _, m := range n.Capability.Members {
			if m.ID == id {
				result.Owners = append(result.Owners, otherID)
				break
			}
		}
		return true
	})
	sort.Strings(result.Owners)
	return result, nil
}

// Rename validates and applies a new namespace/action to a capability,
// recomputing its FQDN while preserving the UUID.
func (s *Service) Rename(id, namespace, action string) (domain.Capability, error) {
	if !namespacePattern.MatchString(namespace) || len(namespace) > 20 {
		return domain.Capability{}, fmt.Errorf("%w: namespace %q must match %s and be 1-20 chars", domain.ErrInvalidInput, namespace, namespacePattern)
	}
	if !actionPattern.MatchString(action) || len(action) > 50 {
		return domain.Capability{}, fmt.Errorf("%w: action %q must match %s and be 1-50 chars", domain.ErrInvalidInput, action, actionPattern)
	}
	if autoGeneratedExec.MatchString(action) {
		return domain.Capability{}, fmt.Errorf("%w: action %q looks auto-generated (exec_/exec<hex>)", domain.ErrInvalidInput, action)
	}

	node, ok := s.graph.GetNode(id)
	if !ok || node.Kind != domain.NodeKindCapability || node.Capability == nil {
		return domain.Capability{}, fmt.Errorf("%w: capability %q", domain.ErrNodeNotFound, id)
	}

	renamed := *node.Capability
	renamed.Namespace = namespace
	renamed.Action = action
	renamed.FQDN = s.fqdn(renamed.ID, namespace, action)
	renamed.UpdatedAt = time.Now()

	if _, err := s.graph.AddNode(domain.NodeKindCapability, renamed.ID, nil, &renamed); err != nil {
		return domain.Capability{}, fmt.Errorf("%w: %s", domain.ErrInternal, err)
	}
	return renamed, nil
}

// Merge unions source's members into target, sums their usage/success
// counts, and removes source's hyperedge (the rewrite of target's own
// hyperedge is left to GraphSyncController/capability.merged, matching
// internal/syncctl's handling of EventZoneMerged).
func (s *Service) Merge(targetID, sourceID string) (domain.Capability, error) {
	if targetID == sourceID {
		return domain.Capability{}, fmt.Errorf("%w: cannot merge a capability into itself", domain.ErrConflict)
	}

	targetNode, ok := s.graph.GetNode(targetID)
	if !ok || targetNode.Kind != domain.NodeKindCapability || targetNode.Capability == nil {
		return domain.Capability{}, fmt.Errorf("%w: target capability %q", domain.ErrNodeNotFound, targetID)
	}
	sourceNode, ok := s.graph.GetNode(sourceID)
	if !ok || sourceNode.Kind != domain.NodeKindCapability || sourceNode.Capability == nil {
		return domain.Capability{}, fmt.Errorf("%w: source capability %q", domain.ErrNodeNotFound, sourceID)
	}

	target := *targetNode.Capability
	source := *sourceNode.Capability

	merged := mergeMembers(target.Members, source.Members)
	target.Members = merged
	target.SuccessCount += source.SuccessCount
	target.UsageCount += source.UsageCount
	target.UpdatedAt = time.Now()

	if _, err := s.graph.AddNode(domain.NodeKindCapability, target.ID, nil, &target); err != nil {
		return domain.Capability{}, fmt.Errorf("%w: %s", domain.ErrInternal, err)
	}

	source.AnonymizeSoftDelete()
	if _, err := s.graph.AddNode(domain.NodeKindCapability, source.ID, nil, &source); err != nil {
		return domain.Capability{}, fmt.Errorf("%w: %s", domain.ErrInternal, err)
	}
	s.graph.RemoveHyperedge(source.ID)

	return target, nil
}

func mergeMembers(a, b []domain.Member) []domain.Member {
	seen := make(map[domain.Member]bool, len(a)+len(b))
	out := make([]domain.Member, 0, len(a)+len(b))
	for _, m := range append(append([]domain.Member{}, a...), b...) {
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// fqdn computes org.project.namespace.action.hash, where hash is the first
// eight hex characters of sha256(id) so the FQDN changes with rename but
// stays stable for a given capability id plus name pair.
func (s *Service) fqdn(id, namespace, action string) string {
	sum := sha256.Sum256([]byte(id))
	hash := hex.EncodeToString(sum[:])[:8]
	return fmt.Sprintf("%s.%s.%s.%s.%s", s.org, s.project, namespace, action, hash)
}
