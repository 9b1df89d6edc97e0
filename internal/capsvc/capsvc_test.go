// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capsvc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/procedural-memory/pmcore/internal/domain"
	"github.com/procedural-memory/pmcore/internal/graphstore"
)

func newGraphWithCapability(t *testing.T, id string, members ...domain.Member) *graphstore.Store {
	t.Helper()
	g := graphstore.New()
	_, err := g.AddNode(domain.NodeKindCapability, id, nil, &domain.Capability{
		ID:        id,
		Namespace: "fs",
		Action:    "readFile",
		Members:   members,
	})
	require.NoError(t, err)
	return g
}

func TestLookup_ReturnsLiveCapability(t *testing.T) {
	g := newGraphWithCapability(t, "cap-1")
	svc := New(g, "", "")

	got, err := svc.Lookup("cap-1")
	require.NoError(t, err)
	require.Equal(t, "cap-1", got.ID)
}

func TestLookup_UnknownIDIsNotFound(t *testing.T) {
	g := graphstore.New()
	svc := New(g, "", "")

	_, err := svc.Lookup("missing")
	require.ErrorIs(t, err, domain.ErrNodeNotFound)
}

func TestRename_RejectsBadNamespace(t *testing.T) {
	g := newGraphWithCapability(t, "cap-1")
	svc := New(g, "", "")

	_, err := svc.Rename("cap-1", "Fs", "readFile")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRename_RejectsAutoGeneratedAction(t *testing.T) {
	g := newGraphWithCapability(t, "cap-1")
	svc := New(g, "", "")

	_, err := svc.Rename("cap-1", "fs", "exec_abc123")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRename_PreservesIDAndRecomputesFQDN(t *testing.T) {
	g := newGraphWithCapability(t, "cap-1")
	svc := New(g, "acme", "widgets")

	before, err := svc.Lookup("cap-1")
	require.NoError(t, err)

	renamed, err := svc.Rename("cap-1", "net", "fetchURL")
	require.NoError(t, err)
	require.Equal(t, before.ID, renamed.ID)
	require.Equal(t, "net", renamed.Namespace)
	require.Equal(t, "fetchURL", renamed.Action)
	require.Contains(t, renamed.FQDN, "acme.widgets.net.fetchURL.")
	require.NotEqual(t, before.FQDN, renamed.FQDN)
}

func TestWhois_FindsOwningCapabilities(t *testing.T) {
	g := graphstore.New()
	_, err := g.AddNode(domain.NodeKindTool, "fs:read", &domain.Tool{ID: "fs:read"}, nil)
	require.NoError(t, err)
	_, err = g.AddNode(domain.NodeKindCapability, "cap-owner", nil, &domain.Capability{
		ID:      "cap-owner",
		Members: []domain.Member{{Kind: domain.MemberKindTool, ID: "fs:read"}},
	})
	require.NoError(t, err)
	svc := New(g, "", "")

	result, err := svc.Whois("fs:read")
	require.NoError(t, err)
	require.Equal(t, []string{"cap-owner"}, result.Owners)
}

func TestMerge_UnionsMembersAndSumsCounts(t *testing.T) {
	g := graphstore.New()
	_, err := g.AddNode(domain.NodeKindTool, "fs:read", &domain.Tool{ID: "fs:read"}, nil)
	require.NoError(t, err)
	_, err = g.AddNode(domain.NodeKindTool, "fs:write", &domain.Tool{ID: "fs:write"}, nil)
	require.NoError(t, err)
	_, err = g.AddNode(domain.NodeKindCapability, "cap-target", nil, &domain.Capability{
		ID:           "cap-target",
		Members:      []domain.Member{{Kind: domain.MemberKindTool, ID: "fs:read"}},
		SuccessCount: 4,
		UsageCount:   5,
	})
	require.NoError(t, err)
	_, err = g.AddNode(domain.NodeKindCapability, "cap-source", nil, &domain.Capability{
		ID:           "cap-source",
		Members:      []domain.Member{{Kind: domain.MemberKindTool, ID: "fs:read"}, {Kind: domain.MemberKindTool, ID: "fs:write"}},
		SuccessCount: 2,
		UsageCount:   3,
	})
	require.NoError(t, err)
	require.NoError(t, g.AddHyperedge(&domain.Hyperedge{ID: domain.HyperedgeID("cap-source"), Sources: []string{"fs:read"}, Targets: []string{"cap-source"}}))

	svc := New(g, "", "")
	merged, err := svc.Merge("cap-target", "cap-source")
	require.NoError(t, err)
	require.Len(t, merged.Members, 2)
	require.Equal(t, int64(6), merged.SuccessCount)
	require.Equal(t, int64(8), merged.UsageCount)

	_, ok := g.GetHyperedge(domain.HyperedgeID("cap-source"))
	require.False(t, ok, "source hyperedge should have been removed")

	source, err := svc.Lookup("cap-source")
	require.ErrorIs(t, err, domain.ErrCapabilityGone)
	require.True(t, source.Deleted)
}

func TestMerge_RejectsSelfMerge(t *testing.T) {
	g := newGraphWithCapability(t, "cap-1")
	svc := New(g, "", "")

	_, err := svc.Merge("cap-1", "cap-1")
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestList_SkipsDeletedCapabilities(t *testing.T) {
	g := newGraphWithCapability(t, "cap-1")
	deleted := &domain.Capability{ID: "cap-2", Namespace: "fs", Action: "rm"}
	deleted.AnonymizeSoftDelete()
	_, err := g.AddNode(domain.NodeKindCapability, "cap-2", nil, deleted)
	require.NoError(t, err)

	svc := New(g, "", "")
	list := svc.List()
	require.Len(t, list, 1)
	require.Equal(t, "cap-1", list[0].ID)
}
