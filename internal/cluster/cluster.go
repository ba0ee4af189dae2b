// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cluster groups identifier sets that are connected by shared
// identifiers.
//
// Two sets belong to the same group when a chain of sets, each sharing at
// least one identifier with the next, connects them. The grouping is the
// set of connected components of the overlap graph, so it does not depend
// on the order the sets are given in.
package cluster

import (
	"sort"

	"github.com/juju/collections/set"
)

// Cluster partitions the given sets into groups of transitively
// overlapping sets and returns the union of each group. Groups made of more
// than one input set are returned as clusters; input sets overlapping no
// other set are returned as singletons. Empty sets are ignored.
//
// Both results are ordered by the smallest identifier of each entry.
func Cluster(sets []set.Strings) (clusters, singletons []set.Strings) {
	for _, group := range Components(sets) {
		union := set.NewStrings()
		for _, i := range group {
			union = union.Union(sets[i])
		}
		if len(group) > 1 {
			clusters = append(clusters, union)
		} else {
			singletons = append(singletons, union)
		}
	}
	sortByFirst(clusters)
	sortByFirst(singletons)
	return clusters, singletons
}

// Components returns the indices of the given sets grouped by connected
// component. Indices within a group are ascending and groups are ordered by
// their first index. Empty sets appear in no group.
func Components(sets []set.Strings) [][]int {
	uf := newUnionFind()
	for _, s := range sets {
		if s.IsEmpty() {
			continue
		}
		values := s.SortedValues()
		for _, v := range values[1:] {
			uf.union(values[0], v)
		}
		uf.add(values[0])
	}

	byRoot := make(map[string]int)
	var groups [][]int
	for i, s := range sets {
		if s.IsEmpty() {
			continue
		}
		root := uf.find(s.SortedValues()[0])
		g, ok := byRoot[root]
		if !ok {
			g = len(groups)
			byRoot[root] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}

func sortByFirst(entries []set.Strings) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SortedValues()[0] < entries[j].SortedValues()[0]
	})
}

// unionFind is a disjoint-set forest over identifiers, with path
// compression and union by rank.
type unionFind struct {
	parent map[string]string
	rank   map[string]int
}

func newUnionFind() *unionFind {
	return &unionFind{
		parent: make(map[string]string),
		rank:   make(map[string]int),
	}
}

func (u *unionFind) add(x string) {
	if _, ok := u.parent[x]; !ok {
		u.parent[x] = x
	}
}

func (u *unionFind) find(x string) string {
	u.add(x)
	root := x
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for x != root {
		next := u.parent[x]
		u.parent[x] = root
		x = next
	}
	return root
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}
