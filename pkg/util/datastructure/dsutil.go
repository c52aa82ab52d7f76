package datastructure

import "sort"

func StringSliceToSet(ss []string) map[string]struct{} {
	sset := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		sset[s] = struct{}{}
	}
	return sset
}

func StringSetToSortedSlice(sset map[string]struct{}) []string {
	ss := make([]string, 0, len(sset))
	for s := range sset {
		ss = append(ss, s)
	}
	sort.Strings(ss)
	return ss
}
