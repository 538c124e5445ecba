// Package serverindex provides an O(1) tag→server lookup over the current
// configuration generation. An Index is immutable; every generation change
// rebuilds it wholesale instead of mutating in place.
package serverindex

import (
	"sort"

	"onemcp/internal/config"
	"onemcp/internal/tagquery"
)

// entry is one server's resolved descriptor plus its normalized tag set.
type entry struct {
	descriptor     config.ServerDescriptor
	normalizedTags tagquery.TagSet
}

// Index is an immutable snapshot built from a descriptor map. A new Index
// must be built (cheap) on every generation change; a caller must not
// consult an Index built before the first generation — use Empty() for that
// case so lookups return empty sets rather than panicking.
type Index struct {
	entries     map[string]entry
	byTag       map[string]map[string]struct{} // normalized tag -> set<server name>
	popularTags []TagCount
	generation  uint64
}

// TagCount is one entry of the popularity-ordered tag list.
type TagCount struct {
	Tag   string
	Count int
}

// Empty returns a ready-to-use, empty Index — the state before any
// generation has been built.
func Empty() *Index {
	return &Index{entries: map[string]entry{}, byTag: map[string]map[string]struct{}{}}
}

// Build constructs a new Index from a generation's descriptor map.
func Build(descriptors map[string]config.ServerDescriptor, generation uint64) *Index {
	idx := &Index{
		entries:    make(map[string]entry, len(descriptors)),
		byTag:      make(map[string]map[string]struct{}),
		generation: generation,
	}
	for name, desc := range descriptors {
		tags := tagquery.NewTagSet(desc.Tags)
		idx.entries[name] = entry{descriptor: desc, normalizedTags: tags}
		for tag := range tags {
			set, ok := idx.byTag[tag]
			if !ok {
				set = make(map[string]struct{})
				idx.byTag[tag] = set
			}
			set[name] = struct{}{}
		}
	}
	idx.popularTags = computePopularTags(idx.byTag)
	return idx
}

func computePopularTags(byTag map[string]map[string]struct{}) []TagCount {
	counts := make([]TagCount, 0, len(byTag))
	for tag, set := range byTag {
		counts = append(counts, TagCount{Tag: tag, Count: len(set)})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Tag < counts[j].Tag
	})
	return counts
}

// Generation reports which configuration generation this Index was built for.
func (idx *Index) Generation() uint64 { return idx.generation }

// PopularTags returns tags ordered by descending server-count, ties broken
// lexicographically.
func (idx *Index) PopularTags() []TagCount {
	out := make([]TagCount, len(idx.popularTags))
	copy(out, idx.popularTags)
	return out
}

// ByTag returns the set of server names carrying the given (raw) tag.
func (idx *Index) ByTag(tag string) map[string]struct{} {
	return cloneSet(idx.byTag[tagquery.Normalize(tag)])
}

// ByAnyTag returns the union of ByTag across all given tags (invariant 2:
// byAnyTag(T) = ⋃ byTag(t)).
func (idx *Index) ByAnyTag(tags []string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, t := range tags {
		for name := range idx.byTag[tagquery.Normalize(t)] {
			out[name] = struct{}{}
		}
	}
	return out
}

// ByAllTags returns the intersection of ByTag across all given tags
// (invariant 2: byAllTags(T) = ⋂ byTag(t)). An empty tag list returns all
// server names, matching the "vacuous AND" convention of tagquery.Eval;
// Evaluate, by contrast, returns an empty set for an And node with no
// children.
func (idx *Index) ByAllTags(tags []string) map[string]struct{} {
	if len(tags) == 0 {
		return idx.All()
	}
	result := idx.ByTag(tags[0])
	for _, t := range tags[1:] {
		next := idx.byTag[tagquery.Normalize(t)]
		result = intersect(result, next)
		if len(result) == 0 {
			return result
		}
	}
	return result
}

// All returns every server name currently indexed.
func (idx *Index) All() map[string]struct{} {
	out := make(map[string]struct{}, len(idx.entries))
	for name := range idx.entries {
		out[name] = struct{}{}
	}
	return out
}

// Descriptor returns the descriptor for a server name, if indexed.
func (idx *Index) Descriptor(name string) (config.ServerDescriptor, bool) {
	e, ok := idx.entries[name]
	return e.descriptor, ok
}

// Evaluate recurses a tag AST against the index: a leaf Tag(t) returns
// ByTag(t); Not(c) returns All minus eval(c); And intersects child sets with
// early exit when empty; Or unions; Group is transparent.
func (idx *Index) Evaluate(ast *tagquery.AST) map[string]struct{} {
	if ast.IsEmpty() {
		return map[string]struct{}{}
	}
	switch ast.Kind {
	case tagquery.KindTag:
		return idx.ByTag(ast.Tag)
	case tagquery.KindNot:
		return difference(idx.All(), idx.Evaluate(ast.Children[0]))
	case tagquery.KindGroup:
		return idx.Evaluate(ast.Children[0])
	case tagquery.KindAnd:
		var result map[string]struct{}
		for i, c := range ast.Children {
			next := idx.Evaluate(c)
			if i == 0 {
				result = next
			} else {
				result = intersect(result, next)
			}
			if len(result) == 0 {
				return result
			}
		}
		return result
	case tagquery.KindOr:
		result := make(map[string]struct{})
		for _, c := range ast.Children {
			for name := range idx.Evaluate(c) {
				result[name] = struct{}{}
			}
		}
		return result
	default:
		return map[string]struct{}{}
	}
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	small, big := a, b
	if len(b) < len(a) {
		small, big = b, a
	}
	for k := range small {
		if _, ok := big[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

func difference(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for k := range a {
		if _, ok := b[k]; !ok {
			out[k] = struct{}{}
		}
	}
	return out
}
