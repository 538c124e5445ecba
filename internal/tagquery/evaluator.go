package tagquery

// TagSet is a normalized set of tags, used as the right-hand side of Eval.
type TagSet map[string]struct{}

// NewTagSet normalizes and collects a slice of raw tags into a TagSet.
func NewTagSet(tags []string) TagSet {
	s := make(TagSet, len(tags))
	for _, t := range tags {
		s[Normalize(t)] = struct{}{}
	}
	return s
}

func (s TagSet) has(tag string) bool {
	_, ok := s[tag]
	return ok
}

// Eval evaluates an AST against a tag set. It is pure and total: for any AST
// and any TagSet it always returns a boolean, never an error. The empty AST
// always evaluates to false.
func Eval(a *AST, tags TagSet) bool {
	if a.IsEmpty() {
		return false
	}
	switch a.Kind {
	case KindTag:
		return tags.has(a.Tag)
	case KindNot:
		return !Eval(a.Children[0], tags)
	case KindGroup:
		return Eval(a.Children[0], tags)
	case KindAnd:
		for _, c := range a.Children {
			if !Eval(c, tags) {
				return false
			}
		}
		return true
	case KindOr:
		for _, c := range a.Children {
			if Eval(c, tags) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
