package names

import (
	"context"
	"strings"
)

// List supplies the candidate names for one report generation. The returned
// slice must not be modified by the caller.
type List interface {
	Names(ctx context.Context) ([]string, error)
}

var (
	_ List = (*StaticList)(nil)
	_ List = FuncList(nil)
)

// StaticList is a fixed list of names. Blank entries are dropped and
// duplicates collapse onto their first occurrence, so indices are stable for
// a given input.
type StaticList struct {
	names []string
}

func NewStaticList(names []string) *StaticList {
	return &StaticList{normalize(names)}
}

// normalize trims names, drops blanks and keeps the first occurrence of each
// duplicate. Selection draws distinct indices, so it needs distinct entries.
func normalize(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func (l *StaticList) Names(context.Context) ([]string, error) {
	return l.names, nil
}

func (l *StaticList) Len() int {
	return len(l.names)
}

// FuncList adapts a function that supplies names dynamically, e.g. from a
// registry. The result may contain blanks or duplicates; RandomSource
// normalizes it the same way NewStaticList does.
type FuncList func(ctx context.Context) ([]string, error)

func (f FuncList) Names(ctx context.Context) ([]string, error) {
	return f(ctx)
}
