package locator

import "strings"

// Predicate selects among candidate executable paths.
type Predicate func(path string) bool

// StartsWith matches paths whose leading elements equal those of prefix, e.g.
// StartsWith(`C:\Program Files\Git\cmd`). Elements are compared whole, so
// "/usr/lo" does not match "/usr/local/bin/git". Either separator is accepted.
func StartsWith(prefix string) Predicate {
	want := elements(prefix)
	return func(path string) bool {
		got := elements(path)
		return len(got) >= len(want) && equalElements(got[:len(want)], want)
	}
}

// EndsWith matches paths whose trailing elements equal those of suffix, e.g.
// EndsWith("cmd/git.exe").
func EndsWith(suffix string) Predicate {
	want := elements(suffix)
	return func(path string) bool {
		got := elements(path)
		return len(got) >= len(want) && equalElements(got[len(got)-len(want):], want)
	}
}

// And matches when every predicate matches.
func And(preds ...Predicate) Predicate {
	return func(path string) bool {
		for _, p := range preds {
			if !p(path) {
				return false
			}
		}
		return true
	}
}

// Or matches when any predicate matches.
func Or(preds ...Predicate) Predicate {
	return func(path string) bool {
		for _, p := range preds {
			if p(path) {
				return true
			}
		}
		return false
	}
}

// Not inverts p.
func Not(p Predicate) Predicate {
	return func(path string) bool {
		return !p(path)
	}
}

// elements splits a path on both separators. A leading separator becomes a
// "/" root element so absolute and relative paths never compare equal.
func elements(path string) []string {
	isSep := func(r rune) bool { return r == '/' || r == '\\' }
	parts := strings.FieldsFunc(path, isSep)
	if path != "" && isSep(rune(path[0])) {
		return append([]string{"/"}, parts...)
	}
	return parts
}

func equalElements(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
