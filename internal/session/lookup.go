package session

import (
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Filter narrows a Lookup walk. Zero values match everything.
type Filter struct {
	Principal string
	IP        string
	Date      string // YYYY-MM-DD
	State     State
}

func (f Filter) matches(s *Session) bool {
	if f.Principal != "" && s.Principal != f.Principal {
		return false
	}
	if f.IP != "" && s.IP != f.IP {
		return false
	}
	if f.State != "" && s.State != f.State {
		return false
	}
	return true
}

// Lookup returns a lazy, restartable sequence of session records matching
// the filter. It walks the per-date directory tree one file at a time, so
// a year of audit logs never has to fit in memory. Unreadable files are
// yielded as errors and the walk continues.
func (r *Registry) Lookup(filter Filter) iter.Seq2[*Session, error] {
	return func(yield func(*Session, error) bool) {
		dates, err := os.ReadDir(r.root)
		if err != nil {
			yield(nil, err)
			return
		}

		var dateNames []string
		for _, d := range dates {
			if !d.IsDir() {
				continue
			}
			if filter.Date != "" && d.Name() != filter.Date {
				continue
			}
			dateNames = append(dateNames, d.Name())
		}
		sort.Strings(dateNames)

		for _, date := range dateNames {
			dir := filepath.Join(r.root, date)
			entries, err := os.ReadDir(dir)
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}

			var names []string
			for _, e := range entries {
				if !e.IsDir() && strings.HasSuffix(e.Name(), logSuffix) {
					names = append(names, e.Name())
				}
			}
			sort.Strings(names)

			for _, name := range names {
				s, err := parseLogFile(filepath.Join(dir, name))
				if err != nil {
					if !yield(nil, err) {
						return
					}
					continue
				}
				if !filter.matches(s) {
					continue
				}
				if !yield(s, nil) {
					return
				}
			}
		}
	}
}
