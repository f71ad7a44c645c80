package history

import "time"

// Filter selects loaded records. The zero Filter hides archived runs.
type Filter struct {
	Job             string
	IncludeArchived bool
	OnlyArchived    bool
	// Failed keeps runs with a non-zero exit code.
	Failed bool
	Since  time.Time
	Limit  int
}

func (f Filter) match(r RunRecord) bool {
	switch {
	case f.Job != "" && r.JobName != f.Job:
		return false
	case f.OnlyArchived && !r.Archived:
		return false
	case !f.OnlyArchived && !f.IncludeArchived && r.Archived:
		return false
	case f.Failed && !r.Failed():
		return false
	case !f.Since.IsZero() && r.Timestamp.Before(f.Since):
		return false
	}
	return true
}

// Filter returns the loaded records selected by f, newest first.
func (s *Service) Filter(f Filter) []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RunRecord
	for _, r := range s.records {
		if !f.match(r) {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}
