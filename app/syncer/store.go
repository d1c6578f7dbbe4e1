package syncer

import (
	"sort"
	"sync"
)

// Store is the in-memory job collection, the single source of truth for
// everything rendered to the user. The engine loop is the only writer, readers
// (the local web API) take snapshots under the read lock.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

// NewStore makes an empty job store
func NewStore() *Store {
	return &Store{jobs: map[string]Job{}}
}

// Get returns a copy of the job and true if present
func (s *Store) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Put inserts or wholesale-replaces a job. Used for first sightings only,
// updates of known jobs go through Merge to keep locally-set fields.
func (s *Store) Put(j Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
}

// Merge applies a fetched record field-by-field onto the stored one. Fields
// the fetch didn't carry (zero values) keep whatever the store already has, so
// a partial fetch can't clobber an in-flight feedback comment. Inserts the
// record as-is if the id is not present yet. Repeated applies of the same
// record are no-ops, which keeps out-of-order fetch resolution safe.
func (s *Store) Merge(in Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[in.ID]
	if !ok {
		s.jobs[in.ID] = in
		return
	}

	cur.Status = in.Status
	if in.UserID != "" {
		cur.UserID = in.UserID
	}
	if !in.Created.IsZero() {
		cur.Created = in.Created
	}
	if in.Updated != nil {
		cur.Updated = in.Updated
	}
	if in.RequestType != "" {
		cur.RequestType = in.RequestType
	}
	if in.Prompt != "" {
		cur.Prompt = in.Prompt
	}
	if in.Response != "" {
		cur.Response = in.Response
	}
	if in.Runtime != 0 {
		cur.Runtime = in.Runtime
	}
	if in.Metadata != "" {
		cur.Metadata = in.Metadata
	}
	if in.FeedbackComment != "" {
		cur.FeedbackComment = in.FeedbackComment
	}
	if in.FeedbackResult != 0 {
		cur.FeedbackResult = in.FeedbackResult
	}
	s.jobs[in.ID] = cur
}

// SetFeedbackComment writes a comment onto the stored job, the optimistic half
// of the feedback mutation. No-op if the job is gone.
func (s *Store) SetFeedbackComment(id, comment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.FeedbackComment = comment
		s.jobs[id] = j
	}
}

// Remove deletes the job, no-op if absent
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// Clear drops all jobs, used on session switch
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = map[string]Job{}
}

// Len returns the number of stored jobs
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// List returns a snapshot of all jobs sorted by effective timestamp
// descending, i.e. most recently touched first.
func (s *Store) List() []Job {
	s.mu.RLock()
	res := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		res = append(res, j)
	}
	s.mu.RUnlock()

	sort.Slice(res, func(i, k int) bool {
		ti, tk := res[i].EffectiveTime(), res[k].EffectiveTime()
		if ti.Equal(tk) {
			return res[i].ID < res[k].ID // stable order for equal timestamps
		}
		return ti.After(tk)
	})
	return res
}
