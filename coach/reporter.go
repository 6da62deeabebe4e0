package coach

import (
	"errors"
	"sync"
)

var (
	ErrNotComplete      = errors.New("coach: finalize called before the session completed")
	ErrAlreadyFinalized = errors.New("coach: session outcome already finalized")
)

// Reporter owns the completion state machine:
//
//	Active --Stage--> Locking --Settle--> Complete
//	Active --Skip--> Complete(NoOutcome)
//
// Complete is terminal and a staged outcome never changes.
type Reporter struct {
	mu        sync.Mutex
	state     SessionState
	staged    SessionOutcome
	finalized bool
}

func NewReporter() *Reporter {
	return &Reporter{state: Active}
}

func (r *Reporter) State() SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Staged returns the staged outcome, or nil while nothing has been staged.
func (r *Reporter) Staged() SessionOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.staged
}

// Stage moves an Active reporter to Locking with o as its outcome. Only
// commitments can be staged.
func (r *Reporter) Stage(o SessionOutcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Active || !IsCommitment(o) {
		return false
	}
	r.state = Locking
	r.staged = o
	return true
}

func (r *Reporter) Settle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Locking {
		return false
	}
	r.state = Complete
	return true
}

// Skip force-completes the reporter. From Active the outcome is NoOutcome;
// from Locking the already staged outcome is kept and settled immediately.
func (r *Reporter) Skip() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case Active:
		r.staged = NoOutcome{}
	case Locking:
	default:
		return false
	}
	r.state = Complete
	return true
}

// Finalize hands out the outcome. It is valid exactly once, in Complete.
func (r *Reporter) Finalize() (SessionOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Complete {
		return nil, ErrNotComplete
	}
	if r.finalized {
		return nil, ErrAlreadyFinalized
	}
	r.finalized = true
	return r.staged, nil
}

func (r *Reporter) Finalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalized
}
