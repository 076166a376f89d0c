package covers

import (
	"sync"
)

// Progress tracks which covers of a resolution are still loading. A nil
// *Progress is valid and records nothing.
type Progress struct {
	mu       sync.Mutex
	loading  map[string]bool
	loaded   int
	total    int
	onChange func(loaded, total int)
}

// NewProgress returns an empty tracker. onChange, if set, runs after every
// change with the lock released.
func NewProgress(onChange func(loaded, total int)) *Progress {
	return &Progress{
		loading:  make(map[string]bool),
		onChange: onChange,
	}
}

// Start marks ids as loading. Ids already tracked are not counted twice.
func (p *Progress) Start(ids []string) {
	if p == nil {
		return
	}

	p.mu.Lock()
	for _, id := range ids {
		if _, seen := p.loading[id]; seen {
			continue
		}
		p.loading[id] = true
		p.total++
	}
	loaded, total := p.loaded, p.total
	p.mu.Unlock()

	p.notify(loaded, total)
}

// Done clears the loading flag of id. It returns false if id was not loading,
// so each id is only ever counted once.
func (p *Progress) Done(id string) bool {
	if p == nil {
		return false
	}

	p.mu.Lock()
	if !p.loading[id] {
		p.mu.Unlock()
		return false
	}
	p.loading[id] = false
	p.loaded++
	loaded, total := p.loaded, p.total
	p.mu.Unlock()

	p.notify(loaded, total)
	return true
}

// Stop clears every remaining loading flag without counting those ids as loaded
func (p *Progress) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	for id, loading := range p.loading {
		if loading {
			p.loading[id] = false
		}
	}
	p.mu.Unlock()
}

// Loading reports whether id is still being resolved
func (p *Progress) Loading(id string) bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading[id]
}

// Counts returns loaded and total
func (p *Progress) Counts() (int, int) {
	if p == nil {
		return 0, 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded, p.total
}

func (p *Progress) notify(loaded, total int) {
	if p.onChange != nil {
		p.onChange(loaded, total)
	}
}
