package identity

import (
	"sync"

	"crewwatch/internal/execution"
)

// Pairer holds canonical IDs issued by the control plane that have not yet
// been bound to a framework-internal ID. It is a fallback for frameworks that
// do not pass the canonical ID through; drop it once they do.
type Pairer interface {
	// Add queues canonical as pending for kind.
	Add(canonical string, kind execution.Kind)
	// Remove drops canonical from the queue if present.
	Remove(canonical string)
	// Next pops the oldest pending ID for kind. An empty kind only pairs when
	// exactly one kind has pending IDs.
	Next(kind execution.Kind) (string, bool)
	// Len reports the number of pending IDs.
	Len() int
}

// FIFOPairer pairs in explicit insertion order, one queue per kind.
type FIFOPairer struct {
	mu     sync.Mutex
	queues map[execution.Kind][]string
}

// NewFIFOPairer returns an empty pairer.
func NewFIFOPairer() *FIFOPairer {
	return &FIFOPairer{queues: make(map[execution.Kind][]string)}
}

func (p *FIFOPairer) Add(canonical string, kind execution.Kind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, queue := range p.queues {
		for _, id := range queue {
			if id == canonical {
				return
			}
		}
	}
	p.queues[kind] = append(p.queues[kind], canonical)
}

func (p *FIFOPairer) Remove(canonical string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for kind, queue := range p.queues {
		for i, id := range queue {
			if id == canonical {
				p.queues[kind] = append(queue[:i:i], queue[i+1:]...)
				return
			}
		}
	}
}

func (p *FIFOPairer) Next(kind execution.Kind) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if kind == "" {
		for k, queue := range p.queues {
			if len(queue) == 0 {
				continue
			}
			if kind != "" {
				return "", false
			}
			kind = k
		}
		if kind == "" {
			return "", false
		}
	}

	queue := p.queues[kind]
	if len(queue) == 0 {
		return "", false
	}
	id := queue[0]
	p.queues[kind] = queue[1:]
	return id, true
}

func (p *FIFOPairer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, queue := range p.queues {
		n += len(queue)
	}
	return n
}
