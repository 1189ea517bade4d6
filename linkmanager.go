package twine

import "sync"

// LinkManager binds a single Receiver to every Link it is told about, so a
// Router can pass itself once and have that binding hold uniformly for
// links added before or after construction.
type LinkManager struct {
	receiver Receiver

	mu    sync.Mutex
	links map[Link]struct{}
}

// NewLinkManager constructs a LinkManager that will attach r to every Link
// passed to AddLink.
func NewLinkManager(r Receiver) *LinkManager {
	return &LinkManager{
		receiver: r,
		links:    make(map[Link]struct{}),
	}
}

// AddLink records l and attaches the manager's receiver to it.
func (m *LinkManager) AddLink(l Link) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.links[l] = struct{}{}
	l.AttachReceiver(m.receiver)
}

// RemoveLink detaches the manager's receiver from l and forgets it.
func (m *LinkManager) RemoveLink(l Link) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.links, l)
	l.DetachReceiver(m.receiver)
}

// Links returns a snapshot of the currently managed links. Mutating the
// returned slice has no effect on the manager.
func (m *LinkManager) Links() []Link {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Link, 0, len(m.links))
	for l := range m.links {
		out = append(out, l)
	}
	return out
}
