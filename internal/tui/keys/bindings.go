package keys

import "github.com/gdamore/tcell/v2"

// Action is one key binding.
type Action struct {
	Key     tcell.Key
	Rune    rune
	Handler func()
}

// Matches returns true if the event matches this action.
func (a *Action) Matches(ev *tcell.EventKey) bool {
	if a.Key != tcell.KeyRune {
		return ev.Key() == a.Key
	}
	return ev.Key() == tcell.KeyRune && ev.Rune() == a.Rune
}

// Registry holds bindings per page plus a global fallback set. Bindings are
// matched in registration order.
type Registry struct {
	global []*Action
	pages  map[string][]*Action
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pages: make(map[string][]*Action)}
}

// Global binds a key on every page.
func (r *Registry) Global(key tcell.Key, ch rune, fn func()) {
	r.global = append(r.global, &Action{Key: key, Rune: ch, Handler: fn})
}

// Page binds a key on a single page. Page bindings shadow global ones.
func (r *Registry) Page(page string, key tcell.Key, ch rune, fn func()) {
	r.pages[page] = append(r.pages[page], &Action{Key: key, Rune: ch, Handler: fn})
}

// Rune is shorthand for a printable key.
func (r *Registry) Rune(page string, ch rune, fn func()) {
	r.Page(page, tcell.KeyRune, ch, fn)
}

// HandleEvent runs the first binding matching ev on page and reports whether
// one matched.
func (r *Registry) HandleEvent(page string, ev *tcell.EventKey) bool {
	for _, a := range r.pages[page] {
		if a.Matches(ev) {
			a.Handler()
			return true
		}
	}
	for _, a := range r.global {
		if a.Matches(ev) {
			a.Handler()
			return true
		}
	}
	return false
}
