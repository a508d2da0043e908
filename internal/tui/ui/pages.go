package ui

import "github.com/rivo/tview"

// Pages is a stack of named components over tview.Pages. Every page is
// registered once with Add and then pushed or popped by name.
type Pages struct {
	*tview.Pages
	components map[string]Component
	stack      []string
	onChange   func(top Component, trail []string)
}

// NewPages creates an empty page stack.
func NewPages() *Pages {
	return &Pages{
		Pages:      tview.NewPages(),
		components: make(map[string]Component),
	}
}

// SetOnChange sets a callback fired whenever the top of the stack changes.
func (p *Pages) SetOnChange(fn func(top Component, trail []string)) {
	p.onChange = fn
}

// Add registers a hidden page.
func (p *Pages) Add(name string, c Component, prim tview.Primitive) {
	p.components[name] = c
	p.AddPage(name, prim, true, false)
}

// Push shows name on top of the stack. Pushing the current top is a no-op.
func (p *Pages) Push(name string) {
	if p.Current() == name {
		return
	}
	if top := p.Current(); top != "" {
		p.HidePage(top)
	}
	p.stack = append(p.stack, name)
	p.ShowPage(name)
	p.SendToFront(name)
	p.notify()
}

// Pop removes the top page unless it is the last one, and returns its name.
func (p *Pages) Pop() string {
	if len(p.stack) <= 1 {
		return ""
	}
	top := p.stack[len(p.stack)-1]
	p.HidePage(top)
	p.stack = p.stack[:len(p.stack)-1]
	current := p.stack[len(p.stack)-1]
	p.ShowPage(current)
	p.SendToFront(current)
	p.notify()
	return top
}

// Current returns the name of the top page.
func (p *Pages) Current() string {
	if len(p.stack) == 0 {
		return ""
	}
	return p.stack[len(p.stack)-1]
}

// Reset clears the stack down to name.
func (p *Pages) Reset(name string) {
	for _, n := range p.stack {
		p.HidePage(n)
	}
	p.stack = []string{name}
	p.ShowPage(name)
	p.SendToFront(name)
	p.notify()
}

// Trail returns the component names from bottom to top.
func (p *Pages) Trail() []string {
	trail := make([]string, 0, len(p.stack))
	for _, n := range p.stack {
		if c, ok := p.components[n]; ok {
			trail = append(trail, c.Name())
		}
	}
	return trail
}

// Refresh re-fires the change callback, e.g. after a component renamed itself.
func (p *Pages) Refresh() {
	p.notify()
}

func (p *Pages) notify() {
	if p.onChange != nil {
		p.onChange(p.components[p.Current()], p.Trail())
	}
}
