// ABOUTME: Rendering for merged output groups with stable per-agent colors.
// ABOUTME: Colors apply to group headers only; line content passes through untouched.

package logmux

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
)

// palette cycles through distinguishable header colors. Assignment is by
// first appearance, so an agent keeps its color for the whole run.
var palette = []*color.Color{
	color.New(color.FgCyan, color.Bold),
	color.New(color.FgGreen, color.Bold),
	color.New(color.FgYellow, color.Bold),
	color.New(color.FgMagenta, color.Bold),
	color.New(color.FgBlue, color.Bold),
	color.New(color.FgRed, color.Bold),
}

type renderer struct {
	mu          sync.Mutex
	w           io.Writer
	showHeaders bool
	assigned    map[string]*color.Color
	next        int
}

func newRenderer(w io.Writer, showHeaders bool) *renderer {
	return &renderer{
		w:           w,
		showHeaders: showHeaders,
		assigned:    make(map[string]*color.Color),
	}
}

func (r *renderer) colorFor(agent string) *color.Color {
	c, ok := r.assigned[agent]
	if !ok {
		c = palette[r.next%len(palette)]
		r.assigned[agent] = c
		r.next++
	}
	return c
}

// group writes one burst: a blank separator, a colored agent header, then
// the lines in arrival order.
func (r *renderer) group(agent string, lines []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintln(r.w)
	if r.showHeaders {
		c := r.colorFor(agent)
		c.Fprintf(r.w, "---- [%s] ----\n", agent)
	}
	for _, line := range lines {
		fmt.Fprintln(r.w, line)
	}
}
