// ABOUTME: Core multiplexer merging per-agent line streams into one output.
// ABOUTME: Groups bursts per agent without ever holding a line indefinitely.

package logmux

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// Defaults for the burst heuristic. A burst closes once its agent has been
// quiet for the window; the max hold bounds how long any line can sit
// buffered while its agent keeps streaming.
const (
	DefaultBurstWindow = 200 * time.Millisecond
	DefaultMaxHold     = time.Second

	pollInterval = 25 * time.Millisecond
)

// Source maps an agent id to the path of its output stream.
type Source struct {
	AgentID string
	Path    string
}

// Stream is an already-open source, used directly by tests and by callers
// that manage their own file handles.
type Stream struct {
	AgentID string
	R       io.Reader
}

// Options configures a Mux. Zero values select the defaults.
type Options struct {
	BurstWindow time.Duration
	MaxHold     time.Duration

	// SuppressDuplicates drops a line that repeats a recently seen
	// (agent, line) pair, mirroring how chatty agents echo peer traffic.
	SuppressDuplicates bool

	// HideAgentIDs omits the per-group agent headers, for consumers that
	// pipe the merged stream into something that adds its own labels.
	HideAgentIDs bool

	// Out receives the merged stream. Defaults to os.Stdout.
	Out io.Writer
}

// Mux merges per-agent line streams into one readable combined stream.
// Lines from a single agent are never reordered; across agents the only
// ordering is the burst grouping.
type Mux struct {
	opts   Options
	render *renderer
	dupes  *dupeFilter
}

// New creates a multiplexer with the given options.
func New(opts Options) *Mux {
	if opts.BurstWindow <= 0 {
		opts.BurstWindow = DefaultBurstWindow
	}
	if opts.MaxHold <= 0 {
		opts.MaxHold = DefaultMaxHold
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	m := &Mux{
		opts:   opts,
		render: newRenderer(opts.Out, !opts.HideAgentIDs),
	}
	if opts.SuppressDuplicates {
		m.dupes = newDupeFilter()
	}
	return m
}

// RunFiles opens every source and runs until all of them reach end of
// stream. Any source that cannot be opened fails the whole run before a
// single line is read; the caller exits non-zero on that error.
func (m *Mux) RunFiles(ctx context.Context, sources []Source) error {
	streams := make([]Stream, 0, len(sources))
	var files []*os.File
	for _, src := range sources {
		f, err := os.Open(src.Path)
		if err != nil {
			for _, open := range files {
				open.Close()
			}
			return fmt.Errorf("opening source %s for agent %s: %w", src.Path, src.AgentID, err)
		}
		files = append(files, f)
		streams = append(streams, Stream{AgentID: src.AgentID, R: f})
	}
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	return m.Run(ctx, streams)
}

type inLine struct {
	agent string
	text  string
}

// Run merges the given streams until every one reaches end of stream and all
// buffered lines are flushed. Cancelling ctx flushes and returns early.
func (m *Mux) Run(ctx context.Context, streams []Stream) error {
	lines := make(chan inLine, 256)

	var wg sync.WaitGroup
	for _, s := range streams {
		wg.Add(1)
		go func(s Stream) {
			defer wg.Done()
			scanner := bufio.NewScanner(s.R)
			scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
			for scanner.Scan() {
				lines <- inLine{agent: s.AgentID, text: scanner.Text()}
			}
		}(s)
	}
	go func() {
		wg.Wait()
		close(lines)
	}()

	buffers := make(map[string][]string)
	lastArrival := make(map[string]time.Time)
	oldestHeld := make(map[string]time.Time)

	flush := func(agent string) {
		buf := buffers[agent]
		if len(buf) == 0 {
			return
		}
		m.render.group(agent, buf)
		delete(buffers, agent)
		delete(oldestHeld, agent)
	}

	// Flush order is stable (sorted ids) so interleaving under load is
	// deterministic rather than map-order dependent.
	flushReady := func(now time.Time) {
		agents := make([]string, 0, len(buffers))
		for agent := range buffers {
			agents = append(agents, agent)
		}
		sort.Strings(agents)
		for _, agent := range agents {
			quietFor := now.Sub(lastArrival[agent])
			heldFor := now.Sub(oldestHeld[agent])
			if quietFor >= m.opts.BurstWindow || heldFor >= m.opts.MaxHold {
				flush(agent)
			}
		}
	}

	flushAll := func() {
		agents := make([]string, 0, len(buffers))
		for agent := range buffers {
			agents = append(agents, agent)
		}
		sort.Strings(agents)
		for _, agent := range agents {
			flush(agent)
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case ln, ok := <-lines:
			if !ok {
				flushAll()
				return nil
			}
			if m.dupes != nil && m.dupes.seen(ln.agent, ln.text) {
				continue
			}
			now := time.Now()
			if len(buffers[ln.agent]) == 0 {
				oldestHeld[ln.agent] = now
			}
			buffers[ln.agent] = append(buffers[ln.agent], ln.text)
			lastArrival[ln.agent] = now
		case <-ticker.C:
			flushReady(time.Now())
		case <-ctx.Done():
			flushAll()
			return ctx.Err()
		}
	}
}

// dupeFilter tracks recently seen (agent, line) pairs. The set is cleared
// when it grows past a small cap, trading exactness for bounded memory.
type dupeFilter struct {
	mu     sync.Mutex
	recent map[string]struct{}
}

const dupeFilterCap = 100

func newDupeFilter() *dupeFilter {
	return &dupeFilter{recent: make(map[string]struct{})}
}

func (d *dupeFilter) seen(agent, text string) bool {
	key := agent + "\x00" + text
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.recent[key]; ok {
		return true
	}
	if len(d.recent) > dupeFilterCap {
		d.recent = make(map[string]struct{})
	}
	d.recent[key] = struct{}{}
	return false
}
