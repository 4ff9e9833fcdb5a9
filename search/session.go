// Package search implements a single query's lifecycle (C9):
// accumulating peer SearchResponses as they arrive, filtering and
// capping them per the caller's limits, and completing on whichever of
// several conditions comes first — the response limit being reached,
// the overall search timeout elapsing, the per-response idle timeout
// elapsing with no new results, or explicit cancellation.
package search

import (
	"strings"
	"sync"
	"time"

	"github.com/soulseek-go/soulseek/dlog"
	"github.com/soulseek-go/soulseek/events"
	"github.com/soulseek-go/soulseek/metrics"
	"github.com/soulseek-go/soulseek/protocol"
)

var (
	debug = dlog.Enabled("search")
	l     = dlog.Default("search")
)

// Filter decides whether a file belongs in the accumulated results.
// Returning false drops just that file, not the whole response.
type Filter func(protocol.FileEntry) bool

// Options configures one search session's limits and result filtering.
type Options struct {
	ResponseLimit   int           // stop after this many responses; 0 = unbounded
	FileLimit       int           // stop once cumulative accepted files reach this count; 0 = unbounded
	SearchTimeout   time.Duration // hard cap on the session's total lifetime
	ResponseTimeout time.Duration // complete if no new response arrives within this long

	// FilterResponses enables the response-level checks below. Upload
	// speed, free upload slots and queue length bounds are checked before
	// the file-level filters run; the minimum file count is checked
	// against the files that survive them. A response failing any enabled
	// check is dropped in full.
	FilterResponses            bool
	MinimumResponseFileCount   int
	MinimumPeerUploadSpeed     int32
	MinimumPeerFreeUploadSlots bool
	MaximumPeerQueueLength     int64
	MinimumPeerQueueLength     int64

	// FilterFiles enables IgnoredFileExtensions. Filter, when set, is
	// applied whether or not FilterFiles is.
	FilterFiles           bool
	IgnoredFileExtensions []string
	Filter                Filter
}

// DefaultOptions matches spec §5's defaults.
func DefaultOptions() Options {
	return Options{
		ResponseLimit:   100,
		FileLimit:       0,
		SearchTimeout:   30 * time.Second,
		ResponseTimeout: 10 * time.Second,
	}
}

// Session tracks one outstanding search query.
type Session struct {
	Query string
	Token uint32

	opts    Options
	bus     *events.Bus
	metrics *metrics.Registry

	mu        sync.Mutex
	responses []protocol.SearchResponse
	fileCount int
	completed bool
	done      chan struct{}

	searchTimer   *time.Timer
	responseTimer *time.Timer
}

// New constructs a Session for query/token. Start must be called before
// responses are accepted in order to arm the timers.
func New(query string, token uint32, opts Options, bus *events.Bus, reg *metrics.Registry) *Session {
	return &Session{
		Query:   query,
		Token:   token,
		opts:    opts,
		bus:     bus,
		metrics: reg,
		done:    make(chan struct{}),
	}
}

// Start arms the session's timeouts. Safe to call once.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return
	}
	if s.opts.SearchTimeout > 0 {
		s.searchTimer = time.AfterFunc(s.opts.SearchTimeout, func() { s.complete("search_timeout") })
	}
	if s.opts.ResponseTimeout > 0 {
		s.responseTimer = time.AfterFunc(s.opts.ResponseTimeout, func() { s.complete("response_timeout") })
	}
	if s.metrics != nil {
		s.metrics.SearchesInFlight.Inc(1)
	}
}

// AddResponse records a peer's response, applying the response- and
// file-level filters and completing the session once ResponseLimit or
// the cumulative FileLimit is reached. Responses arriving after
// completion, or rejected by a response-level filter, are dropped.
func (s *Session) AddResponse(resp protocol.SearchResponse) {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}

	if s.opts.FilterResponses && !s.acceptsResponseAttributesLocked(resp) {
		s.mu.Unlock()
		return
	}

	resp.Files = s.filterFilesLocked(resp.Files)

	if s.opts.FilterResponses && s.opts.MinimumResponseFileCount > 0 && len(resp.Files) < s.opts.MinimumResponseFileCount {
		s.mu.Unlock()
		return
	}

	if s.opts.FileLimit > 0 {
		remaining := s.opts.FileLimit - s.fileCount
		switch {
		case remaining <= 0:
			resp.Files = nil
		case len(resp.Files) > remaining:
			resp.Files = resp.Files[:remaining]
		}
	}

	s.responses = append(s.responses, resp)
	s.fileCount += len(resp.Files)
	count := len(s.responses)
	fileCount := s.fileCount
	limit := s.opts.ResponseLimit
	fileLimit := s.opts.FileLimit
	if s.responseTimer != nil {
		s.responseTimer.Reset(s.opts.ResponseTimeout)
	}
	s.mu.Unlock()

	if debug {
		l.Debugf("token=%d: response %d from %s (%d files, %d cumulative)", s.Token, count, resp.Username, len(resp.Files), fileCount)
	}

	switch {
	case limit > 0 && count >= limit:
		s.complete("response_limit")
	case fileLimit > 0 && fileCount >= fileLimit:
		s.complete("file_limit")
	}
}

// acceptsResponseAttributesLocked applies the response-level threshold
// checks (upload speed, free upload slots, queue length bounds) that
// don't depend on the response's file list. Must be called with s.mu held.
func (s *Session) acceptsResponseAttributesLocked(resp protocol.SearchResponse) bool {
	if s.opts.MinimumPeerUploadSpeed > 0 && resp.AverageSpeed < s.opts.MinimumPeerUploadSpeed {
		return false
	}
	if s.opts.MinimumPeerFreeUploadSlots && !resp.FreeUploadSlots {
		return false
	}
	if s.opts.MaximumPeerQueueLength > 0 && resp.QueueLength > s.opts.MaximumPeerQueueLength {
		return false
	}
	if s.opts.MinimumPeerQueueLength > 0 && resp.QueueLength < s.opts.MinimumPeerQueueLength {
		return false
	}
	return true
}

// filterFilesLocked applies IgnoredFileExtensions and Filter to files,
// returning a new slice. Must be called with s.mu held.
func (s *Session) filterFilesLocked(files []protocol.FileEntry) []protocol.FileEntry {
	if !s.opts.FilterFiles && s.opts.Filter == nil {
		return files
	}
	out := files[:0:0]
	for _, f := range files {
		if s.opts.FilterFiles && s.isIgnoredExtensionLocked(f.Extension) {
			continue
		}
		if s.opts.Filter != nil && !s.opts.Filter(f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func (s *Session) isIgnoredExtensionLocked(ext string) bool {
	for _, ignored := range s.opts.IgnoredFileExtensions {
		if strings.EqualFold(ignored, ext) {
			return true
		}
	}
	return false
}

// Cancel stops the session immediately, same as a timeout firing.
func (s *Session) Cancel() {
	s.complete("cancelled")
}

func (s *Session) complete(reason string) {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.completed = true
	if s.searchTimer != nil {
		s.searchTimer.Stop()
	}
	if s.responseTimer != nil {
		s.responseTimer.Stop()
	}
	s.mu.Unlock()

	close(s.done)
	if debug {
		l.Debugf("token=%d: completed (%s)", s.Token, reason)
	}
	if s.metrics != nil {
		s.metrics.SearchesInFlight.Dec(1)
	}
	if s.bus != nil {
		s.bus.Diagnosticf(events.LevelInfo, "search %q (token %d) completed: %s", s.Query, s.Token, reason)
	}
}

// Done is closed once the session has completed, however it got there.
func (s *Session) Done() <-chan struct{} { return s.done }

// Responses returns a snapshot of the responses accumulated so far.
// Safe to call before or after completion.
func (s *Session) Responses() []protocol.SearchResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.SearchResponse, len(s.responses))
	copy(out, s.responses)
	return out
}

// Manager tracks every in-flight Session keyed by token, so an inbound
// PeerSearchResponse can be routed to the right one.
type Manager struct {
	mu       sync.Mutex
	sessions map[uint32]*Session
}

// NewManager constructs an empty search-session directory.
func NewManager() *Manager {
	return &Manager{sessions: make(map[uint32]*Session)}
}

// Start registers sess and starts it.
func (m *Manager) Start(sess *Session) {
	m.mu.Lock()
	m.sessions[sess.Token] = sess
	m.mu.Unlock()
	sess.Start()

	go func() {
		<-sess.Done()
		m.mu.Lock()
		delete(m.sessions, sess.Token)
		m.mu.Unlock()
	}()
}

// Dispatch routes resp to its session, if one is still open.
func (m *Manager) Dispatch(resp protocol.SearchResponse) bool {
	m.mu.Lock()
	sess, ok := m.sessions[resp.Token]
	m.mu.Unlock()
	if !ok {
		return false
	}
	sess.AddResponse(resp)
	return true
}

// Get returns the session for token, if still open.
func (m *Manager) Get(token uint32) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[token]
	return sess, ok
}
