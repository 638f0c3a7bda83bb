package executor

import (
	"os/exec"
	"sync"
	"time"
)

// CommandLog holds the execution record for one command. Fields are
// guarded by mu because the reader goroutine appends output while
// ReadLog and Terminate inspect it.
type CommandLog struct {
	mu sync.Mutex

	ID        string
	Command   string
	Dir       string
	ExitCode  int
	Stdout    []string
	Stderr    []string
	Buffer    []string // combined output in arrival order
	StartedAt time.Time
	Completed time.Time
	Running   bool
	PageCount int

	proc *exec.Cmd
	done chan struct{} // closed when the process and its readers finish
}

func (l *CommandLog) appendLine(line string, stderr bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Buffer = append(l.Buffer, line)
	if stderr {
		l.Stderr = append(l.Stderr, line)
	} else {
		l.Stdout = append(l.Stdout, line)
	}
}

func (l *CommandLog) finish(exitCode int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ExitCode = exitCode
	l.Running = false
	l.Completed = time.Now()
}

// snapshot returns the lines to page through: the live buffer while the
// process runs, stdout followed by stderr once it has completed.
func (l *CommandLog) snapshot() (lines []string, running bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Running && len(l.Buffer) > 0 {
		return append([]string(nil), l.Buffer...), true
	}
	all := make([]string, 0, len(l.Stdout)+len(l.Stderr))
	all = append(all, l.Stdout...)
	all = append(all, l.Stderr...)
	return all, l.Running
}

func (l *CommandLog) isRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Running
}

// LogStore is an LRU store for command logs with TTL eviction. It keeps
// memory bounded across many agent turns.
type LogStore struct {
	mu         sync.Mutex
	logs       map[string]*CommandLog
	order      []string // least recently used first
	maxEntries int
	ttl        time.Duration
}

// NewLogStore creates a store holding at most maxEntries logs, each
// retained for at most ttl since it started.
func NewLogStore(maxEntries int, ttl time.Duration) *LogStore {
	if maxEntries <= 0 {
		maxEntries = 50
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &LogStore{
		logs:       make(map[string]*CommandLog),
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

// Store inserts a log, evicting expired entries first and the oldest
// entry if the store is full.
func (s *LogStore) Store(l *CommandLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpired()
	if len(s.logs) >= s.maxEntries && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.logs, oldest)
	}
	s.logs[l.ID] = l
	s.touch(l.ID)
}

// Get returns a log by id, or nil if missing or expired. A hit marks
// the entry as recently used.
func (s *LogStore) Get(id string) *CommandLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpired()
	l, ok := s.logs[id]
	if !ok {
		return nil
	}
	s.touch(id)
	return l
}

// Recent returns up to limit ids, least recently used first.
func (s *LogStore) Recent(limit int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpired()
	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]string, limit)
	copy(out, s.order[len(s.order)-limit:])
	return out
}

// RunningIDs returns the ids of logs whose process is still running.
func (s *LogStore) RunningIDs() []string {
	s.mu.Lock()
	ids := append([]string(nil), s.order...)
	s.mu.Unlock()

	var running []string
	for _, id := range ids {
		s.mu.Lock()
		l, ok := s.logs[id]
		s.mu.Unlock()
		if ok && l.isRunning() {
			running = append(running, id)
		}
	}
	return running
}

// Len reports the number of retained logs after eviction.
func (s *LogStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpired()
	return len(s.logs)
}

func (s *LogStore) touch(id string) {
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.order = append(s.order, id)
}

func (s *LogStore) evictExpired() {
	now := time.Now()
	kept := s.order[:0]
	for _, id := range s.order {
		l := s.logs[id]
		if l != nil && now.Sub(l.StartedAt) > s.ttl {
			delete(s.logs, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}
