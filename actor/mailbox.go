// Package actor provides the serial execution contexts the protocol engine
// runs on: mailboxes draining FIFO thunk queues one at a time, and async
// results that resume their observers on the observer's own mailbox.
package actor

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type thunk struct {
	name     string
	fn       func()
	manifest *ChannelManifest
}

// Pool bounds how many mailboxes drain concurrently. Mailboxes sharing a
// parent pool share its workers; a mailbox without a parent drains on its
// own goroutine.
type Pool struct {
	sem chan struct{}
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Mailbox is a serial FIFO executor. At most one thunk runs at a time, and
// two Enqueue calls from the same goroutine execute in the order issued.
// Enqueueing from inside a thunk schedules, never recurses.
type Mailbox struct {
	name   string
	parent *Pool
	logger *logrus.Logger

	// OnPanic, if set, is invoked after a thunk panic has been recovered
	// and the channel manifest dumped. The mailbox keeps draining.
	OnPanic func(v interface{})

	mu      sync.Mutex
	queue   []thunk
	running bool
	closed  bool
}

// NewMailbox creates a mailbox. parent may be nil for a dedicated drain
// goroutine; logger may be nil to discard diagnostics.
func NewMailbox(name string, parent *Pool, logger *logrus.Logger) *Mailbox {
	if logger == nil {
		logger = discardLogger
	}
	return &Mailbox{name: name, parent: parent, logger: logger}
}

var discardLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	l.SetOutput(nopWriter{})
	return l
}()

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// Enqueue appends a named thunk to the queue, reporting whether it was
// accepted. After Close thunks are dropped.
func (mb *Mailbox) Enqueue(name string, fn func()) bool {
	manifest := currentManifest()
	if manifest == nil {
		manifest = NewChannelManifest()
	}
	manifest.AddEnqueueCall(mb.name+"#"+name, 0)
	return mb.push(thunk{name, fn, manifest})
}

// EnqueueAfter schedules a thunk to be appended to the queue no earlier
// than d from now. Delayed thunks keep FIFO order only relative to other
// delayed thunks whose timers have already fired.
func (mb *Mailbox) EnqueueAfter(d time.Duration, name string, fn func()) {
	if d <= 0 {
		mb.Enqueue(name, fn)
		return
	}
	manifest := currentManifest()
	if manifest == nil {
		manifest = NewChannelManifest()
	}
	manifest.AddEnqueueCall(mb.name+"#"+name, d)
	time.AfterFunc(d, func() {
		mb.push(thunk{name, fn, manifest})
	})
}

func (mb *Mailbox) push(t thunk) bool {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return false
	}
	mb.queue = append(mb.queue, t)
	start := !mb.running
	if start {
		mb.running = true
	}
	mb.mu.Unlock()
	if start {
		go mb.drain()
	}
	return true
}

func (mb *Mailbox) drain() {
	if mb.parent != nil {
		mb.parent.sem <- struct{}{}
		defer func() { <-mb.parent.sem }()
	}
	id := gid()
	registerMailbox(id, mb)
	defer unregisterMailbox(id)
	for {
		mb.mu.Lock()
		if len(mb.queue) == 0 {
			mb.running = false
			mb.mu.Unlock()
			return
		}
		t := mb.queue[0]
		mb.queue = mb.queue[1:]
		mb.mu.Unlock()
		mb.invoke(t)
	}
}

func (mb *Mailbox) invoke(t thunk) {
	setCurrentManifest(t.manifest)
	defer setCurrentManifest(nil)
	defer func() {
		if v := recover(); v != nil {
			mb.logger.WithField("mailbox", mb.name).
				Errorf("panic in %s: %v\n%s", t.name, v, t.manifest)
			if mb.OnPanic != nil {
				mb.OnPanic(v)
			}
		}
	}()
	t.manifest.AddExecution(mb.name + "#" + t.name)
	t.fn()
}

// Close stops accepting new thunks. Thunks already queued still run.
func (mb *Mailbox) Close() {
	mb.mu.Lock()
	mb.closed = true
	mb.mu.Unlock()
}

// Sync blocks until every thunk enqueued before the call has finished.
// Returns immediately if the mailbox is closed.
func (mb *Mailbox) Sync() {
	done := make(chan struct{})
	manifest := currentManifest()
	if manifest == nil {
		manifest = NewChannelManifest()
	}
	if !mb.push(thunk{"sync", func() { close(done) }, manifest}) {
		return
	}
	<-done
}

func (mb *Mailbox) Name() string {
	return mb.name
}

// Current returns the mailbox whose queue the calling goroutine is
// draining, or nil.
func Current() *Mailbox {
	if e, ok := drainers.Load(gid()); ok {
		return e.(*drainState).mb
	}
	return nil
}

type drainState struct {
	mb       *Mailbox
	manifest *ChannelManifest
}

var drainers sync.Map // goroutine id -> *drainState

func registerMailbox(id uint64, mb *Mailbox) {
	drainers.Store(id, &drainState{mb: mb})
}

func unregisterMailbox(id uint64) {
	drainers.Delete(id)
}

func currentManifest() *ChannelManifest {
	if e, ok := drainers.Load(gid()); ok {
		return e.(*drainState).manifest
	}
	return nil
}

func setCurrentManifest(m *ChannelManifest) {
	if e, ok := drainers.Load(gid()); ok {
		e.(*drainState).manifest = m
	}
}

// gid extracts the calling goroutine's id from its stack header. Only used
// to key the drainer registry; never exposed.
func gid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// "goroutine 123 [running]:"
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(string(fields[1]), 10, 64)
	return id
}
