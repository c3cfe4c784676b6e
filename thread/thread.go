// Package thread implements component K: the thread layer and its
// priority/MLFQS scheduler. There is no real hardware to context-switch
// on, so each kernel thread is a goroutine; the scheduler hands a
// single baton channel from thread to thread so that, just as the
// specification requires, exactly one thread's kernel logic ever runs
// at a time — the goroutines-gated-by-channels design already adopted
// for every other "no real CPU" gap in this kernel. It is grounded on
// `original_source/src/threads/thread.c` for the ready-queue,
// sleep-queue, quantum, and MLFQS formulas, and on the teacher's
// `tinfo.Note_t`/`accnt.Accnt_t` vocabulary for per-thread liveness and
// CPU-time bookkeeping.
package thread

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"eduos/accnt"
	"eduos/caller"
	"eduos/defs"
	"eduos/fixedpt"
	"eduos/metrics"
	"eduos/tinfo"
)

// Priority bounds and default, matching the taught kernel's own
// PRI_MIN/PRI_DEFAULT/PRI_MAX.
const (
	PriMin     = 0
	PriDefault = 31
	PriMax     = 63
)

// Quantum is the number of ticks a thread runs before a yield is
// requested at the next timer interrupt.
const Quantum = 4

// Magic is the thread-struct overflow-detection cookie, checked on
// every Current call the way the taught kernel checks THREAD_MAGIC.
const Magic uint32 = 0xcd6abf4b

// State is a thread's scheduling state.
type State int

const (
	Ready State = iota
	Running
	Blocked
	Sleeping
	Dying
)

// Thread is one kernel thread.
type Thread struct {
	Tid       defs.Tid_t
	Name      string
	Priority  int
	Nice      int
	RecentCpu fixedpt.T

	magic uint32
	seq   uint64
	ticks int

	wakeupTick uint64
	state      State

	Note  *tinfo.Note_t
	Accnt *accnt.Accnt_t

	run  chan struct{}
	done chan struct{}

	sched *Scheduler
	entry func()
}

// checkMagic panics, via caller.Panicf, if t's overflow cookie has
// been clobbered.
func (t *Thread) checkMagic() {
	if t.magic != Magic {
		caller.Panicf("thread: stack overflow detected on %q (tid=%d)", t.Name, t.Tid)
	}
}

// Scheduler owns the ready queue, sleep queue, and (in MLFQS mode) the
// system load average. One Scheduler models one CPU.
type Scheduler struct {
	mu sync.Mutex

	all      map[defs.Tid_t]*Thread
	ready    []*Thread
	sleeping []*Thread
	current  *Thread
	idle     *Thread

	nextTid defs.Tid_t
	nextSeq uint64
	tick    uint64

	mlfqs   bool
	loadAvg fixedpt.T

	// readyNotify wakes the idle thread's goroutine when some other
	// thread becomes ready while idle holds the baton — there is no
	// real interrupt to bring the CPU out of a halt, so idle polls this
	// instead.
	readyNotify chan struct{}

	notes *tinfo.Registry
	log   *logrus.Entry
	met   *metrics.Set
}

// New constructs a Scheduler. mlfqs selects the multilevel-feedback
// scheduling mode; the two modes are mutually exclusive.
func New(mlfqs bool, log *logrus.Entry, met *metrics.Set) *Scheduler {
	s := &Scheduler{
		all:         make(map[defs.Tid_t]*Thread),
		mlfqs:       mlfqs,
		readyNotify: make(chan struct{}, 1),
		notes:       tinfo.NewRegistry(),
		log:         log.WithField("component", "thread"),
		met:         met,
	}
	s.idle = s.newThread("idle", PriMin, func() {})
	s.idle.state = Blocked // never appears in the ready queue
	go s.idle.idleLoop()
	return s
}

// notifyReady wakes a halted idle thread; a full channel means it is
// already due to wake, so the send is best-effort.
func (s *Scheduler) notifyReady() {
	select {
	case s.readyNotify <- struct{}{}:
	default:
	}
}

// idleLoop is idle's entire body: wait for the baton, then wait for
// something to become ready, then redispatch — standing in for a real
// idle thread's halt-until-interrupt loop.
func (t *Thread) idleLoop() {
	for {
		<-t.run
		<-t.sched.readyNotify
		t.run = make(chan struct{})
		t.sched.dispatchNext()
	}
}

func (s *Scheduler) newThread(name string, priority int, entry func()) *Thread {
	s.nextTid++
	s.nextSeq++
	t := &Thread{
		Tid:      s.nextTid,
		Name:     name,
		Priority: priority,
		magic:    Magic,
		seq:      s.nextSeq,
		state:    Blocked,
		Note:     tinfo.NewNote(),
		Accnt:    &accnt.Accnt_t{},
		run:      make(chan struct{}),
		done:     make(chan struct{}),
		sched:    s,
		entry:    entry,
	}
	s.all[t.Tid] = t
	s.notes.Add(t.Tid, t.Note)
	return t
}

// Create allocates a new thread, inserts it on the all-list and ready
// queue, and yields the calling thread immediately if the new thread
// outranks it. Two cases need special handling around the ordinary
// Yield path: the very
// first Create call on a Scheduler (s.current still nil — no thread
// has ever held the baton, the Go analogue of thread_start() handing
// off from the boot-time single-threaded kernel) dispatches the new
// thread directly, since idle itself has not been handed the baton
// yet either and would otherwise never wake up to redispatch; and a
// Create call while idle holds the baton wakes idle's own loop
// instead of routing it through Yield, which would incorrectly
// re-insert idle into the sorted ready queue (idle must never appear
// there).
func (s *Scheduler) Create(name string, priority int, entry func()) *Thread {
	s.mu.Lock()
	t := s.newThread(name, priority, entry)
	t.state = Ready
	s.insertReadyLocked(t)
	cur := s.current
	s.mu.Unlock()

	go t.runLoop()

	switch cur {
	case nil:
		s.dispatchNext()
	case s.idle:
		s.notifyReady()
	default:
		s.notifyReady()
		if priority > cur.Priority {
			s.Yield(cur)
		}
	}
	return t
}

func (t *Thread) runLoop() {
	<-t.run
	t.entry()
	t.sched.exit(t)
}

func (s *Scheduler) insertReadyLocked(t *Thread) {
	i := sort.Search(len(s.ready), func(i int) bool {
		if s.ready[i].Priority != t.Priority {
			return s.ready[i].Priority < t.Priority
		}
		return s.ready[i].seq > t.seq
	})
	s.ready = append(s.ready, nil)
	copy(s.ready[i+1:], s.ready[i:])
	s.ready[i] = t
}

// popReadyLocked removes and returns the highest-priority,
// earliest-inserted ready thread, or nil (the idle thread runs) if the
// ready queue is empty.
func (s *Scheduler) popReadyLocked() *Thread {
	if len(s.ready) == 0 {
		return nil
	}
	t := s.ready[0]
	s.ready = s.ready[1:]
	return t
}

// Start hands the baton to the first thread to run (normally the
// initial/main thread). Callers must invoke this exactly once after
// constructing the Scheduler and creating at least one thread.
func (s *Scheduler) Start(t *Thread) {
	s.mu.Lock()
	s.current = t
	t.state = Running
	s.mu.Unlock()
	close(t.run)
}

// dispatchNext picks the next thread to run and hands it the baton.
// Every thread's run channel is freshly made, by itself, before it
// last gave up the baton (in Yield/Block/Sleep, or in idleLoop for the
// idle thread), so closing it here is always safe — nothing else
// holds a reference to the stale, already-closed channel from its
// previous turn.
func (s *Scheduler) dispatchNext() {
	s.mu.Lock()
	next := s.popReadyLocked()
	if next == nil {
		next = s.idle
	}
	next.checkMagic()
	next.state = Running
	next.ticks = 0
	s.current = next
	run := next.run
	s.mu.Unlock()
	close(run)
}

// Yield moves cur to the ready queue (if it is not dying or blocked)
// and switches away from it, blocking the calling goroutine until it
// is rescheduled.
func (s *Scheduler) Yield(cur *Thread) {
	s.mu.Lock()
	if cur.state == Running {
		cur.state = Ready
		s.insertReadyLocked(cur)
	}
	cur.run = make(chan struct{})
	s.mu.Unlock()

	if s.met != nil {
		s.met.ContextSwitches.Inc()
	}
	s.dispatchNext()
	<-cur.run
}

// Block marks cur as blocked (on a semaphore, lock, or condition
// variable) and switches away; the caller of Block is responsible for
// arranging for some other thread to call Unblock(cur) later.
func (s *Scheduler) Block(cur *Thread) {
	s.mu.Lock()
	cur.state = Blocked
	cur.run = make(chan struct{})
	s.mu.Unlock()

	if s.met != nil {
		s.met.ContextSwitches.Inc()
	}
	s.dispatchNext()
	<-cur.run
}

// Unblock moves a blocked thread back onto the ready queue. If its
// priority exceeds the current thread's, the caller should arrange a
// yield (the synchronization primitives in package synch do not know
// about the scheduler, so callers bridging the two layers make this
// decision explicitly).
func (s *Scheduler) Unblock(t *Thread) {
	s.mu.Lock()
	t.state = Ready
	s.insertReadyLocked(t)
	s.mu.Unlock()
	s.notifyReady()
}

// Sleep disables the effective scheduling of cur until wakeTick,
// linking it onto the sleep queue.
func (s *Scheduler) Sleep(cur *Thread, wakeTick uint64) {
	s.mu.Lock()
	cur.state = Sleeping
	cur.wakeupTick = wakeTick
	i := sort.Search(len(s.sleeping), func(i int) bool {
		return s.sleeping[i].wakeupTick > wakeTick
	})
	s.sleeping = append(s.sleeping, nil)
	copy(s.sleeping[i+1:], s.sleeping[i:])
	s.sleeping[i] = cur
	cur.run = make(chan struct{})
	s.mu.Unlock()

	s.dispatchNext()
	<-cur.run
}

// Awake wakes every sleeper whose wakeup tick has passed, moving each
// to the ready queue. It is invoked by the timer-tick handler.
func (s *Scheduler) Awake(now uint64) {
	s.mu.Lock()
	i := 0
	for i < len(s.sleeping) && s.sleeping[i].wakeupTick <= now {
		i++
	}
	woken := s.sleeping[:i]
	s.sleeping = s.sleeping[i:]
	for _, t := range woken {
		t.state = Ready
		s.insertReadyLocked(t)
	}
	s.mu.Unlock()
	if len(woken) > 0 {
		s.notifyReady()
	}
}

// Tick advances the global tick counter, bumps the current thread's
// quantum counter, runs MLFQS bookkeeping if enabled, and reports
// whether a yield should be requested at interrupt-return.
func (s *Scheduler) Tick() (yieldRequested bool) {
	s.mu.Lock()
	s.tick++
	now := s.tick
	cur := s.current
	if cur != nil && cur != s.idle {
		cur.ticks++
		cur.RecentCpu = cur.RecentCpu.AddInt(1)
	}
	if s.mlfqs {
		s.mlfqsTickLocked(now)
	}
	quantumExpired := cur != nil && cur.ticks >= Quantum
	s.mu.Unlock()

	s.Awake(now)
	return quantumExpired
}

// mlfqsTickLocked recomputes load_avg and recent_cpu once a second and
// every thread's priority every fourth tick.
// Caller holds s.mu.
func (s *Scheduler) mlfqsTickLocked(now uint64) {
	const ticksPerSecond = 100
	readyCount := len(s.ready)
	if s.current != nil && s.current != s.idle {
		readyCount++
	}
	if now%ticksPerSecond == 0 {
		fiftyNineSixtieths := fixedpt.FromInt(59).Div(fixedpt.FromInt(60))
		oneSixtieth := fixedpt.FromInt(1).Div(fixedpt.FromInt(60))
		s.loadAvg = s.loadAvg.Mul(fiftyNineSixtieths).Add(oneSixtieth.MulInt(readyCount))
		for _, t := range s.all {
			t.RecentCpu = recalcRecentCpu(t.RecentCpu, s.loadAvg, t.Nice)
		}
	}
	if now%4 == 0 {
		for _, t := range s.all {
			t.Priority = mlfqsPriority(t.RecentCpu, t.Nice)
		}
		s.ready = reorderByPriority(s.ready)
	}
}

func recalcRecentCpu(recentCpu, loadAvg fixedpt.T, nice int) fixedpt.T {
	twoLoadAvg := loadAvg.MulInt(2)
	coeff := twoLoadAvg.Div(twoLoadAvg.AddInt(1))
	return coeff.Mul(recentCpu).AddInt(nice)
}

func mlfqsPriority(recentCpu fixedpt.T, nice int) int {
	p := PriMax - recentCpu.DivInt(4).ToIntTrunc() - 2*nice
	if p < PriMin {
		p = PriMin
	}
	if p > PriMax {
		p = PriMax
	}
	return p
}

func reorderByPriority(ready []*Thread) []*Thread {
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].seq < ready[j].seq
	})
	return ready
}

// PreemptCurrent requests a yield for whichever thread currently holds
// the baton, on behalf of the timer-tick driver after Tick reports a
// quantum expiry. It does not block: portable Go has no way to
// forcibly suspend another goroutine's in-flight execution the way a
// real timer interrupt suspends whatever the CPU was doing, so the
// actual Yield call is handed to a detached goroutine and only takes
// effect once cur's own goroutine is scheduled again by the Go
// runtime. This is a best-effort approximation of quantum-based
// preemption, not true preemption; it keeps the ready queue moving
// and the baton from sticking to one thread indefinitely, which is
// the observable property the timer-tick handler exists for.
func (s *Scheduler) PreemptCurrent() {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == nil || cur == s.idle {
		return
	}
	go s.Yield(cur)
}

// SetPriority changes t's priority (manual mode only) and, if that
// lowers it below the ready queue's head, yields immediately.
func (s *Scheduler) SetPriority(t *Thread, n int) {
	s.mu.Lock()
	t.Priority = n
	var headPriority int
	if len(s.ready) > 0 {
		headPriority = s.ready[0].Priority
	}
	shouldYield := t == s.current && len(s.ready) > 0 && headPriority > n
	s.mu.Unlock()
	if shouldYield {
		s.Yield(t)
	}
}

// exit marks t DYING, removes its note, and switches away from it for
// the last time; its goroutine returns right after this call, so its
// stack (in the real kernel, an allocated page) is simply garbage
// collected rather than explicitly freed by a successor thread's tail
// routine.
func (s *Scheduler) exit(t *Thread) {
	s.mu.Lock()
	t.state = Dying
	s.notes.Remove(t.Tid)
	delete(s.all, t.Tid)
	s.mu.Unlock()
	t.Note.Doom(0)
	close(t.done)
	s.dispatchNext()
}

// Join blocks until t's goroutine has returned.
func (t *Thread) Join() {
	<-t.done
}

// Current returns t after verifying its overflow cookie, mirroring
// the taught kernel's is_thread/THREAD_MAGIC check on every call to
// the "current thread" accessor.
func Current(t *Thread) *Thread {
	t.checkMagic()
	return t
}
