// Package pullmgr implements the pull scheduler (§4.7), grounded on
// StatsPullerManager.cpp's OnAlarmFired/RegisterReceiver/
// RegisterPullAtomCallback. Unlike the original, this port applies the §9
// "lock-across-RPC" fix explicitly: the receiver set is snapshotted and the
// lock released before invoking a Puller, then reacquired (guarded by a
// generation counter) to advance next-pull bookkeeping.
package pullmgr

import (
	"context"
	"sync"
	"time"
)

// PullStatus mirrors the spec's §6 Puller status enum.
type PullStatus uint8

const (
	Success PullStatus = iota
	Fail
	Timeout
	DeadObject
	NotNeeded
)

const (
	minCoolDown = time.Second
	maxTimeout  = 10 * time.Second
	minInterval = 60 * time.Second
)

// Event is the minimal payload a pull produces; the engine re-injects these
// into the router the same way a pushed atom would be.
type Event struct {
	AtomID    uint32
	ElapsedNs int64
	WallNs    int64
	Payload   interface{}
}

// Puller is implemented by each registered data source.
type Puller interface {
	Pull(ctx context.Context, eventTimeNs int64) (PullStatus, []Event)
}

// Receiver is notified of pull results and decides whether a pull is
// needed at all, per §6.
type Receiver interface {
	IsPullNeeded() bool
	OnDataPulled(events []Event, status PullStatus, tsNs int64)
}

type receiverInfo struct {
	receiver     Receiver
	intervalNs   int64
	nextPullNs   int64
}

type pullerEntry struct {
	atomID   uint32
	puller   Puller
	coolDown time.Duration
	timeout  time.Duration
}

const noAlarmUpdate = int64(1) << 62

// Manager is the concrete StatsPullerManager port.
type Manager struct {
	mu sync.Mutex

	pullers   map[uint32]*pullerEntry
	receivers map[uint32][]*receiverInfo

	nextPullNs int64
	generation uint64

	// SetAlarm is invoked (outside the lock) whenever nextPullNs changes,
	// mirroring updateAlarmLocked's setPullingAlarm binder call -- except
	// here it is never called while the lock is held, per the §9 fix.
	SetAlarm func(nextPullNs int64)
}

// NewManager creates an empty pull manager.
func NewManager() *Manager {
	return &Manager{
		pullers:    make(map[uint32]*pullerEntry),
		receivers:  make(map[uint32][]*receiverInfo),
		nextPullNs: noAlarmUpdate,
	}
}

// RegisterPullAtomCallback clamps coolDown/timeout to the spec's bounds
// (min 1s, max 10s) and registers the puller for an atom.
func (m *Manager) RegisterPullAtomCallback(atomID uint32, coolDown, timeout time.Duration, puller Puller) {
	if coolDown < minCoolDown {
		coolDown = minCoolDown
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pullers[atomID] = &pullerEntry{atomID: atomID, puller: puller, coolDown: coolDown, timeout: timeout}
}

// UnregisterPullAtomCallback removes a puller.
func (m *Manager) UnregisterPullAtomCallback(atomID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pullers, atomID)
}

// RegisterReceiver rounds the interval up to whole minutes (min 1 minute,
// per StatsPullerManager::RegisterReceiver) and registers a receiver for
// an atom, updating the global next-pull time if this receiver is sooner.
func (m *Manager) RegisterReceiver(atomID uint32, receiver Receiver, nextPullNs int64, interval time.Duration) {
	rounded := interval.Truncate(time.Minute)
	if rounded < minInterval {
		rounded = minInterval
	}

	m.mu.Lock()
	info := &receiverInfo{receiver: receiver, intervalNs: rounded.Nanoseconds(), nextPullNs: nextPullNs}
	m.receivers[atomID] = append(m.receivers[atomID], info)

	var setAlarm func(int64)
	if nextPullNs < m.nextPullNs {
		m.nextPullNs = nextPullNs
		setAlarm = m.SetAlarm
	}
	target := m.nextPullNs
	m.mu.Unlock()

	if setAlarm != nil {
		setAlarm(target)
	}
}

// UnregisterReceiver removes a receiver for an atom.
func (m *Manager) UnregisterReceiver(atomID uint32, receiver Receiver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.receivers[atomID]
	for i, r := range list {
		if r.receiver == receiver {
			m.receivers[atomID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// pullTask is one (atom, receivers) group that OnAlarmFired decided needs
// an actual pull dispatched.
type pullTask struct {
	atomID    uint32
	puller    *pullerEntry
	receivers []*receiverInfo
}

// OnAlarmFired runs the full alarm algorithm from StatsPullerManager.cpp:
// for each receiver, decide due+needed, dispatch grouped pulls, or advance
// next_pull_ns for receivers that didn't need a pull this round. It applies
// the §9 fix: the RPC-like Puller.Pull call happens with the lock released.
func (m *Manager) OnAlarmFired(ctx context.Context, elapsedNs, wallNs int64) {
	m.mu.Lock()
	myGeneration := m.generation
	minNext := noAlarmUpdate
	var tasks []pullTask
	var notNeededCallbacks []func()

	for atomID, list := range m.receivers {
		puller := m.pullers[atomID]
		var due []*receiverInfo
		for _, r := range list {
			pullNecessary := r.receiver.IsPullNeeded()
			if r.nextPullNs <= elapsedNs && pullNecessary {
				due = append(due, r)
				continue
			}
			if r.nextPullNs <= elapsedNs {
				rCopy := r
				notNeededCallbacks = append(notNeededCallbacks, func() {
					rCopy.receiver.OnDataPulled(nil, NotNeeded, elapsedNs)
				})
				numBucketsAhead := (elapsedNs - r.nextPullNs) / r.intervalNs
				r.nextPullNs += (numBucketsAhead + 1) * r.intervalNs
			}
			if r.nextPullNs < minNext {
				minNext = r.nextPullNs
			}
		}
		if len(due) > 0 && puller != nil {
			tasks = append(tasks, pullTask{atomID: atomID, puller: puller, receivers: due})
		}
	}
	m.mu.Unlock()

	for _, cb := range notNeededCallbacks {
		cb()
	}

	// Perform the actual pulls outside the lock (§9 fix).
	for _, task := range tasks {
		pullCtx, cancel := context.WithTimeout(ctx, task.puller.timeout)
		status, events := task.puller.puller.Pull(pullCtx, elapsedNs)
		cancel()

		for i := range events {
			events[i].ElapsedNs = elapsedNs
			events[i].WallNs = wallNs
		}

		m.mu.Lock()
		if m.generation != myGeneration {
			// Registration changed concurrently; re-fetch the live
			// receiver list for this atom rather than trusting the stale
			// snapshot's pointers.
			task.receivers = m.receivers[task.atomID]
		}
		for _, r := range task.receivers {
			numBucketsAhead := (elapsedNs - r.nextPullNs) / r.intervalNs
			r.nextPullNs += (numBucketsAhead + 1) * r.intervalNs
			if r.nextPullNs < minNext {
				minNext = r.nextPullNs
			}
			if status == DeadObject {
				delete(m.pullers, task.atomID)
			}
		}
		m.mu.Unlock()

		for _, r := range task.receivers {
			r.receiver.OnDataPulled(events, status, elapsedNs)
		}
	}

	m.mu.Lock()
	m.nextPullNs = minNext
	target := m.nextPullNs
	setAlarm := m.SetAlarm
	m.mu.Unlock()

	if setAlarm != nil {
		setAlarm(target)
	}
}
