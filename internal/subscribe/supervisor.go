package subscribe

import (
	"context"
	"sync"
	"time"

	"github.com/fluxmq/broker/internal/config"
	"github.com/fluxmq/broker/internal/logger"
)

// crashWindow is the lookback the supervisor uses to decide a
// subscription is crash-looping.
const crashWindow = 60 * time.Second

// crashHaltThreshold is the most crashes within crashWindow a
// subscription's worker is respawned after; one more halts it until
// Resubscribe clears the halt.
const crashHaltThreshold = 5

type handle struct {
	worker *ExclusivePushWorker
	cancel context.CancelFunc

	crashes []time.Time
	halted  bool
}

// Supervisor is the only component permitted to spawn or stop push
// workers: it runs a reconciliation loop that keeps the live worker set
// equal to the current set of exclusive subscriptions, and restarts
// workers that exit unexpectedly after a 1s cool-down, unless the
// subscription has crash-looped past crashHaltThreshold.
type Supervisor struct {
	table    *SubscriptionTable
	storage  StorageAdapter
	metadata MetadataCache
	qos      *QosProtocol
	cfg      config.DispatchConfig
	log      *logger.Logger
	metrics  *Metrics

	mu      sync.Mutex
	handles map[key]*handle
}

// NewSupervisor wires a supervisor to its collaborators. Run must be
// called to start the reconciliation loop.
func NewSupervisor(table *SubscriptionTable, storage StorageAdapter, metadata MetadataCache, qos *QosProtocol, cfg config.DispatchConfig, log *logger.Logger, metrics *Metrics) *Supervisor {
	return &Supervisor{
		table:    table,
		storage:  storage,
		metadata: metadata,
		qos:      qos,
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		handles:  make(map[key]*handle),
	}
}

// Run executes the reconciliation loop at 1s cadence until ctx is
// cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

func (s *Supervisor) reconcile(ctx context.Context) {
	subs := s.table.ListAllExclusive()
	wanted := make(map[key]Subscription, len(subs))
	for _, sub := range subs {
		wanted[key{ClientID: sub.ClientID, TopicID: sub.TopicID}] = sub
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Spawn workers for subscriptions not yet backed by a live worker.
	for k, sub := range wanted {
		if _, exists := s.handles[k]; exists {
			continue
		}
		s.spawnLocked(ctx, k, sub)
	}

	// Stop workers whose subscription no longer exists.
	for k, h := range s.handles {
		if _, stillWanted := wanted[k]; !stillWanted {
			h.cancel()
			h.worker.Stop()
			delete(s.handles, k)
		}
	}

	s.metrics.SetLiveWorkers(len(s.handles))
}

func (s *Supervisor) spawnLocked(ctx context.Context, k key, sub Subscription) {
	h := &handle{}
	s.handles[k] = h
	s.startLocked(ctx, k, sub, h)
}

func (s *Supervisor) startLocked(ctx context.Context, k key, sub Subscription, h *handle) {
	if h.halted {
		return
	}

	workerCtx, cancel := context.WithCancel(ctx)
	worker := NewExclusivePushWorker(sub, s.storage, s.metadata, s.qos, s.cfg, s.log, s.metrics)
	h.worker = worker
	h.cancel = cancel

	s.log.LogSupervisorEvent(sub.ClientID, sub.TopicName, "spawned")

	go func() {
		err := worker.Run(workerCtx)
		cancel()
		if err != nil {
			s.log.LogError(err, "push worker exited", logger.ClientID(sub.ClientID), logger.String("topic", sub.TopicName))
		}
		s.handleExit(k, sub)
	}()
}

// handleExit is invoked from the worker's goroutine when Run returns.
// If the subscription still exists, the worker is respawned after a 1s
// cool-down unless the subscription has crash-looped.
func (s *Supervisor) handleExit(k key, sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, tracked := s.handles[k]
	if !tracked {
		// Supervisor already tore this down as unwanted; nothing to do.
		return
	}

	now := time.Now()
	h.crashes = append(h.crashes, now)
	cutoff := now.Add(-crashWindow)
	kept := h.crashes[:0]
	for _, t := range h.crashes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	h.crashes = kept

	s.metrics.ObserveWorkerCrash(sub.ClientID, sub.TopicID)

	if len(h.crashes) > crashHaltThreshold {
		h.halted = true
		s.log.LogSupervisorEvent(sub.ClientID, sub.TopicName, "halted_crash_loop")
		return
	}

	time.AfterFunc(1*time.Second, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		current, stillTracked := s.handles[k]
		if !stillTracked || current != h || h.halted {
			return
		}
		if _, stillWanted := s.wantedLocked()[k]; !stillWanted {
			delete(s.handles, k)
			return
		}
		s.startLocked(context.Background(), k, sub, h)
	})
}

func (s *Supervisor) wantedLocked() map[key]Subscription {
	subs := s.table.ListAllExclusive()
	wanted := make(map[key]Subscription, len(subs))
	for _, sub := range subs {
		wanted[key{ClientID: sub.ClientID, TopicID: sub.TopicID}] = sub
	}
	return wanted
}

// Resubscribe clears a halted handle so the next reconciliation tick
// spawns a fresh worker. It is called through Engine.Subscribe, which
// runs for an explicit SUBSCRIBE and also for every PUBLISH matching an
// existing filter, so either one clears a halt; the two are not told
// apart. A no-op unless that handle exists and is halted: a live, un-halted worker is left running so a
// repeat Subscribe() call (e.g. one per matching PUBLISH) never orphans
// the worker already serving this key.
func (s *Supervisor) Resubscribe(clientID, topicID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{ClientID: clientID, TopicID: topicID}
	h, tracked := s.handles[k]
	if !tracked || !h.halted {
		return
	}
	delete(s.handles, k)
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, h := range s.handles {
		h.cancel()
		h.worker.Stop()
		delete(s.handles, k)
	}
}

// LiveWorkerCount reports the number of tracked handles, used by tests
// to assert supervisor convergence.
func (s *Supervisor) LiveWorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}
