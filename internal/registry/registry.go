// Package registry is the process-wide directory of active sessions.
// It tracks creation and last-seen timestamps per session and drives
// workspace expiry: the reaper sweeps the registry on a schedule and
// purges workspaces idle past the configured TTL.
//
// Session lifecycle: Unseen → Active (first Touch) → Active with
// advancing lastSeen → Expired (sweep decision, terminal). A request
// arriving after expiry re-creates the session from scratch;
// indistinguishable from a brand-new user.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/hesabu/internal/identity"
)

// Record is the registry's view of one session. LastSeenAt is the only
// mutable field; it is updated under the per-entry lock so the reaper's
// expiry decision and concurrent touches never race.
type Record struct {
	ID            identity.SessionID `json:"id"`
	CreatedAt     time.Time          `json:"created_at"`
	LastSeenAt    time.Time          `json:"last_seen_at"`
	WorkspaceRoot string             `json:"workspace_root"`
}

// Purger destroys a session's on-disk workspace. Satisfied by
// *workspace.Store.
type Purger interface {
	Purge(identity.SessionID) error
}

// RecordStore persists registry records across restarts. Optional: a nil
// store leaves the registry purely in-memory.
type RecordStore interface {
	Upsert(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id identity.SessionID) error
	List(ctx context.Context) ([]Record, error)
}

// Stats is the registry's aggregate view for operational reporting.
type Stats struct {
	ActiveSessions int `json:"active_sessions"`
}

// entry wraps a record with its own lock so touches on different
// sessions never contend with each other. dropped marks an entry that has
// been removed from the map; a touch holding a stale pointer to it must
// retry rather than write into an orphan the registry can no longer see.
type entry struct {
	mu      sync.Mutex
	rec     Record
	dropped bool
}

// Registry is safe for concurrent use from request handlers and the
// reaper. The outer map lock is held only for lookups and insertions,
// never across I/O.
type Registry struct {
	logger *slog.Logger
	store  RecordStore
	now    func() time.Time

	mu      sync.RWMutex
	entries map[identity.SessionID]*entry
}

// New creates an empty registry. store may be nil.
func New(store RecordStore, logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger,
		store:   store,
		now:     time.Now,
		entries: make(map[identity.SessionID]*entry),
	}
}

// Hydrate loads persisted records into memory. Called once on startup,
// before the registry starts taking traffic.
func (r *Registry) Hydrate(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.List(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for _, rec := range recs {
		r.entries[rec.ID] = &entry{rec: rec}
	}
	r.mu.Unlock()

	if len(recs) > 0 {
		r.logger.Info("session registry hydrated", slog.Int("sessions", len(recs)))
	}
	return nil
}

// Touch creates the record for id if absent, else advances LastSeenAt.
// No lost-create race: concurrent first touches for the same id coalesce
// onto one entry. Returns the updated record.
func (r *Registry) Touch(ctx context.Context, id identity.SessionID, workspaceRoot string) Record {
	var rec Record
	for {
		e := r.entryFor(id)

		e.mu.Lock()
		if e.dropped {
			// A sweep or explicit remove deleted this entry from the map
			// after we looked it up. Writing here would register the
			// session into an orphan, so grab a fresh entry instead.
			e.mu.Unlock()
			continue
		}
		now := r.now()
		if e.rec.ID == "" {
			e.rec = Record{
				ID:            id,
				CreatedAt:     now,
				WorkspaceRoot: workspaceRoot,
			}
			r.logger.Info("session registered", slog.String("session_id", string(id)))
		}
		e.rec.LastSeenAt = now
		if e.rec.WorkspaceRoot == "" {
			e.rec.WorkspaceRoot = workspaceRoot
		}
		rec = e.rec
		e.mu.Unlock()
		break
	}

	r.persist(ctx, rec)
	return rec
}

// Get returns the record for id, if present.
func (r *Registry) Get(id identity.SessionID) (Record, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Record{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dropped || e.rec.ID == "" {
		return Record{}, false
	}
	return e.rec, true
}

// Remove drops a session from the registry and purges its workspace.
// Used for explicit user-initiated purges; sweep expiry goes through
// Sweep instead.
func (r *Registry) Remove(ctx context.Context, id identity.SessionID, purger Purger) error {
	if err := purger.Purge(id); err != nil {
		return err
	}
	r.drop(ctx, id)
	return nil
}

// Sweep purges every session idle longer than ttl and returns the count.
// The expiry decision is made under the entry lock immediately before the
// purge, claiming the record in the same critical section, so a session
// touched after the snapshot survives untouched and a touch landing
// mid-purge re-registers as a fresh session. Purge failures restore the
// claimed record and are retried next cycle; they never propagate to
// request traffic.
func (r *Registry) Sweep(ctx context.Context, ttl time.Duration, purger Purger) int {
	r.mu.RLock()
	snapshot := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, e)
	}
	r.mu.RUnlock()

	cutoff := r.now().Add(-ttl)
	purged := 0
	for _, e := range snapshot {
		// Decide and claim atomically: clearing the record before the
		// purge means a concurrent touch rebuilds the session from
		// scratch instead of keeping a record whose workspace is about
		// to disappear underneath it.
		e.mu.Lock()
		rec := e.rec
		expired := !e.dropped && rec.ID != "" && rec.LastSeenAt.Before(cutoff)
		if expired {
			e.rec = Record{}
		}
		e.mu.Unlock()
		if !expired {
			continue
		}

		if err := purger.Purge(rec.ID); err != nil {
			// Put the claimed record back, unless a touch already rebuilt
			// it, so the next sweep retries the purge.
			e.mu.Lock()
			if !e.dropped && e.rec.ID == "" {
				e.rec = rec
			}
			e.mu.Unlock()
			r.logger.Error("sweep purge failed, will retry next cycle",
				slog.String("session_id", string(rec.ID)),
				slog.String("error", err.Error()),
			)
			continue
		}

		// A touch that landed between the claim and the purge rebuilt the
		// record; keep the entry and let the next cycle decide.
		e.mu.Lock()
		resurrected := e.rec.ID != ""
		e.mu.Unlock()
		if resurrected {
			continue
		}

		r.drop(ctx, rec.ID)
		purged++
		r.logger.Info("session expired",
			slog.String("session_id", string(rec.ID)),
			slog.Time("last_seen", rec.LastSeenAt),
		)
	}
	return purged
}

// Stats reports the number of active sessions.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		e.mu.Lock()
		if e.rec.ID != "" {
			n++
		}
		e.mu.Unlock()
	}
	return Stats{ActiveSessions: n}
}

func (r *Registry) entryFor(id identity.SessionID) *entry {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e
	}
	e = &entry{}
	r.entries[id] = e
	return e
}

func (r *Registry) drop(ctx context.Context, id identity.SessionID) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		// Mark before unmapping so a touch holding this entry retries
		// against the map instead of writing into an orphan.
		e.mu.Lock()
		e.dropped = true
		e.rec = Record{}
		e.mu.Unlock()
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Delete(ctx, id); err != nil {
			r.logger.Warn("deleting persisted session record",
				slog.String("session_id", string(id)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (r *Registry) persist(ctx context.Context, rec Record) {
	if r.store == nil {
		return
	}
	if err := r.store.Upsert(ctx, rec); err != nil {
		// Persistence is best-effort; the in-memory record stays
		// authoritative for this process's lifetime.
		r.logger.Warn("persisting session record",
			slog.String("session_id", string(rec.ID)),
			slog.String("error", err.Error()),
		)
	}
}
