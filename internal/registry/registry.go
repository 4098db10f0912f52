package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"Rigger/internal/fleet"
	"Rigger/internal/status"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS pools (
	repo               TEXT PRIMARY KEY,
	dedicated_count    INTEGER NOT NULL,
	dynamic_ceiling    INTEGER NOT NULL,
	scale_up_threshold REAL NOT NULL DEFAULT 0,
	idle_timeout_ns    INTEGER NOT NULL,
	cooldown_ns        INTEGER NOT NULL,
	labels             TEXT NOT NULL,
	blocked_kinds      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS instances (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	repo            TEXT NOT NULL,
	kind            TEXT NOT NULL,
	state           TEXT NOT NULL,
	labels          TEXT NOT NULL,
	handle          TEXT NOT NULL,
	cred_value      TEXT NOT NULL,
	cred_issued     INTEGER NOT NULL,
	cred_expires    INTEGER NOT NULL,
	created_at      INTEGER NOT NULL,
	last_heartbeat  INTEGER NOT NULL,
	last_busy       INTEGER NOT NULL,
	missed_beats    INTEGER NOT NULL,
	quarantined     INTEGER NOT NULL,
	version         INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS scaling_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	repo        TEXT NOT NULL,
	action      TEXT NOT NULL,
	reason      TEXT NOT NULL,
	instance_id TEXT NOT NULL,
	failed      INTEGER NOT NULL,
	detail      TEXT NOT NULL,
	at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_repo ON instances(repo);
CREATE INDEX IF NOT EXISTS idx_events_repo_at ON scaling_events(repo, at);
`

// Registry is the single source of truth for pools, runner instances and
// the scaling-event log. Records are cached in memory and written through
// to SQLite so they survive a restart; every other component's view is a
// snapshot taken here, never authoritative.
type Registry struct {
	db     *sql.DB
	bus    *status.Bus
	logger *slog.Logger

	mu        sync.RWMutex
	pools     map[string]fleet.Pool
	instances map[string]*fleet.Instance
}

// Open opens (creating if needed) the registry database at path and loads
// all persisted records. Use ":memory:" for tests.
func Open(path string, bus *status.Bus, logger *slog.Logger) (*Registry, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply registry schema: %w", err)
	}

	r := &Registry{
		db:        db,
		bus:       bus,
		logger:    logger.With("component", "registry"),
		pools:     make(map[string]fleet.Pool),
		instances: make(map[string]*fleet.Instance),
	}
	if err := r.load(); err != nil {
		db.Close()
		return nil, err
	}
	r.logger.Info("registry loaded", "pools", len(r.pools), "instances", len(r.instances))
	return r, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) load() error {
	rows, err := r.db.Query(`SELECT repo, dedicated_count, dynamic_ceiling, scale_up_threshold, idle_timeout_ns, cooldown_ns, labels, blocked_kinds FROM pools`)
	if err != nil {
		return fmt.Errorf("load pools: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p fleet.Pool
		var idle, cooldown int64
		var labels, blocked string
		if err := rows.Scan(&p.Repo, &p.DedicatedCount, &p.DynamicCeiling, &p.ScaleUpThreshold, &idle, &cooldown, &labels, &blocked); err != nil {
			return fmt.Errorf("scan pool: %w", err)
		}
		p.IdleTimeout = time.Duration(idle)
		p.Cooldown = time.Duration(cooldown)
		p.Labels = decodeStrings(labels)
		p.BlockedKinds = decodeStrings(blocked)
		r.pools[p.Repo] = p
	}
	if err := rows.Err(); err != nil {
		return err
	}

	irows, err := r.db.Query(`SELECT id, name, repo, kind, state, labels, handle, cred_value, cred_issued, cred_expires, created_at, last_heartbeat, last_busy, missed_beats, quarantined, version FROM instances`)
	if err != nil {
		return fmt.Errorf("load instances: %w", err)
	}
	defer irows.Close()
	for irows.Next() {
		inst, err := scanInstance(irows)
		if err != nil {
			return err
		}
		r.instances[inst.ID] = inst
	}
	return irows.Err()
}

// EnsurePool writes the configured pool record, replacing any persisted
// settings for the same repository. Member instances are untouched.
func (r *Registry) EnsurePool(p fleet.Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(
		`INSERT INTO pools (repo, dedicated_count, dynamic_ceiling, scale_up_threshold, idle_timeout_ns, cooldown_ns, labels, blocked_kinds)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(repo) DO UPDATE SET
		   dedicated_count    = excluded.dedicated_count,
		   dynamic_ceiling    = excluded.dynamic_ceiling,
		   scale_up_threshold = excluded.scale_up_threshold,
		   idle_timeout_ns    = excluded.idle_timeout_ns,
		   cooldown_ns        = excluded.cooldown_ns,
		   labels             = excluded.labels,
		   blocked_kinds      = excluded.blocked_kinds`,
		p.Repo, p.DedicatedCount, p.DynamicCeiling, p.ScaleUpThreshold,
		int64(p.IdleTimeout), int64(p.Cooldown),
		encodeStrings(p.Labels), encodeStrings(p.BlockedKinds))
	if err != nil {
		return fmt.Errorf("ensure pool %s: %w", p.Repo, err)
	}
	r.pools[p.Repo] = p
	return nil
}

// GetPool returns the pool for repo, or fleet.ErrNotFound.
func (r *Registry) GetPool(repo string) (fleet.Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[repo]
	if !ok {
		return fleet.Pool{}, fmt.Errorf("pool %s: %w", repo, fleet.ErrNotFound)
	}
	return p, nil
}

// Pools returns all pools sorted by repository.
func (r *Registry) Pools() []fleet.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]fleet.Pool, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Repo < out[j].Repo })
	return out
}

// ListInstances returns a snapshot of the pool's member instances.
func (r *Registry) ListInstances(repo string) ([]fleet.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.pools[repo]; !ok {
		return nil, fmt.Errorf("pool %s: %w", repo, fleet.ErrNotFound)
	}
	var out []fleet.Instance
	for _, inst := range r.instances {
		if inst.Repo == repo {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetInstance returns a snapshot of one instance, or fleet.ErrNotFound.
func (r *Registry) GetInstance(id string) (fleet.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return fleet.Instance{}, fmt.Errorf("instance %s: %w", id, fleet.ErrNotFound)
	}
	return *inst, nil
}

// DynamicCount returns the number of active dynamic instances in the pool.
func (r *Registry) DynamicCount(repo string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, inst := range r.instances {
		if inst.Repo == repo && inst.Kind == fleet.KindDynamic && inst.State.Active() {
			n++
		}
	}
	return n
}

// UpsertInstance commits the given snapshot. For an existing record the
// snapshot's version must match the stored one (optimistic concurrency);
// a mismatch returns fleet.ErrConflict and the caller re-reads. The
// committed copy, with its bumped version, is returned.
func (r *Registry) UpsertInstance(inst fleet.Instance) (fleet.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, exists := r.instances[inst.ID]
	if exists {
		if prev.Version != inst.Version {
			return fleet.Instance{}, fmt.Errorf("instance %s: %w", inst.ID, fleet.ErrConflict)
		}
		if prev.State != inst.State && !fleet.CanTransition(prev.State, inst.State) {
			return fleet.Instance{}, fmt.Errorf("instance %s: illegal transition %s -> %s", inst.ID, prev.State, inst.State)
		}
	}
	inst.Version++

	if err := r.writeInstance(inst); err != nil {
		return fleet.Instance{}, err
	}

	stored := inst
	r.instances[inst.ID] = &stored
	if exists && prev.State != inst.State {
		r.publishTransition(inst, prev.State, inst.State)
	} else if !exists {
		r.publishTransition(inst, "", inst.State)
	}
	return inst, nil
}

// Transition moves one instance from -> to as a single serialized update,
// failing with fleet.ErrConflict if the instance is no longer in from.
// This is the commit point for every concurrent state decision.
func (r *Registry) Transition(id string, from, to fleet.State) (fleet.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return fleet.Instance{}, fmt.Errorf("instance %s: %w", id, fleet.ErrNotFound)
	}
	if inst.State != from {
		return fleet.Instance{}, fmt.Errorf("instance %s is %s, not %s: %w", id, inst.State, from, fleet.ErrConflict)
	}
	if !fleet.CanTransition(from, to) {
		return fleet.Instance{}, fmt.Errorf("instance %s: illegal transition %s -> %s", id, from, to)
	}

	next := *inst
	next.State = to
	next.Version++
	if to == fleet.StateBusy {
		next.LastBusy = time.Now()
	}
	if err := r.writeInstance(next); err != nil {
		return fleet.Instance{}, err
	}
	*inst = next
	r.publishTransition(next, from, to)
	return next, nil
}

// RemoveInstance deletes the record. Removing an unknown instance returns
// fleet.ErrNotFound. Callers must have destroyed the backing unit first.
func (r *Registry) RemoveInstance(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("instance %s: %w", id, fleet.ErrNotFound)
	}
	if _, err := r.db.Exec(`DELETE FROM instances WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	from := inst.State
	delete(r.instances, id)
	if from != fleet.StateTerminated {
		r.publishTransition(*inst, from, fleet.StateTerminated)
	}
	return nil
}

// AppendEvent appends to the scaling log and pushes the event to the
// status channel.
func (r *Registry) AppendEvent(e fleet.Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	res, err := r.db.Exec(
		`INSERT INTO scaling_events (repo, action, reason, instance_id, failed, detail, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Repo, e.Action, e.Reason, e.InstanceID, boolInt(e.Failed), e.Detail, e.At.UnixNano())
	if err != nil {
		return fmt.Errorf("append scaling event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	if r.bus != nil {
		r.bus.Publish(status.Update{Kind: status.KindScaling, Repo: e.Repo, InstanceID: e.InstanceID, Event: &e, At: e.At})
	}
	return nil
}

// Events returns the most recent events for repo, newest first. An empty
// repo spans all pools.
func (r *Registry) Events(repo string, limit int) ([]fleet.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, repo, action, reason, instance_id, failed, detail, at
		 FROM scaling_events WHERE repo = ? ORDER BY at DESC, id DESC LIMIT ?`
	args := []any{repo, limit}
	if repo == "" {
		query = `SELECT id, repo, action, reason, instance_id, failed, detail, at
		 FROM scaling_events ORDER BY at DESC, id DESC LIMIT ?`
		args = []any{limit}
	}
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []fleet.Event
	for rows.Next() {
		var e fleet.Event
		var failed int
		var at int64
		if err := rows.Scan(&e.ID, &e.Repo, &e.Action, &e.Reason, &e.InstanceID, &failed, &e.Detail, &at); err != nil {
			return nil, err
		}
		e.Failed = failed != 0
		e.At = time.Unix(0, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastScalingAction returns the time of the pool's last successful
// demand- or idle-driven scaling action. This is the cooldown gate:
// recovery and forced-recreate events do not count.
func (r *Registry) LastScalingAction(repo string) (time.Time, bool) {
	var at sql.NullInt64
	err := r.db.QueryRow(
		`SELECT MAX(at) FROM scaling_events
		 WHERE repo = ? AND failed = 0 AND reason IN (?, ?)`,
		repo, fleet.ReasonDemand, fleet.ReasonIdleTimeout).Scan(&at)
	if err != nil || !at.Valid {
		return time.Time{}, false
	}
	return time.Unix(0, at.Int64), true
}

func (r *Registry) writeInstance(inst fleet.Instance) error {
	_, err := r.db.Exec(
		`INSERT INTO instances (id, name, repo, kind, state, labels, handle, cred_value, cred_issued, cred_expires, created_at, last_heartbeat, last_busy, missed_beats, quarantined, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, state = excluded.state, labels = excluded.labels,
		   handle = excluded.handle, cred_value = excluded.cred_value,
		   cred_issued = excluded.cred_issued, cred_expires = excluded.cred_expires,
		   last_heartbeat = excluded.last_heartbeat, last_busy = excluded.last_busy,
		   missed_beats = excluded.missed_beats, quarantined = excluded.quarantined,
		   version = excluded.version`,
		inst.ID, inst.Name, inst.Repo, string(inst.Kind), string(inst.State),
		encodeStrings(inst.Labels), inst.Handle,
		inst.Credential.Value, inst.Credential.IssuedAt.UnixNano(), inst.Credential.ExpiresAt.UnixNano(),
		inst.CreatedAt.UnixNano(), inst.LastHeartbeat.UnixNano(), inst.LastBusy.UnixNano(),
		inst.MissedBeats, boolInt(inst.Quarantined), inst.Version)
	if err != nil {
		return fmt.Errorf("write instance %s: %w", inst.ID, err)
	}
	return nil
}

func (r *Registry) publishTransition(inst fleet.Instance, from, to fleet.State) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(status.Update{
		Kind:       status.KindTransition,
		Repo:       inst.Repo,
		InstanceID: inst.ID,
		From:       from,
		To:         to,
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*fleet.Instance, error) {
	var inst fleet.Instance
	var kind, state, labels string
	var issued, expires, created, beat, busy int64
	var quarantined int
	err := row.Scan(&inst.ID, &inst.Name, &inst.Repo, &kind, &state, &labels, &inst.Handle,
		&inst.Credential.Value, &issued, &expires, &created, &beat, &busy,
		&inst.MissedBeats, &quarantined, &inst.Version)
	if err != nil {
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	inst.Kind = fleet.Kind(kind)
	inst.State = fleet.State(state)
	inst.Labels = decodeStrings(labels)
	inst.Credential.IssuedAt = time.Unix(0, issued)
	inst.Credential.ExpiresAt = time.Unix(0, expires)
	inst.CreatedAt = time.Unix(0, created)
	inst.LastHeartbeat = time.Unix(0, beat)
	inst.LastBusy = time.Unix(0, busy)
	inst.Quarantined = quarantined != 0
	return &inst, nil
}

func encodeStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func decodeStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		// Legacy comma-separated values.
		return strings.Split(s, ",")
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
