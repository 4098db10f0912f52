package fleet

import (
	"time"
)

// Kind distinguishes always-on pool members from on-demand ones.
type Kind string

const (
	KindDedicated Kind = "dedicated"
	KindDynamic   Kind = "dynamic"
)

// Pool describes one repository's runner pool and its scaling knobs.
type Pool struct {
	Repo           string        `json:"repo"`
	DedicatedCount int           `json:"dedicated_count"`
	DynamicCeiling int           `json:"dynamic_ceiling"`
	// ScaleUpThreshold is the busy fraction that triggers a scale-up.
	// Zero means 1.0, i.e. only scale when every runner is busy.
	ScaleUpThreshold float64       `json:"scale_up_threshold,omitempty"`
	IdleTimeout      time.Duration `json:"idle_timeout"`
	Cooldown         time.Duration `json:"cooldown"`
	Labels           []string      `json:"labels"`
	BlockedKinds     []string      `json:"blocked_kinds,omitempty"`
}

// EffectiveScaleUpThreshold normalizes the configured threshold.
func (p Pool) EffectiveScaleUpThreshold() float64 {
	if p.ScaleUpThreshold <= 0 || p.ScaleUpThreshold > 1 {
		return 1.0
	}
	return p.ScaleUpThreshold
}

// Instance is one runner execution unit. The registry owns these records;
// every other component works on copies and commits changes back through it.
type Instance struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Repo          string     `json:"repo"`
	Kind          Kind       `json:"kind"`
	State         State      `json:"state"`
	Labels        []string   `json:"labels"`
	Handle        string     `json:"handle"`
	Credential    Credential `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	LastBusy      time.Time  `json:"last_busy"`
	MissedBeats   int        `json:"missed_beats"`
	Quarantined   bool       `json:"quarantined"`

	// Version is bumped by the registry on every committed write. A stale
	// version on commit means another component won the race.
	Version int64 `json:"-"`
}

// Credential is the time-limited registration secret a runner uses against
// the CI platform. Owned by exactly one instance, never shared.
type Credential struct {
	Value     string    `json:"-"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TTL returns the credential's total lifetime.
func (c Credential) TTL() time.Duration {
	return c.ExpiresAt.Sub(c.IssuedAt)
}

// RefreshAt returns the instant a proactive refresh should fire, at the
// given fraction of the TTL past issuance.
func (c Credential) RefreshAt(fraction float64) time.Time {
	return c.IssuedAt.Add(time.Duration(fraction * float64(c.TTL())))
}

// Expired reports whether the credential is past its expiry at time now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// Scaling event actions and reasons.
const (
	ActionScaleUp   = "scale-up"
	ActionScaleDown = "scale-down"

	ReasonDemand         = "demand"
	ReasonIdleTimeout    = "idle-timeout"
	ReasonRecovery       = "recovery"
	ReasonForcedRecreate = "forced-recreate"
	ReasonBootstrap      = "bootstrap"
	// ReasonResume marks the completion of a decommission that stalled in
	// draining on an earlier attempt, whatever originally started it.
	ReasonResume = "resume"
)

// Event is one append-only scaling log entry. Failed records attempts that
// did not change the fleet; they are kept for audit but do not gate cooldown.
type Event struct {
	ID         int64     `json:"id"`
	Repo       string    `json:"repo"`
	Action     string    `json:"action"`
	Reason     string    `json:"reason"`
	InstanceID string    `json:"instance_id,omitempty"`
	Failed     bool      `json:"failed,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// HasAllLabels reports whether the instance's capability labels are a
// superset of want.
func (i Instance) HasAllLabels(want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(i.Labels))
	for _, l := range i.Labels {
		have[l] = struct{}{}
	}
	for _, l := range want {
		if _, ok := have[l]; !ok {
			return false
		}
	}
	return true
}

// HasAnyLabel reports whether any of the given labels is present on the
// instance. Used for anti-affinity checks.
func (i Instance) HasAnyLabel(labels []string) bool {
	for _, l := range labels {
		for _, have := range i.Labels {
			if l == have {
				return true
			}
		}
	}
	return false
}
