package timelock

import (
	"fmt"
	"sort"
	"time"

	"VaultLedger/internal/access"
	"VaultLedger/internal/errs"

	"github.com/ethereum/go-ethereum/common"
)

// Gate is what pools consult before activating a vehicle.
type Gate interface {
	// VaultTimelockEnabled reports whether the pool opted into gating.
	VaultTimelockEnabled(pool common.Address) bool
	IsIVActiveForVault(pool, vehicle common.Address, now time.Time) bool
	IsIVInsuredByInsuranceVault(insurer, vehicle common.Address, now time.Time) bool
}

type pair struct {
	owner   common.Address
	vehicle common.Address
}

// Registry records vehicle announcements. An announcement becomes active once
// the timelock delay in force at announcement time has elapsed.
// Not thread-safe. Only accessed from the single-threaded core.
type Registry struct {
	policy access.Policy

	delay          time.Duration
	pendingDelay   *time.Duration
	pendingDelayAt time.Time

	vaultEnabled map[common.Address]bool
	forVault     map[pair]time.Time
	forGlobal    map[common.Address]time.Time
	forInsurance map[pair]time.Time
}

func NewRegistry(policy access.Policy) *Registry {
	return &Registry{
		policy:       policy,
		vaultEnabled: make(map[common.Address]bool),
		forVault:     make(map[pair]time.Time),
		forGlobal:    make(map[common.Address]time.Time),
		forInsurance: make(map[pair]time.Time),
	}
}

// EffectiveTimelock returns the delay in force at now.
func (r *Registry) EffectiveTimelock(now time.Time) time.Duration {
	if r.pendingDelay != nil && !now.Before(r.pendingDelayAt) {
		return *r.pendingDelay
	}
	return r.delay
}

// ChangeTimelockDelay schedules a new delay. It takes effect once the delay
// currently in force has elapsed, so shortening the delay cannot bypass it.
func (r *Registry) ChangeTimelockDelay(caller common.Address, delay time.Duration, now time.Time) error {
	if err := r.policy.RequireGovernance(caller); err != nil {
		return err
	}
	if delay < 0 {
		return fmt.Errorf("%w: negative timelock delay", errs.ErrInvalidParameter)
	}

	current := r.EffectiveTimelock(now)
	r.delay = current
	r.pendingDelay = &delay
	r.pendingDelayAt = now.Add(current)
	return nil
}

func (r *Registry) EnableVaultTimelock(caller, pool common.Address) error {
	if err := r.policy.RequireGovernance(caller); err != nil {
		return err
	}
	r.vaultEnabled[pool] = true
	return nil
}

func (r *Registry) AnnounceIVForVault(caller, pool, vehicle common.Address, now time.Time) error {
	if err := r.policy.RequireGovernance(caller); err != nil {
		return err
	}
	r.forVault[pair{pool, vehicle}] = now.Add(r.EffectiveTimelock(now))
	return nil
}

func (r *Registry) RemoveIVForVault(caller, pool, vehicle common.Address) error {
	if err := r.policy.RequireGovernance(caller); err != nil {
		return err
	}
	delete(r.forVault, pair{pool, vehicle})
	return nil
}

func (r *Registry) AnnounceIVForGlobal(caller, vehicle common.Address, now time.Time) error {
	if err := r.policy.RequireGovernance(caller); err != nil {
		return err
	}
	r.forGlobal[vehicle] = now.Add(r.EffectiveTimelock(now))
	return nil
}

func (r *Registry) RemoveIVForGlobal(caller, vehicle common.Address) error {
	if err := r.policy.RequireGovernance(caller); err != nil {
		return err
	}
	delete(r.forGlobal, vehicle)
	return nil
}

func (r *Registry) AnnounceIVToBeInsuredByInsuranceVault(caller, insurer, vehicle common.Address, now time.Time) error {
	if err := r.policy.RequireGovernance(caller); err != nil {
		return err
	}
	r.forInsurance[pair{insurer, vehicle}] = now.Add(r.EffectiveTimelock(now))
	return nil
}

func (r *Registry) StopFutureInsuringIV(caller, insurer, vehicle common.Address) error {
	if err := r.policy.RequireGovernance(caller); err != nil {
		return err
	}
	delete(r.forInsurance, pair{insurer, vehicle})
	return nil
}

func (r *Registry) VaultTimelockEnabled(pool common.Address) bool {
	return r.vaultEnabled[pool]
}

// IsIVActiveForVault is true when a pool-specific or global announcement has
// matured.
func (r *Registry) IsIVActiveForVault(pool, vehicle common.Address, now time.Time) bool {
	if at, ok := r.forGlobal[vehicle]; ok && !now.Before(at) {
		return true
	}
	at, ok := r.forVault[pair{pool, vehicle}]
	return ok && !now.Before(at)
}

func (r *Registry) IsIVInsuredByInsuranceVault(insurer, vehicle common.Address, now time.Time) bool {
	at, ok := r.forInsurance[pair{insurer, vehicle}]
	return ok && !now.Before(at)
}

// --- Snapshot / restore ---

// Announcement is one (owner, vehicle) activation record. Owner is the zero
// address for global announcements.
type Announcement struct {
	Owner    common.Address `json:"owner"`
	Vehicle  common.Address `json:"vehicle"`
	ActiveAt time.Time      `json:"active_at"`
}

type State struct {
	Delay          time.Duration    `json:"delay"`
	PendingDelay   *time.Duration   `json:"pending_delay,omitempty"`
	PendingDelayAt time.Time        `json:"pending_delay_at"`
	EnabledVaults  []common.Address `json:"enabled_vaults"`
	ForVault       []Announcement   `json:"for_vault"`
	ForGlobal      []Announcement   `json:"for_global"`
	ForInsurance   []Announcement   `json:"for_insurance"`
}

func (r *Registry) Snapshot() State {
	st := State{
		Delay:          r.delay,
		PendingDelayAt: r.pendingDelayAt,
	}
	if r.pendingDelay != nil {
		d := *r.pendingDelay
		st.PendingDelay = &d
	}
	for pool, on := range r.vaultEnabled {
		if on {
			st.EnabledVaults = append(st.EnabledVaults, pool)
		}
	}
	sort.Slice(st.EnabledVaults, func(i, j int) bool {
		return st.EnabledVaults[i].Cmp(st.EnabledVaults[j]) < 0
	})
	st.ForVault = pairsToAnnouncements(r.forVault)
	st.ForInsurance = pairsToAnnouncements(r.forInsurance)
	for vehicle, at := range r.forGlobal {
		st.ForGlobal = append(st.ForGlobal, Announcement{Vehicle: vehicle, ActiveAt: at})
	}
	sortAnnouncements(st.ForGlobal)
	return st
}

func (r *Registry) Restore(st State) {
	r.delay = st.Delay
	r.pendingDelay = nil
	if st.PendingDelay != nil {
		d := *st.PendingDelay
		r.pendingDelay = &d
	}
	r.pendingDelayAt = st.PendingDelayAt

	r.vaultEnabled = make(map[common.Address]bool, len(st.EnabledVaults))
	for _, pool := range st.EnabledVaults {
		r.vaultEnabled[pool] = true
	}
	r.forVault = announcementsToPairs(st.ForVault)
	r.forInsurance = announcementsToPairs(st.ForInsurance)
	r.forGlobal = make(map[common.Address]time.Time, len(st.ForGlobal))
	for _, a := range st.ForGlobal {
		r.forGlobal[a.Vehicle] = a.ActiveAt
	}
}

func pairsToAnnouncements(m map[pair]time.Time) []Announcement {
	out := make([]Announcement, 0, len(m))
	for p, at := range m {
		out = append(out, Announcement{Owner: p.owner, Vehicle: p.vehicle, ActiveAt: at})
	}
	sortAnnouncements(out)
	return out
}

func announcementsToPairs(list []Announcement) map[pair]time.Time {
	m := make(map[pair]time.Time, len(list))
	for _, a := range list {
		m[pair{a.Owner, a.Vehicle}] = a.ActiveAt
	}
	return m
}

func sortAnnouncements(list []Announcement) {
	sort.Slice(list, func(i, j int) bool {
		if c := list[i].Owner.Cmp(list[j].Owner); c != 0 {
			return c < 0
		}
		return list[i].Vehicle.Cmp(list[j].Vehicle) < 0
	})
}
