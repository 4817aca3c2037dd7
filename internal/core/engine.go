package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"VaultLedger/internal/errs"
	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/pool"
	"VaultLedger/internal/rewards"
	"VaultLedger/internal/vehicle"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Engine is the deterministic command processor. Every command runs under
// one lock against a snapshot of the world; a failed command leaves no trace.
type Engine struct {
	mu sync.Mutex

	world       *World
	sequence    int64
	hasher      *StateHasher
	validator   *ledger.InvariantValidator
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
	closed         bool
}

// ErrClosed is returned by Execute after Close.
var ErrClosed = errors.New("engine closed")

// Options configures NewEngine. Nil channels disable the corresponding
// output; a nil DB checker disables tier-2 dedup.
type Options struct {
	Governance     common.Address
	StartSequence  int64
	LRUCapacity    int
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
	DBChecker      DBIdempotencyChecker
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
}

// CoreOutput is everything downstream workers need about one applied
// command.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte // canonical digest the state hash was computed over
	Vehicles   []VehicleView
	Pools      []PoolView
}

// Receipt is returned to the submitter of an applied (or duplicate) command.
type Receipt struct {
	Sequence  int64           `json:"sequence"`
	Kind      event.EventType `json:"kind"`
	Duplicate bool            `json:"duplicate"`
	Result    json.RawMessage `json:"result,omitempty"`
	StateHash string          `json:"state_hash,omitempty"`
}

const defaultLRUCapacity = 1_000_000

func NewEngine(opts Options) *Engine {
	capacity := opts.LRUCapacity
	if capacity <= 0 {
		capacity = defaultLRUCapacity
	}
	world := NewWorld(opts.Governance)
	return &Engine{
		world:          world,
		sequence:       opts.StartSequence,
		hasher:         NewStateHasher(),
		validator:      ledger.NewInvariantValidator(world.Ledger),
		idempotency:    NewIdempotencyChecker(capacity, opts.DBChecker, opts.Metrics, opts.Logger),
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		persistChan:    opts.PersistChan,
		projectionChan: opts.ProjectionChan,
	}
}

// Execute applies one command. Duplicates return a receipt flagged
// Duplicate and change nothing.
func (e *Engine) Execute(ctx context.Context, cmd *event.Command) (*Receipt, error) {
	if err := cmd.Validate(); err != nil {
		e.recordRejected(cmd.Kind, err)
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}

	kind := cmd.Kind.String()
	if e.idempotency.IsDuplicate(ctx, kind, cmd.IdempotencyKey()) {
		if e.metrics != nil {
			e.metrics.CoreCommandsRejected.WithLabelValues(kind, "duplicate").Inc()
		}
		e.logger.Debug().Str("kind", kind).Str("key", cmd.IdempotencyKey()).Msg("duplicate command skipped")
		return &Receipt{Kind: cmd.Kind, Duplicate: true}, nil
	}

	output, receipt, err := e.apply(cmd)
	if err != nil {
		return nil, err
	}

	// Persistence: blocking send. The core stalls until the worker drains so
	// no applied command is lost.
	if e.persistChan != nil {
		select {
		case e.persistChan <- *output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- *output
		}
	}

	// Projections: non-blocking send, dropped when full. Projections rebuild
	// from the event log.
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- *output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	e.idempotency.MarkProcessed(kind, cmd.IdempotencyKey())
	return receipt, nil
}

// Replay re-applies a command read back from the event log during recovery.
// It skips dedup and emits nothing, and fails if the recomputed sequence or
// state hash differs from what was stored.
func (e *Engine) Replay(cmd *event.Command, sequence int64, stateHash [32]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sequence != e.sequence {
		return fmt.Errorf("replay: stored sequence %d, engine expects %d", sequence, e.sequence)
	}
	output, _, err := e.apply(cmd)
	if err != nil {
		return fmt.Errorf("replay seq %d (%s): %w", sequence, cmd.Kind, err)
	}
	if output.Envelope.StateHash != stateHash {
		return fmt.Errorf("replay seq %d: state hash mismatch, stored %x computed %x",
			sequence, stateHash, output.Envelope.StateHash)
	}
	e.idempotency.MarkProcessed(cmd.Kind.String(), cmd.IdempotencyKey())
	return nil
}

// apply runs cmd against the world. On any failure the world is restored to
// its state before the call.
func (e *Engine) apply(cmd *event.Command) (*CoreOutput, *Receipt, error) {
	start := time.Now()
	kind := cmd.Kind.String()

	before := e.world.Snapshot()
	e.world.Ledger.BeginBatch(cmd.IdempotencyKey(), e.sequence, cmd.Timestamp.UnixMicro())

	result, touched, err := e.dispatch(cmd)
	batch := e.world.Ledger.TakeBatch()
	if err == nil {
		err = e.checkInvariants(batch)
	}
	if err != nil {
		if rerr := e.world.Restore(before); rerr != nil {
			panic(fmt.Sprintf("FATAL: restore after failed %s: %v (cause: %v)", kind, rerr, err))
		}
		if e.metrics != nil && errors.Is(err, errs.ErrInvariantViolated) {
			e.metrics.CoreRollbacks.Inc()
		}
		e.recordRejected(cmd.Kind, err)
		return nil, nil, err
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s result: %v", kind, err))
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s command: %v", kind, err))
	}

	hashStart := time.Now()
	touched = e.touchedBy(cmd, batch, touched)
	digest := e.computeStateDigest(cmd, batch, touched)
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, digest)
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.EventEnvelope{
		Sequence:       e.sequence,
		IdempotencyKey: cmd.IdempotencyKey(),
		EventType:      cmd.Kind,
		Target:         cmd.Target,
		Timestamp:      cmd.Timestamp,
		Payload:        payload,
		Result:         resultJSON,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output := &CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		StateDelta: digest,
		Vehicles:   e.vehicleViews(touched),
		Pools:      e.poolViews(touched),
	}
	receipt := &Receipt{
		Sequence:  e.sequence,
		Kind:      cmd.Kind,
		Result:    resultJSON,
		StateHash: fmt.Sprintf("%x", stateHash),
	}
	e.sequence++

	if e.metrics != nil {
		e.metrics.CoreCommandsApplied.WithLabelValues(kind).Inc()
		e.metrics.CoreCommandDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
		if batch != nil {
			for _, j := range batch.Journals {
				e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
		e.observeEntities(output)
	}
	e.logger.Debug().
		Int64("seq", envelope.Sequence).
		Str("kind", kind).
		Str("target", cmd.Target.Hex()).
		Msg("command applied")

	return output, receipt, nil
}

func (e *Engine) recordRejected(kind event.EventType, err error) {
	if e.metrics != nil {
		e.metrics.CoreCommandsRejected.WithLabelValues(kind.String(), errs.Reason(err)).Inc()
	}
	e.logger.Warn().Err(err).Str("kind", kind.String()).Str("reason", errs.Reason(err)).Msg("command rejected")
}

// checkInvariants runs after every command. Any failure rolls the command
// back.
func (e *Engine) checkInvariants(batch *ledger.Batch) error {
	if err := e.validator.ValidateBatch(batch); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvariantViolated, err)
	}
	if batch != nil {
		seen := make(map[common.Address]bool)
		for _, j := range batch.Journals {
			if seen[j.Asset] {
				continue
			}
			seen[j.Asset] = true
			a, ok := e.world.Ledger.Asset(j.Asset)
			if !ok {
				return fmt.Errorf("%w: journal for unknown asset %s", errs.ErrInvariantViolated, j.Asset.Hex())
			}
			if err := e.validator.ValidateSupply(a); err != nil {
				return fmt.Errorf("%w: %v", errs.ErrInvariantViolated, err)
			}
		}
	}
	for _, v := range e.world.Vehicles() {
		if err := v.CheckInvariants(); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrInvariantViolated, err)
		}
	}
	for _, p := range e.world.Pools() {
		if err := p.CheckInvariants(); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrInvariantViolated, err)
		}
	}
	return nil
}

// touchedBy adds the command's own addresses and every journal party to the
// set returned by the handler, deduplicated and sorted.
func (e *Engine) touchedBy(cmd *event.Command, batch *ledger.Batch, touched []common.Address) []common.Address {
	set := make(map[common.Address]bool, len(touched)+4)
	add := func(a common.Address) {
		if a != (common.Address{}) {
			set[a] = true
		}
	}
	for _, a := range touched {
		add(a)
	}
	add(cmd.Target)
	add(cmd.Account)
	for _, v := range cmd.Vehicles {
		add(v)
	}
	if batch != nil {
		for _, j := range batch.Journals {
			add(j.From)
			add(j.To)
		}
	}
	out := make([]common.Address, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Cmp(out[j]) < 0
	})
	return out
}

// --- digest ---

type journalDigest struct {
	Asset  common.Address `json:"asset"`
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount string         `json:"amount"`
	Type   string         `json:"type"`
}

type assetDigest struct {
	Address     common.Address `json:"address"`
	TotalSupply string         `json:"total_supply"`
}

// stateDigest is the canonical JSON the state hash covers: the command's
// journals plus the post-state of every entity it touched. Map keys are
// sorted by encoding/json.
type stateDigest struct {
	Sequence    int64           `json:"sequence"`
	Kind        event.EventType `json:"kind"`
	Timestamp   int64           `json:"timestamp"`
	Journals    []journalDigest `json:"journals"`
	Assets      []assetDigest   `json:"assets,omitempty"`
	Vehicles    []vehicle.State `json:"vehicles,omitempty"`
	Pools       []pool.State    `json:"pools,omitempty"`
	RewardPools []rewards.State `json:"reward_pools,omitempty"`
}

// computeStateDigest creates canonical bytes for state hash
func (e *Engine) computeStateDigest(cmd *event.Command, batch *ledger.Batch, touched []common.Address) []byte {
	d := stateDigest{
		Sequence:  e.sequence,
		Kind:      cmd.Kind,
		Timestamp: cmd.Timestamp.UnixMicro(),
		Journals:  []journalDigest{},
	}
	if batch != nil {
		for _, j := range batch.Journals {
			d.Journals = append(d.Journals, journalDigest{
				Asset:  j.Asset,
				From:   j.From,
				To:     j.To,
				Amount: j.Amount.String(),
				Type:   j.JournalType.String(),
			})
		}
	}
	for _, addr := range touched {
		if a, ok := e.world.Ledger.Asset(addr); ok {
			d.Assets = append(d.Assets, assetDigest{Address: addr, TotalSupply: a.TotalSupply().String()})
		}
		if v, ok := e.world.VehicleAt(addr); ok {
			d.Vehicles = append(d.Vehicles, v.Snapshot())
		}
		if p, ok := e.world.Pool(addr); ok {
			d.Pools = append(d.Pools, p.Snapshot())
		}
		if rp, ok := e.world.RewardPoolAt(addr); ok {
			d.RewardPools = append(d.RewardPools, rp.Snapshot())
		}
	}

	digest, err := json.Marshal(d)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode state digest: %v", err))
	}
	return digest
}

// --- views for projections and queries ---

func (e *Engine) vehicleViews(touched []common.Address) []VehicleView {
	var out []VehicleView
	for _, addr := range touched {
		if v, ok := e.world.VehicleAt(addr); ok {
			out = append(out, NewVehicleView(v))
		}
	}
	return out
}

func (e *Engine) poolViews(touched []common.Address) []PoolView {
	var out []PoolView
	for _, addr := range touched {
		if p, ok := e.world.Pool(addr); ok {
			out = append(out, NewPoolView(p))
		}
	}
	return out
}

func (e *Engine) observeEntities(output *CoreOutput) {
	for _, v := range output.Vehicles {
		label := v.Address.Hex()
		e.metrics.VehicleSharePrice.WithLabelValues(label).Set(floatOf(v.SharePrice))
		e.metrics.VehicleTotalBaseHeld.WithLabelValues(label).Set(floatOf(v.TotalBaseHeld))
		e.metrics.VehicleTotalDebt.WithLabelValues(label).Set(floatOf(v.TotalDebt))
	}
	for _, p := range output.Pools {
		label := p.Address.Hex()
		e.metrics.PoolNetAssetValue.WithLabelValues(label, string(p.Kind)).Set(floatOf(p.NetAssetValue))
		e.metrics.PoolTotalSupply.WithLabelValues(label, string(p.Kind)).Set(floatOf(p.TotalSupply))
		if p.Kind == pool.KindInsurance {
			e.metrics.InsuranceOpenClaims.WithLabelValues(label).Set(float64(p.OpenClaims))
		}
	}
}

// Close stops the engine accepting commands and closes its output
// channels. Reads keep working.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	if e.persistChan != nil {
		close(e.persistChan)
	}
	if e.projectionChan != nil {
		close(e.projectionChan)
	}
}

// View runs fn with the world under the engine lock. fn must not mutate.
func (e *Engine) View(fn func(w *World)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.world)
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (e *Engine) WarmLRU(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.Warm(keys)
}

// GetSequence returns the next sequence number to assign.
func (e *Engine) GetSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}

// --- snapshot ---

// SnapshotVersion is the layout written by CreateSnapshotState.
const SnapshotVersion = 2

// SnapshotState is the full serializable engine state.
type SnapshotState struct {
	Version         int        `json:"version"`
	Sequence        int64      `json:"sequence"` // last applied; -1 before the first command
	StateHash       [32]byte   `json:"state_hash"`
	World           WorldState `json:"world"`
	IdempotencyKeys []string   `json:"idempotency_keys"` // oldest first
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	keys := e.idempotency.Keys()
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return &SnapshotState{
		Version:         SnapshotVersion,
		Sequence:        e.sequence - 1,
		StateHash:       e.hasher.GetPrevHash(),
		World:           e.world.Snapshot(),
		IdempotencyKeys: keys,
	}
}

// RestoreFromSnapshot replaces the engine state with snap.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	if err := migrateSnapshot(snap); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.world.Restore(snap.World); err != nil {
		return fmt.Errorf("restore world: %w", err)
	}
	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(snap.StateHash)
	e.idempotency.Warm(snap.IdempotencyKeys)
	return nil
}

// migrateSnapshot upgrades older snapshot layouts in place.
//
// Version 1 stored bare idempotency keys; version 2 prefixes them with the
// command kind.
func migrateSnapshot(snap *SnapshotState) error {
	switch {
	case snap.Version == SnapshotVersion:
		return nil
	case snap.Version > SnapshotVersion:
		return fmt.Errorf("snapshot version %d is newer than supported %d", snap.Version, SnapshotVersion)
	case snap.Version < 1:
		return fmt.Errorf("snapshot version %d is not supported", snap.Version)
	}

	if snap.Version == 1 {
		// bare keys cannot be attributed to a kind; tier-2 dedup still covers them
		snap.IdempotencyKeys = nil
		snap.Version = 2
	}
	return nil
}
