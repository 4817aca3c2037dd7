package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"VaultLedger/internal/config"
	"VaultLedger/internal/core"
	"VaultLedger/internal/genesis"
	"VaultLedger/internal/ingestion"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/persistence"
	"VaultLedger/internal/projection"
	"VaultLedger/internal/query"
	"VaultLedger/internal/server"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// replayPageSize bounds how many events recovery reads per query.
const replayPageSize = 1000

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := observability.NewLogger("main")
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	level := observability.ParseLogLevel(cfg.Service.LogLevel)
	logger := observability.NewLoggerTo(os.Stdout, "main", level)
	componentLogger := func(name string) zerolog.Logger {
		return observability.NewLoggerTo(os.Stdout, name, level)
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger.Info().Msg("VaultLedger starting")

	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Postgres ---
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Postgres.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connect")
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	logger.Info().Msg("postgres connected")

	applied, err := persistence.NewMigrator(db.DB, componentLogger("migrate")).Up(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	snapMgr := persistence.NewSnapshotManager(db)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", func() error {
		pingCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		return db.PingContext(pingCtx)
	})

	// --- Channels ---
	// The persist channel blocks (backpressure); the projection channel drops.
	persistCoreChan := make(chan core.CoreOutput, cfg.Engine.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.Engine.ProjectionChanSize)

	persistWorkerChan := make(chan persistence.CoreOutput, cfg.Engine.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.Engine.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.Engine.PublishChanSize)

	engine := core.NewEngine(core.Options{
		Governance:     common.HexToAddress(cfg.Engine.Governance),
		LRUCapacity:    cfg.Engine.IdempotencyLRUCapacity,
		PersistChan:    persistCoreChan,
		ProjectionChan: projectionCoreChan,
		DBChecker:      dbChecker,
		Metrics:        metrics,
		Logger:         componentLogger("core"),
	})

	// --- Recovery: snapshot + replay ---
	fromSequence, err := restoreSnapshot(ctx, snapMgr, engine, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("snapshot restore failed")
	}
	replayed, err := replayEventsFromLog(ctx, snapMgr, engine, fromSequence, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("event replay failed")
	}
	if replayed > 0 {
		logger.Info().Int("events", replayed).Int64("next_sequence", engine.GetSequence()).Msg("replayed event log")
	}

	if keys, err := dbChecker.RecentKeys(ctx, cfg.Engine.IdempotencyLRUCapacity); err != nil {
		logger.Warn().Err(err).Msg("could not warm idempotency cache from event log")
	} else if len(keys) > 0 {
		engine.WarmLRU(keys)
		logger.Info().Int("keys", len(keys)).Msg("idempotency cache warmed")
	}

	// --- Workers ---
	errChan := make(chan error, 10)

	// Workers outlive ctx so shutdown can drain them after ingress stops.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workersDone := make(chan struct{}, 2)

	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan,
		cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout, metrics, componentLogger("persistence"))
	go func() {
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
		workersDone <- struct{}{}
	}()

	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, metrics, componentLogger("projection"))
	go func() {
		if err := projWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("projection worker: %w", err)
		}
		workersDone <- struct{}{}
	}()

	bridgeDone := make(chan struct{})
	go func() {
		bridgeCoreOutputs(persistCoreChan, projectionCoreChan, persistWorkerChan, projectionWorkerChan, publishChan, metrics)
		close(bridgeDone)
	}()

	// --- Genesis ---
	if engine.GetSequence() == 0 && !cfg.Genesis.Empty() {
		var swapCenter common.Address
		engine.View(func(w *core.World) { swapCenter = w.Swap.Address() })
		deployment, err := genesis.Apply(ctx, engine, common.HexToAddress(cfg.Engine.Governance), swapCenter, cfg.Genesis, componentLogger("genesis"))
		if err != nil {
			logger.Fatal().Err(err).Msg("genesis failed")
		}
		for name, addr := range deployment {
			logger.Info().Str("name", name).Str("address", addr.Hex()).Msg("genesis entity")
		}
	}

	// --- NATS (optional) ---
	var natsSubscriber *ingestion.NATSSubscriber
	if cfg.NATS.URL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, componentLogger("nats"))
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()

		if err := ingestion.EnsureStreams(ctx, js, componentLogger("nats")); err != nil {
			logger.Fatal().Err(err).Msg("ensure command stream")
		}
		if err := ingestion.EnsureOutboundStream(ctx, js, componentLogger("nats")); err != nil {
			logger.Fatal().Err(err).Msg("ensure outbound stream")
		}

		rawEventChan := make(chan ingestion.RawEvent, cfg.Engine.IngestChanSize)
		natsSubscriber = ingestion.NewNATSSubscriber(js, rawEventChan, componentLogger("ingestion"))
		if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			logger.Fatal().Err(err).Msg("nats subscribe")
		}
		go runIngestionLoop(ctx, rawEventChan, engine, metrics, componentLogger("ingestion"))

		publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, componentLogger("publisher"))
		go func() {
			if err := publisher.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("publisher: %w", err)
			}
		}()
	} else {
		logger.Warn().Msg("NATS disabled, commands are accepted over HTTP only")
		go func() {
			for range publishChan {
			}
		}()
	}

	// --- API ---
	snapshotter := &snapshotter{engine: engine, snapMgr: snapMgr, metrics: metrics, logger: componentLogger("snapshot")}
	grpcServer := server.NewGRPCServer(cfg.Service.GRPCAddr, cfg.Service.HTTPAddr, &server.ServerDeps{
		DB:            db,
		Engine:        engine,
		QueryService:  query.NewQueryService(db, engine),
		SnapshotMgr:   snapMgr,
		TakeSnapshot:  snapshotter.take,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        componentLogger("api"),
	})

	go func() {
		if err := grpcServer.StartGRPC(ctx); err != nil {
			errChan <- err
		}
	}()
	go func() {
		if err := grpcServer.StartHTTPGateway(ctx); err != nil {
			errChan <- err
		}
	}()

	go snapshotter.runPeriodic(ctx, cfg.Snapshot.Interval)

	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.Service.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.Service.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("next_sequence", engine.GetSequence()).
		Str("grpc", cfg.Service.GRPCAddr).
		Str("http", cfg.Service.HTTPAddr).
		Str("metrics", cfg.Service.MetricsAddr).
		Msg("VaultLedger ready")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errChan:
		logger.Error().Err(err).Msg("component failed, shutting down")
		cancel()
	}

	// --- Graceful shutdown: stop ingress, drain outputs, final snapshot ---
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	if natsSubscriber != nil {
		natsSubscriber.Stop()
	}

	// Commands arriving after Close fail with core.ErrClosed.
	engine.Close()
	<-bridgeDone
	close(persistWorkerChan)
	close(projectionWorkerChan)
	close(publishChan)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	for i := 0; i < 2; i++ {
		select {
		case <-workersDone:
		case <-drainCtx.Done():
			logger.Error().Msg("workers did not drain in time")
			i = 2
		}
	}

	if seq, err := snapshotter.take(drainCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}
	stopWorkers()

	logger.Info().Msg("VaultLedger shutdown complete")
}

// restoreSnapshot loads the latest verified snapshot into engine and returns
// the first sequence the event log must replay from.
func restoreSnapshot(ctx context.Context, snapMgr *persistence.SnapshotManager, engine *core.Engine, logger zerolog.Logger) (int64, error) {
	rec, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
		return 0, nil
	}

	var snap core.SnapshotState
	if err := persistence.DecodeSnapshot(rec.Data, &snap); err != nil {
		return 0, fmt.Errorf("snapshot at %d: %w", rec.Sequence, err)
	}
	if snap.Sequence != rec.Sequence {
		return 0, fmt.Errorf("snapshot row says sequence %d, payload says %d", rec.Sequence, snap.Sequence)
	}
	if err := engine.RestoreFromSnapshot(&snap); err != nil {
		return 0, err
	}

	var expected [32]byte
	copy(expected[:], rec.StateHash)
	if actual := engine.GetStateHash(); actual != expected {
		return 0, fmt.Errorf("state hash mismatch after restore: expected %x, got %x", expected, actual)
	}
	logger.Info().Int64("sequence", rec.Sequence).Int32("format", rec.FormatVersion).Msg("snapshot restored")
	return rec.Sequence + 1, nil
}

// replayEventsFromLog re-applies every logged command from fromSequence on.
// Each replayed command must reproduce the stored state hash.
func replayEventsFromLog(ctx context.Context, snapMgr *persistence.SnapshotManager, engine *core.Engine, fromSequence int64, logger zerolog.Logger) (int, error) {
	count := 0
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, fromSequence, replayPageSize)
		if err != nil {
			return count, err
		}
		for _, row := range rows {
			cmd, err := ingestion.ParseCommand(row.Payload)
			if err != nil {
				return count, fmt.Errorf("decode event %d: %w", row.Sequence, err)
			}
			var hash [32]byte
			copy(hash[:], row.StateHash)
			if err := engine.Replay(cmd, row.Sequence, hash); err != nil {
				return count, err
			}
			count++
			fromSequence = row.Sequence + 1
		}
		if len(rows) < replayPageSize {
			return count, nil
		}
		logger.Debug().Int("replayed", count).Msg("replay progress")
	}
}

// bridgeCoreOutputs converts core.CoreOutput to persistence, projection and
// publish formats. It returns once both core channels are closed.
func bridgeCoreOutputs(
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
) {
	for persistIn != nil || projectionIn != nil {
		select {
		case output, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}
			persistOut <- toPersistence(output)

			select {
			case publishOut <- toPublishable(output):
			default:
				metrics.PublishDrops.Inc()
			}

		case output, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}
			select {
			case projectionOut <- toProjection(output):
			default:
				metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
			}
		}

		metrics.SetChannelMetrics("persist", len(persistOut), cap(persistOut))
		metrics.SetChannelMetrics("projection", len(projectionOut), cap(projectionOut))
	}
}

func toPersistence(output core.CoreOutput) persistence.CoreOutput {
	env := output.Envelope
	out := persistence.CoreOutput{
		EventRow: persistence.EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Target:         env.Target.Hex(),
			Payload:        env.Payload,
			Result:         env.Result,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			Timestamp:      env.Timestamp,
		},
		AppliedAt: time.Now(),
	}
	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			out.JournalRows = append(out.JournalRows, persistence.JournalRow{
				JournalID:   j.JournalID.String(),
				BatchID:     j.BatchID.String(),
				EventRef:    j.EventRef,
				Sequence:    j.Sequence,
				Asset:       j.Asset.Hex(),
				From:        j.From.Hex(),
				To:          j.To.Hex(),
				Amount:      j.Amount.String(),
				JournalType: int32(j.JournalType),
				Timestamp:   j.Timestamp,
			})
		}
	}
	return out
}

func toPublishable(output core.CoreOutput) ingestion.PublishableEvent {
	env := output.Envelope
	evt := ingestion.PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		Result:         env.Result,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
	if env.Target != (common.Address{}) {
		evt.Target = env.Target.Hex()
	}
	return evt
}

func toProjection(output core.CoreOutput) projection.ProjectionOutput {
	env := output.Envelope
	updatedAt := env.Timestamp.UnixMicro()
	out := projection.ProjectionOutput{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Timestamp: updatedAt,
	}
	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			out.JournalEntries = append(out.JournalEntries, projection.JournalEntry{
				Asset:  j.Asset.Hex(),
				From:   j.From.Hex(),
				To:     j.To.Hex(),
				Amount: j.Amount.String(),
			})
		}
	}
	for _, v := range output.Vehicles {
		beneficiaries, _ := json.Marshal(v.Beneficiaries)
		out.Vehicles = append(out.Vehicles, projection.VehicleRow{
			Address:            v.Address.Hex(),
			BaseAsset:          v.BaseAsset.Hex(),
			Strategy:           string(v.Strategy),
			SharePrice:         v.SharePrice.String(),
			TotalShares:        v.TotalShares.String(),
			TotalBaseHeld:      v.TotalBaseHeld.String(),
			TotalDebt:          v.TotalDebt.String(),
			AvailableLiquidity: v.AvailableLiquidity.String(),
			Beneficiaries:      beneficiaries,
			LastSequence:       env.Sequence,
			UpdatedAt:          updatedAt,
		})
	}
	for _, p := range output.Pools {
		vehicles, _ := json.Marshal(p.Vehicles)
		out.Pools = append(out.Pools, projection.PoolRow{
			Address:       p.Address.Hex(),
			Kind:          string(p.Kind),
			BaseAsset:     p.BaseAsset.Hex(),
			SharesToken:   p.SharesToken.Hex(),
			Initialized:   p.Initialized,
			NetAssetValue: p.NetAssetValue.String(),
			TotalSupply:   p.TotalSupply.String(),
			SharePrice:    p.SharePrice.String(),
			IdleBalance:   p.IdleBalance.String(),
			OpenClaims:    p.OpenClaims,
			Vehicles:      vehicles,
			LastSequence:  env.Sequence,
			UpdatedAt:     updatedAt,
		})
	}
	return out
}

// runIngestionLoop executes commands from NATS one at a time, in stream
// order. Messages are acked once the engine has decided: applied, duplicate
// and rejected commands are all final. Only a cancelled context naks, so the
// command is redelivered after restart.
func runIngestionLoop(ctx context.Context, rawChan <-chan ingestion.RawEvent, engine *core.Engine, metrics *observability.Metrics, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			cmd, err := ingestion.ParseRawEvent(raw)
			if err != nil {
				logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
				raw.AckFunc()
				continue
			}

			metrics.IngestToApply.WithLabelValues("nats").Observe(time.Since(raw.Timestamp).Seconds())
			receipt, err := engine.Execute(ctx, cmd)
			switch {
			case err != nil && ctx.Err() != nil:
				raw.NakFunc()
				return
			case err != nil:
				logger.Info().Err(err).
					Str("kind", cmd.Kind.String()).
					Str("key", cmd.IdempotencyKey()).
					Msg("command rejected")
			case receipt.Duplicate:
				logger.Debug().Str("key", cmd.IdempotencyKey()).Msg("duplicate command acked")
			}
			raw.AckFunc()
		}
	}
}

// snapshotter takes engine snapshots. A snapshot is only marked verified
// once the event log has caught up with it, so recovery never starts past
// the end of the log.
type snapshotter struct {
	engine  *core.Engine
	snapMgr *persistence.SnapshotManager
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// runPeriodic snapshots whenever interval commands were applied since the
// last snapshot.
func (s *snapshotter) runPeriodic(ctx context.Context, interval int64) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	last := s.engine.GetSequence()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.engine.GetSequence()-last < interval {
				continue
			}
			seq, err := s.take(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = seq + 1
		}
	}
}

// take saves a snapshot of the current state and returns its sequence.
func (s *snapshotter) take(ctx context.Context) (int64, error) {
	start := time.Now()

	state := s.engine.CreateSnapshotState()
	if state.Sequence < 0 {
		return state.Sequence, errors.New("nothing to snapshot yet")
	}
	data, err := persistence.EncodeSnapshot(state)
	if err != nil {
		return state.Sequence, err
	}
	if err := s.snapMgr.SaveSnapshot(ctx, state.Sequence, state.StateHash[:], core.SnapshotVersion, data, time.Now()); err != nil {
		return state.Sequence, err
	}
	if err := s.waitPersisted(ctx, state.Sequence); err != nil {
		return state.Sequence, err
	}
	if err := s.snapMgr.MarkVerified(ctx, state.Sequence); err != nil {
		return state.Sequence, err
	}

	s.metrics.SnapshotTaken.Inc()
	s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	s.metrics.SnapshotSizeBytes.Set(float64(len(data)))
	s.metrics.SnapshotLastSeq.Set(float64(state.Sequence))
	s.logger.Info().Int64("sequence", state.Sequence).Int("bytes", len(data)).Msg("snapshot saved")
	return state.Sequence, nil
}

func (s *snapshotter) waitPersisted(ctx context.Context, sequence int64) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for {
		latest, err := s.snapMgr.GetLatestSequence(ctx)
		if err != nil {
			return err
		}
		if latest >= sequence {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("event log stuck at %d, snapshot at %d left unverified", latest, sequence)
		case <-time.After(50 * time.Millisecond):
		}
	}
}
