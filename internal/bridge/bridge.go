// Package bridge wires the subscriber, decoder, and persister together and
// owns the failure policy for each stage of the pipeline.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"owntracks/db-bridge/internal/config"
	"owntracks/db-bridge/internal/decode"
	"owntracks/db-bridge/internal/metrics"
	"owntracks/db-bridge/internal/model"
	"owntracks/db-bridge/internal/spill"
	"owntracks/db-bridge/internal/store"
	"owntracks/db-bridge/internal/subscriber"
)

// Persister stores one validated location update per call.
type Persister interface {
	Store(ctx context.Context, rec *model.EventRecord) error
}

// Spiller buffers updates that failed to persist transiently.
type Spiller interface {
	Append(ctx context.Context, rec *model.EventRecord, cause error) error
	Replay(ctx context.Context, fn func(context.Context, *model.EventRecord) error) (int, error)
}

// Decoder turns a raw message into a record or a rejection.
type Decoder func(topic string, payload []byte) (*model.EventRecord, *model.Rejection)

// Source delivers inbound messages to a handler until ctx is cancelled or the
// transport faults.
type Source interface {
	Run(ctx context.Context, topicPattern string, handler subscriber.Handler) error
}

// Bridge runs the ingestion pipeline: every inbound message is decoded and,
// if valid, persisted; a single message's failure never stops the
// subscription loop. A broker fault is terminal.
type Bridge struct {
	cfg    config.Config
	logger zerolog.Logger

	decode    Decoder
	persister Persister
	spiller   Spiller // nil when spilling is disabled

	ready atomic.Bool

	// Event times of the newest received and persisted updates, maintained
	// on the single message-handling goroutine.
	lastReceived  time.Time
	lastPersisted time.Time
}

// New constructs a bridge. Resources are acquired in Run, not here.
func New(cfg config.Config, logger zerolog.Logger) *Bridge {
	return &Bridge{
		cfg:    cfg,
		logger: logger,
		decode: decode.Decode,
	}
}

// Run acquires the store, spill queue, and broker session, replays any
// spilled updates, and blocks processing messages until ctx is cancelled or
// the subscription faults. The returned error is nil only on clean shutdown.
func (b *Bridge) Run(ctx context.Context) error {
	st, err := store.Open(ctx, b.cfg.Database, b.logger.With().Str("component", "store").Logger())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	b.persister = st
	defer func() {
		if cerr := st.Close(); cerr != nil {
			b.logger.Error().Err(cerr).Msg("close store")
		}
	}()

	if b.cfg.Spill.Enabled {
		queue, err := spill.Open(ctx, b.cfg.Spill.Path)
		if err != nil {
			return fmt.Errorf("open spill queue: %w", err)
		}
		b.spiller = queue
		defer func() {
			if cerr := queue.Close(); cerr != nil {
				b.logger.Error().Err(cerr).Msg("close spill queue")
			}
		}()

		b.replaySpill(ctx)
	}

	sub, err := subscriber.Connect(ctx, b.cfg.MQTT, b.logger.With().Str("component", "subscriber").Logger())
	if err != nil {
		return fmt.Errorf("connect subscriber: %w", err)
	}

	group, gCtx := errgroup.WithContext(ctx)

	httpServer := &http.Server{Addr: b.cfg.HTTPPort, Handler: b.routes()}
	group.Go(func() error {
		b.logger.Info().Str("addr", httpServer.Addr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			b.logger.Warn().Err(err).Msg("http server shutdown")
		}
		return nil
	})

	group.Go(func() error {
		return b.consume(gCtx, sub)
	})

	return group.Wait()
}

// consume runs the subscription until shutdown or fault. A broker fault is
// terminal: it is logged and returned, which tears down the group and exits
// the process non-zero.
func (b *Bridge) consume(ctx context.Context, src Source) error {
	b.ready.Store(true)
	defer b.ready.Store(false)

	handler := func(topic string, payload []byte) {
		b.handleMessage(ctx, topic, payload)
	}
	if err := src.Run(ctx, b.cfg.MQTT.Topic, handler); err != nil {
		b.logger.Error().Err(err).Msg("bridge faulted")
		return err
	}
	return nil
}

// handleMessage is the per-message pipeline: decode, persist, log the
// outcome. Rejections and persist failures drop the message; the loop
// continues either way.
func (b *Bridge) handleMessage(ctx context.Context, topic string, payload []byte) {
	metrics.ReceivedUpdates.Inc()
	b.logger.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("message received")

	rec, rej := b.decode(topic, payload)
	if rej != nil {
		metrics.DecodeRejections.WithLabelValues(string(rej.Reason)).Inc()
		if rej.Skip() {
			b.logger.Debug().Str("topic", topic).Msg("skipping non-location message")
		} else {
			b.logger.Warn().Str("topic", topic).Str("reason", string(rej.Reason)).Err(rej.Cause).Msg("message rejected")
		}
		return
	}

	b.lastReceived = rec.Timestamp
	b.updateLag()

	storeCtx, cancel := context.WithTimeout(ctx, b.queryTimeout())
	defer cancel()

	if err := b.persister.Store(storeCtx, rec); err != nil {
		b.logger.Error().Str("user", rec.User).Str("device", rec.Device).Err(err).Msg("failed to persist update")
		metrics.PersistErrors.WithLabelValues(errorKind(err)).Inc()
		if store.IsTransient(err) {
			b.spillUpdate(ctx, rec, err)
		}
		return
	}

	metrics.PersistedUpdates.Inc()
	b.lastPersisted = rec.Timestamp
	b.updateLag()
	b.logger.Info().Str("user", rec.User).Str("device", rec.Device).Time("tst", rec.Timestamp).Msg("update persisted")
}

func (b *Bridge) spillUpdate(ctx context.Context, rec *model.EventRecord, cause error) {
	if b.spiller == nil {
		return
	}
	if err := b.spiller.Append(ctx, rec, cause); err != nil {
		b.logger.Error().Err(err).Msg("failed to spill update")
		return
	}
	metrics.SpilledUpdates.Inc()
	b.logger.Warn().Str("user", rec.User).Str("device", rec.Device).Msg("update spilled for later replay")
}

// replaySpill drains the spill queue into the store once at startup.
// Constraint failures discard the poisoned record; a transient failure stops
// the replay and keeps the remainder queued.
func (b *Bridge) replaySpill(ctx context.Context) {
	replayed, err := b.spiller.Replay(ctx, func(ctx context.Context, rec *model.EventRecord) error {
		storeCtx, cancel := context.WithTimeout(ctx, b.queryTimeout())
		defer cancel()

		err := b.persister.Store(storeCtx, rec)
		if err == nil {
			metrics.PersistedUpdates.Inc()
			return nil
		}
		if !store.IsTransient(err) {
			b.logger.Warn().Str("user", rec.User).Str("device", rec.Device).Err(err).Msg("discarding unreplayable spilled update")
			return nil
		}
		return err
	})
	if err != nil {
		b.logger.Warn().Int("replayed", replayed).Err(err).Msg("spill replay stopped early")
		return
	}
	if replayed > 0 {
		b.logger.Info().Int("replayed", replayed).Msg("spill replay complete")
	}
}

func (b *Bridge) updateLag() {
	if b.lastReceived.IsZero() || b.lastPersisted.IsZero() {
		return
	}
	metrics.PersistenceLag.Set(b.lastReceived.Sub(b.lastPersisted).Seconds())
}

func (b *Bridge) queryTimeout() time.Duration {
	if b.cfg.Database.QueryTimeout <= 0 {
		return 5 * time.Second
	}
	return b.cfg.Database.QueryTimeout
}

func errorKind(err error) string {
	var pe *store.PersistError
	if errors.As(err, &pe) {
		return string(pe.Kind)
	}
	return "unknown"
}

func (b *Bridge) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !b.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"starting"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	return mux
}
