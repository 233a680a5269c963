// Package app wires every component into one process-wide System and owns
// its start and stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"better-planetside/internal/api"
	"better-planetside/internal/broadcast"
	"better-planetside/internal/census"
	"better-planetside/internal/config"
	"better-planetside/internal/identity"
	"better-planetside/internal/session"
	"better-planetside/internal/storage/sqlite"
	"better-planetside/internal/trace"
)

// ShutdownTimeout bounds the transport drain on stop.
const ShutdownTimeout = 5 * time.Second

// System holds every long-lived component. Fields are exported so commands
// and tests can reach them after New.
type System struct {
	Config    config.AppConfig
	Store     *sqlite.Store
	Directory *identity.Directory
	Core      *broadcast.Core
	Tracker   *session.Tracker
	Queue     *session.Queue
	Worker    *identity.Worker
	Listener  *census.Listener
	Server    *api.Server
	Trace     *trace.Writer

	debug *api.DebugServer
}

// New builds the System. It opens the store and warms the identity
// directory but starts nothing.
func New(ctx context.Context, cfg config.AppConfig) (*System, error) {
	store, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	dir := identity.NewDirectory()
	n, err := identity.Warm(ctx, dir, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	log.Printf("✅ Loaded %d cached identities", n)

	core := broadcast.New(broadcast.Options{Pipeline: cfg.Pipeline})
	server := api.NewServer(cfg.Server, core)
	core.SetSink(server.Hub())

	resolver := identity.NewCensusResolver(cfg.Identity.BaseURL, cfg.Telemetry.ServiceID, cfg.Identity.RequestTimeout)
	worker := identity.NewWorker(cfg.Identity, dir, resolver, store)

	tracker := session.NewTracker(session.Options{
		Session: cfg.Session,
		Emitter: core,
		Ident:   worker,
	})
	queue := session.NewQueue(tracker, cfg.Telemetry.SessionQueueSize)
	listener := census.NewListener(cfg.Telemetry, queue)

	s := &System{
		Config:    cfg,
		Store:     store,
		Directory: dir,
		Core:      core,
		Tracker:   tracker,
		Queue:     queue,
		Worker:    worker,
		Listener:  listener,
		Server:    server,
	}
	if cfg.Trace.Enabled {
		s.Trace = trace.NewWriter(cfg.Trace)
	}

	if err := s.ReloadCharacters(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}

// ReloadCharacters pushes the stored "me" characters to the tracker and the
// listener's login tracking.
func (s *System) ReloadCharacters(ctx context.Context) error {
	chars, err := s.Store.MyCharacters(ctx)
	if err != nil {
		return fmt.Errorf("load my characters: %w", err)
	}
	byID := make(map[string]string, len(chars))
	ids := make([]string, 0, len(chars))
	for _, c := range chars {
		byID[c.CharacterID] = c.Name
		ids = append(ids, c.CharacterID)
	}
	s.Tracker.SetCharacters(byID)
	s.Listener.TrackCharacters(ids)
	if len(ids) == 1 {
		s.Tracker.SetActive(ids[0])
	}
	if len(ids) == 0 {
		log.Println("⚠️ No tracked characters; add one with `overlay chars add`")
	} else {
		log.Printf("👁️ Tracking %d character(s)", len(ids))
	}
	return nil
}

// Run starts every component and blocks until ctx is cancelled, then stops
// them in dependency order: listener, session queue, identity worker,
// broadcast core, transport, trace, store.
func (s *System) Run(ctx context.Context) error {
	if s.Trace != nil {
		if err := s.Trace.Start(); err != nil {
			log.Printf("⚠️ Trace export disabled: %v", err)
			s.Trace = nil
		} else {
			s.Core.SetTracer(s.Trace)
		}
	}

	debug, err := api.StartDebugServer(
		api.ObservabilityConfig{
			ListenAddr:    s.Config.Server.DebugAddr,
			BasicAuthUser: s.Config.Server.DebugUser,
			BasicAuthPass: s.Config.Server.DebugPass,
		},
		api.NewPipelineCollector(s.Core.Snapshot),
	)
	if err != nil {
		log.Printf("⚠️ Debug server disabled: %v", err)
	}
	s.debug = debug

	transportCtx, stopTransport := context.WithCancel(context.Background())
	defer stopTransport()
	if err := s.Server.Start(transportCtx); err != nil {
		s.closeAux()
		return fmt.Errorf("start transport: %w", err)
	}

	coreCtx, stopCore := context.WithCancel(context.Background())
	workerCtx, stopWorker := context.WithCancel(context.Background())
	listenerCtx, stopListener := context.WithCancel(context.Background())
	defer stopCore()
	defer stopWorker()
	defer stopListener()

	var coreWG, workerWG, listenerWG sync.WaitGroup
	goRun(&coreWG, func() error { return s.Core.Run(coreCtx) })
	goRun(&workerWG, func() error { return s.Worker.Run(workerCtx) })
	s.Queue.Start()
	goRun(&listenerWG, func() error { return s.Listener.Run(listenerCtx) })

	log.Println("✅ Overlay event core running")
	<-ctx.Done()
	log.Println("🔌 Shutting down...")

	stopListener()
	listenerWG.Wait()
	s.Queue.Stop()
	stopWorker()
	workerWG.Wait()
	stopCore()
	coreWG.Wait()

	stopTransport()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := s.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	s.closeAux()
	log.Println("✅ Shutdown complete")
	return errors.Join(errs...)
}

func goRun(wg *sync.WaitGroup, fn func() error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, broadcast.ErrStopped) {
			log.Printf("❌ Component stopped: %v", err)
		}
	}()
}

func (s *System) closeAux() {
	if s.Trace != nil {
		s.Trace.Stop()
	}
	if s.debug != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.debug.Shutdown(ctx)
		cancel()
	}
	s.Close()
}

// Close releases the store. Run calls it on the way out; call it directly
// only when Run was never started.
func (s *System) Close() error {
	return s.Store.Close()
}
