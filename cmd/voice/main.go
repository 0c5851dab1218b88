package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/cordis/internal/adapters/auth"
	router "github.com/dkeye/cordis/internal/adapters/http"
	"github.com/dkeye/cordis/internal/adapters/redisconn"
	"github.com/dkeye/cordis/internal/adapters/rtc"
	sig "github.com/dkeye/cordis/internal/adapters/signal"
	"github.com/dkeye/cordis/internal/adapters/ws"
	"github.com/dkeye/cordis/internal/app/sfu"
	"github.com/dkeye/cordis/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("voice server stopped")
	}
	log.Info().Msg("Voice server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	vc := cfg.Voice

	rdb, err := redisconn.Dial(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()
	verifier, err := auth.NewVerifier(cfg.Auth.VoiceSecret, auth.NewRedisRevocations(rdb))
	if err != nil {
		return err
	}

	workers := vc.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	engine := rtc.NewEngine(rtc.Options{
		Workers:     workers,
		MinPort:     uint16(vc.RTCMinPort),
		MaxPort:     uint16(vc.RTCMaxPort),
		AnnouncedIP: vc.AnnouncedIP,
	})
	pool, err := sfu.NewPool(ctx, workers, vc.WorkerRespawnDelay, engine.NewWorker)
	if err != nil {
		return err
	}
	defer pool.Close()

	rooms := sfu.NewRooms(pool, vc.MaxRoomPeers)
	defer rooms.CloseAll("server shutting down")

	ctl := sig.NewSignalWSController(rooms, verifier, sig.Options{
		ICEServers:     vc.ICEServers,
		JoinRateLimit:  vc.JoinRateLimit,
		JoinRateWindow: vc.JoinRateWindow,
	})

	sessCtx, stopSessions := context.WithCancel(context.Background())
	defer stopSessions()

	r := router.SetupVoiceRouter(sessCtx, router.VoiceDeps{
		Mode:   cfg.Mode,
		Signal: ctl,
		Rooms:  rooms,
		WS:     ws.Options{SendBuffer: vc.SendBuffer, ReadLimit: vc.ReadLimit, PingPeriod: 30 * time.Second},
		Health: func(ctx context.Context) error {
			if pool.Alive() == 0 {
				return sfu.ErrNoWorkers
			}
			return nil
		},
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", vc.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Int("workers", workers).Msg("Voice server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return rooms.Run(gctx) })
	g.Go(func() error { return ctl.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		stopSessions()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})
	return g.Wait()
}
