package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/callcontrol/internal/adapters/http"
	"github.com/dkeye/callcontrol/internal/adapters/rtc"
	sig "github.com/dkeye/callcontrol/internal/adapters/signal"
	"github.com/dkeye/callcontrol/internal/app/downlink"
	"github.com/dkeye/callcontrol/internal/app/orch"
	"github.com/dkeye/callcontrol/internal/config"
	"github.com/dkeye/callcontrol/internal/core"
	"github.com/dkeye/callcontrol/internal/domain"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	meeting := cfg.Meeting()
	if err := meeting.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid meeting config")
	}
	sc := core.NewSessionContext(meeting)
	if cfg.DefaultSubscriptionLimit > 0 {
		sc.SetSubscriptionLimit(cfg.DefaultSubscriptionLimit)
	}
	sc.SetICEServers(cfg.InitialICEServers())

	broker, err := rtc.NewStaticBroker(string(meeting.AttendeeID), cfg.SendVideo)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create local tracks")
	}

	session := orch.New(sc, orch.Options{
		Dial: func(sc *core.SessionContext) core.SignalConnection {
			return sig.NewChannel(sig.Config{
				URL:        sc.Meeting().SignalingURL,
				ReadLimit:  cfg.ReadLimit,
				PingPeriod: cfg.PingPeriod,
				PongWait:   cfg.PongWait,
				SendBuffer: cfg.SendBuffer,
				OnPong:     sc.MarkPong,
			})
		},
		NewMedia: func(sc *core.SessionContext) (core.MediaConnection, error) {
			conn, err := rtc.NewConnection(rtc.ConfigFor(sc.ICEServers()), broker, string(sc.Meeting().AttendeeID))
			if err != nil {
				return nil, err
			}
			// Rendering is not part of the client; remote media is only drained.
			conn.OnRemoteTrack(func(rt *rtc.RemoteTrack) {
				log.Debug().Str("track_id", rt.ID).Str("kind", rt.Kind).Msg("remote track")
			})
			return conn, nil
		},
		Bandwidth:           rtc.NewStatsEstimator(rtc.SessionStats(sc), cfg.Downlink.StatsInterval),
		Policy:              downlink.New(cfg.DownlinkConfig()),
		Reconnect:           cfg.ReconnectConfig(),
		RequestCompression:  cfg.RequestCompression,
		JoinTimeout:         cfg.JoinTimeout,
		NegotiationTimeout:  cfg.NegotiationTimeout,
		LeaveTimeout:        cfg.LeaveTimeout,
		ResubscribeInterval: cfg.Downlink.ResubscribeInterval,
	})

	r := router.SetupRouter(cfg, session)
	addr := fmt.Sprintf(":%d", cfg.StatusPort)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("status server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("status server error")
		}
	}()

	go func() {
		<-ctx.Done()
		session.Leave("client shutdown")
	}()

	log.Info().
		Str("meeting", string(meeting.MeetingID)).
		Str("attendee", string(meeting.AttendeeID)).
		Str("url", meeting.SignalingURL).
		Msg("joining meeting")
	out := session.Run(context.Background())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("status server forced to shutdown")
	}

	log.Info().
		Str("state", out.State.String()).
		Stringer("code", out.Code).
		Str("policy", out.Policy.String()).
		Int("attempts", out.Attempts).
		Msg("session exited")
	if out.Policy == domain.FatalStop {
		return 1
	}
	return 0
}
