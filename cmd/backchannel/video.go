package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/backchannel/internal/api"
	"github.com/MarcoPoloResearchLab/backchannel/internal/monitor"
	"github.com/MarcoPoloResearchLab/backchannel/internal/signaling"
	"github.com/MarcoPoloResearchLab/backchannel/internal/transport"
	"github.com/MarcoPoloResearchLab/backchannel/internal/video"
)

func newVideoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "video",
		Short: "Join a room's video relay and track peer segments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVideo(cmd.Context())
		},
	}
}

func runVideo(ctx context.Context) error {
	rt, err := startRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	relay, err := video.NewRelay(video.Config{
		Backend: rt.client,
		Room:    rt.cfg.Room,
		SelfCID: rt.profile.CID,
		OnUpdate: func() {
			rt.logger.Debug("peer buffers updated")
		},
		Transport: transport.Config{LongTimeoutSeconds: rt.cfg.PollTimeout},
		Logger:    rt.logger,
	})
	if err != nil {
		return err
	}

	signals, err := signaling.NewRelay(signaling.Config{
		Backend: rt.client,
		Room:    rt.cfg.Room,
		SelfCID: rt.profile.CID,
		Handler: func(signal api.Signal) {
			if !signaling.Addressed(signal, rt.profile.CID) && signal.To != "" {
				return
			}
			rt.logger.Info("signal received",
				zap.String("type", signal.Type),
				zap.String("from", signal.From))
		},
		Transport: transport.Config{LongTimeoutSeconds: rt.cfg.PollTimeout},
		Logger:    rt.logger,
	})
	if err != nil {
		return err
	}

	statusHandler, err := monitor.NewHTTPHandler(monitor.Dependencies{
		Chat:   &idleChat{},
		Peers:  relay,
		Logger: rt.logger,
	})
	if err != nil {
		return err
	}
	statusServer := &http.Server{Addr: rt.cfg.MonitorAddress, Handler: statusHandler}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := signals.Join(signalCtx, rt.cfg.Room, rt.profile.Name); err != nil {
		rt.logger.Warn("join announcement failed", zap.Error(err))
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := signals.Leave(leaveCtx, rt.cfg.Room); err != nil {
			rt.logger.Debug("leave announcement failed", zap.Error(err))
		}
		relay.Discard()
	}()

	errCh := make(chan error, 3)
	go func() {
		if err := relay.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		if err := signals.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		rt.logger.Info("status endpoint listening", zap.String("address", rt.cfg.MonitorAddress))
		if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	reportActivity(signalCtx, relay, rt.logger)

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return statusServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// reportActivity logs peer liveness transitions until ctx is cancelled.
func reportActivity(ctx context.Context, relay *video.Relay, logger *zap.Logger) {
	go func() {
		active := make(map[string]bool)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().UnixMilli()
				for _, feed := range relay.Feeds(now) {
					if feed.Active != active[feed.CID] {
						active[feed.CID] = feed.Active
						logger.Info("peer activity changed",
							zap.String("cid", feed.CID),
							zap.Bool("active", feed.Active),
							zap.Int("buffered", len(feed.Chunks)))
					}
				}
			}
		}
	}()
}

// idleChat backs the status endpoint when no chat session is running.
type idleChat struct{}

func (idleChat) LinkOnline() bool { return false }
func (idleChat) Watermark() int64 { return 0 }
func (idleChat) OutboxDepth() int { return 0 }
func (idleChat) Unread() int      { return 0 }
