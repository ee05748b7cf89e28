package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/backchannel/internal/bus"
	"github.com/MarcoPoloResearchLab/backchannel/internal/chat"
	"github.com/MarcoPoloResearchLab/backchannel/internal/engine"
	"github.com/MarcoPoloResearchLab/backchannel/internal/monitor"
	"github.com/MarcoPoloResearchLab/backchannel/internal/presence"
	"github.com/MarcoPoloResearchLab/backchannel/internal/rooms"
	"github.com/MarcoPoloResearchLab/backchannel/internal/transport"
)

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Join a room and synchronize messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context())
		},
	}
}

func runChat(ctx context.Context) error {
	rt, err := startRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	accepted, err := rooms.NewList(rt.store, time.Now)
	if err != nil {
		return err
	}
	if err := accepted.Accept(rt.cfg.Room); err != nil {
		return err
	}

	printer := newMessagePrinter(rt.profile.CID)
	session, err := engine.NewSession(engine.Config{
		Backend:     rt.client,
		Store:       rt.store,
		Bus:         rt.dispatcher,
		Room:        rt.cfg.Room,
		CID:         rt.profile.CID,
		DisplayName: rt.profile.Name,
		Notifier:    engine.NewLogNotifier(rt.logger),
		OnAdminFlag: func(admin bool) {
			if admin {
				rt.logger.Info("admin privileges granted for this session")
			}
		},
		Transport: transport.Config{
			LongTimeoutSeconds: rt.cfg.PollTimeout,
			OnLinkState: func(link transport.LinkState) {
				rt.logger.Info("link state changed", zap.Stringer("link", link))
			},
		},
		Logger: rt.logger,
	})
	if err != nil {
		return err
	}

	tracker, err := presence.NewTracker(presence.Config{
		Client: rt.client,
		Room:   rt.cfg.Room,
		CID:    rt.profile.CID,
		Name:   rt.profile.Name,
		Logger: rt.logger,
	})
	if err != nil {
		return err
	}

	watcher, err := bus.NewWatcher(bus.WatcherConfig{
		SentinelPath: rt.store.SentinelPath(),
		SelfOrigin:   rt.store.Origin(),
		Dispatcher:   rt.dispatcher,
		Logger:       rt.logger,
	})
	if err != nil {
		return err
	}

	statusHandler, err := monitor.NewHTTPHandler(monitor.Dependencies{
		Chat:   session,
		Roster: tracker,
		Logger: rt.logger,
	})
	if err != nil {
		return err
	}
	statusServer := &http.Server{Addr: rt.cfg.MonitorAddress, Handler: statusHandler}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 4)
	go func() {
		if err := session.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		if err := tracker.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		if err := watcher.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		rt.logger.Info("status endpoint listening", zap.String("address", rt.cfg.MonitorAddress))
		if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go readAndSend(signalCtx, session, rt.logger)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("joined #%s as %s\n", rt.cfg.Room, rt.profile.Name)
	for {
		select {
		case <-signalCtx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return statusServer.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		case <-ticker.C:
			printer.print(session.Messages())
			session.MarkRead()
		}
	}
}

// readAndSend feeds stdin lines into the session until ctx is cancelled.
func readAndSend(ctx context.Context, session *engine.Session, logger *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := session.Send(ctx, line); err != nil {
			logger.Warn("send failed", zap.Error(err))
		}
	}
}

// messagePrinter writes newly observed messages to stdout, tracking what it
// has already shown by timestamp and id.
type messagePrinter struct {
	selfCID string
	shown   map[string]struct{}
	lastTS  int64
}

func newMessagePrinter(selfCID string) *messagePrinter {
	return &messagePrinter{selfCID: selfCID, shown: make(map[string]struct{})}
}

func (p *messagePrinter) print(messages []chat.Message) {
	for _, message := range messages {
		if message.TS < p.lastTS {
			continue
		}
		if _, ok := p.shown[message.ID]; ok {
			continue
		}
		p.shown[message.ID] = struct{}{}
		if message.TS > p.lastTS {
			p.lastTS = message.TS
		}
		stamp := time.UnixMilli(message.TS).Format("15:04:05")
		fmt.Printf("[%s] %s: %s\n", stamp, message.Name, message.Text)
	}
}
