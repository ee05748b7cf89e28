package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MarcoPoloResearchLab/backchannel/internal/admin"
)

func newAdminCmd() *cobra.Command {
	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Moderate a room (requires an admin session on the backend)",
	}

	var muteMinutes int
	muteCmd := &cobra.Command{
		Use:   "mute <ip>",
		Short: "Silence an origin IP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminAction(cmd.Context(), admin.MuteIP{IP: args[0], Minutes: muteMinutes})
		},
	}
	muteCmd.Flags().IntVar(&muteMinutes, "minutes", 10, "Mute duration in minutes")

	adminCmd.AddCommand(
		muteCmd,
		&cobra.Command{
			Use:   "unmute <ip>",
			Short: "Lift a mute",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAdminAction(cmd.Context(), admin.UnmuteIP{IP: args[0]})
			},
		},
		&cobra.Command{
			Use:   "ban <ip>",
			Short: "Ban an origin IP and remove its messages",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAdminAction(cmd.Context(), admin.BanIP{IP: args[0]})
			},
		},
		&cobra.Command{
			Use:   "unban <ip>",
			Short: "Lift a ban",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAdminAction(cmd.Context(), admin.UnbanIP{IP: args[0]})
			},
		},
		&cobra.Command{
			Use:   "pause <seconds>",
			Short: "Suspend posting in the room",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				seconds, err := strconv.Atoi(args[0])
				if err != nil || seconds <= 0 {
					return fmt.Errorf("seconds must be a positive integer, got %q", args[0])
				}
				return runAdminAction(cmd.Context(), admin.PauseRoom{Seconds: seconds})
			},
		},
		&cobra.Command{
			Use:   "resume",
			Short: "Lift a pause",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAdminAction(cmd.Context(), admin.Resume{})
			},
		},
		&cobra.Command{
			Use:   "clear-history",
			Short: "Discard the room's entire message history",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAdminAction(cmd.Context(), admin.ClearHistory{})
			},
		},
		&cobra.Command{
			Use:   "delete-message <id>",
			Short: "Remove a single message",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAdminAction(cmd.Context(), admin.DeleteMessage{ID: args[0]})
			},
		},
		&cobra.Command{
			Use:   "clear-by-ip <ip>",
			Short: "Remove every message authored from an origin IP",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAdminAction(cmd.Context(), admin.ClearByIP{IP: args[0]})
			},
		},
		&cobra.Command{
			Use:   "notice <text...>",
			Short: "Post a system broadcast message",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAdminAction(cmd.Context(), admin.Notice{Text: strings.Join(args, " ")})
			},
		},
		&cobra.Command{
			Use:   "state",
			Short: "Show the room's presence, ban list and mute map",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAdminState(cmd.Context())
			},
		},
	)

	return adminCmd
}

func newModerationClient(rt *runtime) (*admin.Client, error) {
	return admin.NewClient(admin.Config{
		Backend: rt.client,
		Store:   rt.store,
		Room:    rt.cfg.Room,
		Logger:  rt.logger,
	})
}

func runAdminAction(ctx context.Context, action admin.Action) error {
	rt, err := startRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	client, err := newModerationClient(rt)
	if err != nil {
		return err
	}
	if err := client.Authenticate(ctx); err != nil {
		return err
	}
	state, err := client.Do(ctx, action)
	if err != nil {
		return err
	}
	printState(state)
	return nil
}

func runAdminState(ctx context.Context) error {
	rt, err := startRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	client, err := newModerationClient(rt)
	if err != nil {
		return err
	}
	if err := client.Authenticate(ctx); err != nil {
		return err
	}
	state, err := client.Refresh(ctx)
	if err != nil {
		return err
	}
	printState(state)
	return nil
}

func printState(state admin.State) {
	if state.PausedUntil > 0 {
		fmt.Printf("room paused until %s\n", time.UnixMilli(state.PausedUntil).Format(time.RFC3339))
	}
	fmt.Printf("present (%d):\n", len(state.Presence))
	for _, user := range state.Presence {
		fmt.Printf("  %s  %s  %s\n", user.Name, user.CID, user.IP)
	}
	if len(state.Banned) > 0 {
		fmt.Printf("banned: %s\n", strings.Join(state.Banned, ", "))
	}
	for ip, until := range state.Muted {
		fmt.Printf("muted %s until %s\n", ip, time.UnixMilli(until).Format(time.RFC3339))
	}
}
