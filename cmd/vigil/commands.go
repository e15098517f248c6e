package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/vigil/internal/service"
	"github.com/loykin/vigil/pkg/client"
)

// globalFlags are the persistent flags shared by client commands.
type globalFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	gf := &globalFlags{}

	root := &cobra.Command{
		Use:   "vigil",
		Short: "vigil supervises long-running worker processes",
		Long: "vigil tracks the liveness of independently started worker processes,\n" +
			"detects hangs and silent stalls, and applies configurable restart policies.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&gf.APIUrl, "api-url", "http://127.0.0.1:8970", "base URL of the vigil daemon API")
	root.PersistentFlags().DurationVar(&gf.APITimeout, "api-timeout", 10*time.Second, "API request timeout")

	root.AddCommand(
		newServeCmd(),
		newStartCmd(gf),
		newStopCmd(gf),
		newRestartCmd(gf),
		newStatusCmd(gf),
		newLogsCmd(gf),
		newResetCmd(gf),
	)
	return root
}

func (gf *globalFlags) client() (*client.Client, context.Context, context.CancelFunc) {
	c := client.New(client.Config{BaseURL: gf.APIUrl, Timeout: gf.APITimeout})
	ctx, cancel := context.WithTimeout(context.Background(), gf.APITimeout)
	return c, ctx, cancel
}

func newStartCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start NAME",
		Short: "Start a registered service",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, ctx, cancel := gf.client()
			defer cancel()
			return c.Start(ctx, args[0])
		},
	}
}

func newStopCmd(gf *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop NAME",
		Short: "Stop a service (no-op when already stopped)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, ctx, cancel := gf.client()
			defer cancel()
			return c.Stop(ctx, args[0], force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "kill immediately instead of graceful stop")
	return cmd
}

func newRestartCmd(gf *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "restart NAME",
		Short: "Restart a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, ctx, cancel := gf.client()
			defer cancel()
			return c.Restart(ctx, args[0], force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "kill immediately instead of graceful stop")
	return cmd
}

func newStatusCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [NAME]",
		Short: "Show status for one service or all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := gf.client()
			defer cancel()
			if len(args) == 1 {
				st, err := c.Status(ctx, args[0])
				if err != nil {
					return err
				}
				printStatus(cmd, st)
				return nil
			}
			sts, err := c.StatusAll(ctx)
			if err != nil {
				return err
			}
			for _, st := range sts {
				printStatus(cmd, st)
			}
			return nil
		},
	}
}

func newLogsCmd(gf *globalFlags) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "logs NAME",
		Short: "Show recent stdout lines for a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := gf.client()
			defer cancel()
			var ts time.Time
			if since > 0 {
				ts = time.Now().Add(-since)
			}
			lines, err := c.LogsSince(ctx, args[0], ts)
			if err != nil {
				return err
			}
			for _, l := range lines {
				cmd.Println(l)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "only lines newer than this age (e.g. 10m)")
	return cmd
}

func newResetCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset NAME",
		Short: "Clear a permanent failure so the service can start again",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, ctx, cancel := gf.client()
			defer cancel()
			return c.ResetFailure(ctx, args[0])
		},
	}
}

func printStatus(cmd *cobra.Command, st service.Status) {
	line := fmt.Sprintf("%-20s %-18s pid=%-8d restarts=%d", st.Name, st.State, st.PID, st.Restarts)
	if st.Verdict != "" && st.Verdict != "unknown" {
		line += " verdict=" + st.Verdict
		if st.Stale {
			line += " (stale)"
		}
	}
	if st.Uptime > 0 {
		line += " uptime=" + st.Uptime.Truncate(time.Second).String()
	}
	cmd.Println(line)
}
