package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ashureev/pccare/internal/authorization"
	"github.com/ashureev/pccare/internal/domain"
	"github.com/ashureev/pccare/internal/events"
	"github.com/ashureev/pccare/internal/execution"
	"github.com/spf13/cobra"
)

const commandTimeout = 60 * time.Second

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle with the remote authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			if !a.Monitor.IsOnline(ctx) {
				fmt.Fprintln(cmd.OutOrStdout(), "offline: nothing synced")
				return nil
			}
			res, err := a.Reconciler.Sync(ctx)
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: pulled %d, pushed %d\n", res.Pulled, res.Pushed)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, last sync and pending requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cfg, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			lastSync, _, err := a.Store.GetSetting(ctx, domain.SettingLastSyncAt)
			if err != nil {
				return err
			}
			pending, err := a.Store.GetPendingExecution(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"remote_enabled":  cfg.RemoteEnabled(),
				"online":          a.Monitor.IsOnline(ctx),
				"last_sync_at":    lastSync,
				"pending_request": pending,
			})
		},
	}
}

func operationsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "operations",
		Short: "List cached maintenance operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ops, err := a.Store.GetOperations(cmd.Context(), all)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SLUG\tNAME\tRISK\tADMIN\tACTIVE")
			for _, op := range ops {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\n", op.Slug, op.Name, op.Risk, op.RequiresAdmin, op.Active)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include inactive operations")
	return cmd
}

func runCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "run <slug>",
		Short: "Run a maintenance operation on this PC",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			c, err := a.Pipeline.Confirm(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s risk", c.Name, c.Risk)
			if c.RequiresAdmin {
				fmt.Fprint(out, ", needs administrator rights")
			}
			fmt.Fprintf(out, ")\n%s\n", c.Description)

			if !yes {
				yes, err = prompt(cmd.InOrStdin(), out, "Run it now? [y/N] ")
				if err != nil {
					return err
				}
			}

			lines, cancel := a.Events.Subscribe()
			printed := make(chan struct{})
			go func() {
				defer close(printed)
				for ev := range lines {
					if oe, ok := ev.Data.(execution.OutputEvent); ok && ev.Type == events.TypeExecutionOutput {
						fmt.Fprintf(out, "  [%s] %s\n", oe.Line.Kind, oe.Line.Text)
					}
				}
			}()
			res, err := a.Pipeline.RunLocal(ctx, args[0], yes)
			cancel()
			<-printed
			if errors.Is(err, execution.ErrConfirmationRequired) {
				fmt.Fprintln(out, "cancelled")
				return nil
			}
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("operation failed: %s", res.Error)
			}
			fmt.Fprintln(out, "ok: finished successfully")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func prompt(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprint(out, question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Show the remote request awaiting a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.Store.GetPendingExecution(cmd.Context())
			if err != nil {
				return err
			}
			if rec == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no pending request")
				return nil
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func decideCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decide <id> <accept|reject>",
		Short: "Accept or reject a pending remote request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := authorization.ParseDecision(args[1])
			if err != nil {
				return err
			}
			a, cfg, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.Machine.Decide(cmd.Context(), args[0], d)
			if err != nil {
				return err
			}
			if d == authorization.Accept {
				fmt.Fprintln(os.Stderr, "running...")
			}
			a.Machine.Wait(cfg.Execution.Timeout)

			final, err := a.Store.GetExecution(context.WithoutCancel(cmd.Context()), rec.ID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), final)
		},
	}
}
