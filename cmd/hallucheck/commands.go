package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"hallucheck-backend/internal/client"
)

type rootOptions struct {
	server   string
	token    string
	guest    string
	interval time.Duration
	timeout  time.Duration
	asJSON   bool
}

func (o *rootOptions) client() *client.Client {
	return client.New(client.Options{
		BaseURL:  o.server,
		Token:    o.token,
		GuestID:  o.guest,
		Interval: o.interval,
	})
}

func (o *rootOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.timeout > 0 {
		return context.WithTimeout(ctx, o.timeout)
	}
	return context.WithCancel(ctx)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "hallucheck",
		Short: "Audit chatbot conversations for hallucinations",
		Long: `hallucheck uploads a recorded conversation (a JSON array of
{"role","content"} turns) and reports self-contradictions, overconfident
claims, fabricated citations and unverifiable hard facts.

Examples:
  hallucheck submit chat.json --wait
  hallucheck status 3f1c...
  hallucheck wait 3f1c... --interval 5s`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.server, "server", "", "API base URL (default $HALLUCHECK_URL or http://localhost:8080)")
	pf.StringVar(&opts.token, "token", "", "bearer token (default $HALLUCHECK_TOKEN)")
	pf.StringVar(&opts.guest, "guest", "", "guest id when no token is set (default $HALLUCHECK_GUEST_ID)")
	pf.DurationVar(&opts.timeout, "timeout", 10*time.Minute, "overall deadline")
	pf.BoolVar(&opts.asJSON, "json", false, "print raw JSON")

	root.AddCommand(newSubmitCmd(opts), newStatusCmd(opts), newWaitCmd(opts))
	return root
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Submit a conversation file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read conversation: %w", err)
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			c := opts.client()
			sub, err := c.Submit(ctx, filepath.Base(args[0]), raw)
			if err != nil {
				return err
			}
			if !wait {
				if opts.asJSON {
					return writeJSON(cmd.OutOrStdout(), sub)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %s %s\n", sub.JobID, sub.Status)
				return nil
			}
			return waitAndPrint(ctx, cmd.OutOrStdout(), c, sub.JobID, opts.asJSON)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job finishes")
	cmd.Flags().DurationVar(&opts.interval, "interval", client.DefaultInterval, "poll interval with --wait")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the current state of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			st, err := opts.client().Status(ctx, args[0])
			if err != nil {
				return err
			}
			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newWaitCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Poll a job until it completes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			return waitAndPrint(ctx, cmd.OutOrStdout(), opts.client(), args[0], opts.asJSON)
		},
	}
	cmd.Flags().DurationVar(&opts.interval, "interval", client.DefaultInterval, "poll interval")
	return cmd
}

func waitAndPrint(ctx context.Context, out io.Writer, c *client.Client, jobID string, asJSON bool) error {
	last := ""
	st, err := c.Wait(ctx, jobID, func(s client.Status) {
		if !asJSON && s.Status != last {
			fmt.Fprintf(out, "%s %s\n", s.ID, s.Status)
			last = s.Status
		}
	})
	if err != nil && !errors.Is(err, client.ErrJobFailed) {
		return err
	}
	if asJSON {
		if werr := writeJSON(out, st); werr != nil {
			return werr
		}
	} else {
		printStatus(out, st)
	}
	return err
}

func printStatus(out io.Writer, st client.Status) {
	fmt.Fprintf(out, "Job:     %s\nStatus:  %s\n", st.ID, st.Status)
	if st.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:   %s (%s)\n", st.ErrorMessage, st.ErrorCode)
	}
	res := st.Result
	if res == nil {
		return
	}
	fmt.Fprintf(out, "Summary: %s\n", res.Summary)
	fmt.Fprintf(out, "Rate:    %.0f%%  Avg confidence: %.2f\n", res.HallucinationRate*100, res.AverageConfidence)
	b := res.IssueBreakdown
	fmt.Fprintf(out, "Issues:  contradiction=%d overconfidence=%d citation=%d hardcoded=%d\n",
		b.SelfContradiction, b.Overconfidence, b.FabricatedCitation, b.HardcodedFact)
	for _, ft := range res.FlaggedTurns {
		fmt.Fprintf(out, "  [turn %d] %s (%.2f): %s\n", ft.TurnIndex, ft.IssueType, ft.Confidence, ft.Explanation)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
