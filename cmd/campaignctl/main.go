// Command campaignctl drives a campaign server over its HTTP API, or its
// gRPC ControlService with the rpc command.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

const defaultServer = "http://localhost:8080"

type options struct {
	server  string
	timeout time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "campaignctl",
		Short:        "Start, watch and steer notification campaigns",
		SilenceUsage: true,
	}

	server := os.Getenv("OJS_SERVER")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVar(&opts.server, "server", server, "campaign server base URL (env OJS_SERVER)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout; await and events ignore it")

	root.AddCommand(
		newStartCmd(opts),
		newGetCmd(opts),
		newListCmd(opts),
		newAwaitCmd(opts),
		newGateCmd(opts),
		newRetryLevelCmd(opts),
		newEventsCmd(opts),
		newRPCCmd(opts),
	)
	return root
}

// call runs one request bounded by --timeout and prints the response.
func call(cmd *cobra.Command, opts *options, method, path string, body any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	var out json.RawMessage
	if err := newAPIClient(opts.server).do(ctx, method, path, body, &out); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = w.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func newStartCmd(opts *options) *cobra.Command {
	var req core.StartRequest
	var wait bool

	cmd := &cobra.Command{
		Use:   "start --email ADDRESS",
		Short: "Start a campaign, or attach to the one already running for the key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !wait {
				return call(cmd, opts, http.MethodPost, "/v1/campaigns", &req)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			var started struct {
				Handle core.Handle `json:"handle"`
			}
			client := newAPIClient(opts.server)
			if err := client.do(ctx, http.MethodPost, "/v1/campaigns", &req, &started); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "started %s run %s\n", started.Handle.Key, started.Handle.RunID)
			return await(cmd, client, started.Handle, 0)
		},
	}
	cmd.Flags().StringVar(&req.Email, "email", "", "recipient address")
	cmd.Flags().StringVar(&req.Key, "key", "", "campaign key; defaults to the address")
	cmd.Flags().BoolVar(&wait, "await", false, "block until the run finishes")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Show a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, "/v1/campaigns/"+url.PathEscape(args[0]), nil)
		},
	}
}

func newListCmd(opts *options) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List campaigns, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/v1/campaigns"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			return call(cmd, opts, http.MethodGet, path, nil)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "running, completed or failed")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum campaigns to return")
	return cmd
}

func newAwaitCmd(opts *options) *cobra.Command {
	var runID string
	var within time.Duration

	cmd := &cobra.Command{
		Use:   "await KEY",
		Short: "Block until a campaign run is completed or failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return await(cmd, newAPIClient(opts.server), core.Handle{Key: args[0], RunID: runID}, within)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run to wait for; defaults to the current run")
	cmd.Flags().DurationVar(&within, "within", 0, "give up after this long; zero waits forever")
	return cmd
}

// await prints the outcome and fails when the run failed.
func await(cmd *cobra.Command, client *apiClient, h core.Handle, within time.Duration) error {
	body := map[string]string{}
	if h.RunID != "" {
		body["run_id"] = h.RunID
	}
	if within > 0 {
		body["timeout"] = within.String()
	}

	var resp struct {
		Outcome core.Outcome `json:"outcome"`
	}
	path := "/v1/campaigns/" + url.PathEscape(h.Key) + "/await"
	if err := client.do(cmd.Context(), http.MethodPost, path, body, &resp); err != nil {
		return err
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), raw); err != nil {
		return err
	}
	if resp.Outcome.Status == core.StatusFailed {
		return fmt.Errorf("campaign %s failed at step %d", h.Key, derefStep(resp.Outcome.FailedStep))
	}
	return nil
}

func derefStep(step *int) int {
	if step == nil {
		return -1
	}
	return *step
}

func newGateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:       "gate [open|closed]",
		Short:     "Show or flip the effect gate",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"open", "closed"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return call(cmd, opts, http.MethodGet, "/v1/controls/gate", nil)
			}
			return call(cmd, opts, http.MethodPut, "/v1/controls/gate", map[string]bool{"open": args[0] == "open"})
		},
	}
}

func newRetryLevelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-level [none|local|durable]",
		Short: "Show or set the retry level used by later attempts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return call(cmd, opts, http.MethodGet, "/v1/controls/retry-level", nil)
			}
			if _, err := core.ParseRetryLevel(args[0]); err != nil {
				return err
			}
			return call(cmd, opts, http.MethodPut, "/v1/controls/retry-level", map[string]string{"level": args[0]})
		},
	}
}

func newEventsCmd(opts *options) *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow campaign and delivery events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/v1/events"
			if key != "" {
				path += "?key=" + url.QueryEscape(key)
			}
			out := cmd.OutOrStdout()
			return newAPIClient(opts.server).stream(cmd.Context(), path, func(event string, data []byte) error {
				_, err := fmt.Fprintf(out, "%s %s\n", event, data)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "only events for this campaign")
	return cmd
}
