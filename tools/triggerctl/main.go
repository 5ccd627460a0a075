// Command triggerctl runs one maintenance trigger against the booking
// service, for cron jobs and manual operation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/md-rashed-zaman/apptholds/libs/config"
	"github.com/md-rashed-zaman/apptholds/libs/trigger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	baseURL string
	secret  string
	timeout time.Duration
	tries   uint
}

func (o *options) client() *trigger.Client {
	return trigger.New(trigger.Config{
		BaseURL:    o.baseURL,
		Secret:     o.secret,
		Subject:    "triggerctl",
		MaxTries:   o.tries,
		MaxElapsed: o.timeout,
	}, nil)
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "triggerctl",
		Short:         "Run booking service maintenance triggers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.baseURL, "url", config.String("BOOKING_URL", "http://localhost:8083"), "booking service base URL")
	root.PersistentFlags().StringVar(&opts.secret, "secret", config.String("TRIGGER_SECRET", ""), "trigger secret (defaults to $TRIGGER_SECRET)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall deadline including retries")
	root.PersistentFlags().UintVar(&opts.tries, "tries", 5, "attempts before giving up")

	root.AddCommand(newPostCmd(opts, "sweep", "Expire holds whose TTL has passed", (*trigger.Client).Sweep))
	root.AddCommand(newPostCmd(opts, "refresh", "Refresh the external calendar cache", (*trigger.Client).Refresh))
	root.AddCommand(newDaysCmd(opts))
	return root
}

func newPostCmd(opts *options, use, short string, call func(*trigger.Client, context.Context) (trigger.Result, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.secret == "" {
				return fmt.Errorf("%s: --secret or TRIGGER_SECRET is required", use)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			res, err := call(opts.client(), ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newDaysCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "days",
		Short: "Print the bookable days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			raw, err := opts.client().Days(ctx)
			if err != nil {
				return err
			}
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
