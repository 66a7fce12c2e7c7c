package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-warmlock/v1/core"
	"github.com/mirkobrombin/go-warmlock/v1/lock"
)

func newRootCommand() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "warmlock",
		Short:         "Resolve shared values with lock-guarded refresh-ahead caching",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addStoreFlags(root, v)
	root.AddCommand(newResolveCommand(v), newReadCommand(v), newStressCommand(v))
	return root
}

func newResolveCommand(v *viper.Viper) *cobra.Command {
	var (
		ttl   time.Duration
		value string
	)
	cmd := &cobra.Command{
		Use:   "resolve KEY [-- COMMAND [ARGS...]]",
		Short: "Return the cached value for KEY, running COMMAND to refresh it when due",
		Long: "resolve prints the value for KEY. When the entry is missing or inside the refresh\n" +
			"window and this caller wins the lock, COMMAND is run and its trimmed stdout becomes\n" +
			"the new value, valid for --ttl. Without COMMAND the --value flag is stored instead.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}
			key, command := args[0], args[1:]
			if len(command) == 0 && value == "" {
				return errors.New("either a command or --value is required")
			}
			stack, logger, err := setup(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer stack.Close()

			now := lock.Now()
			produce := func(ctx context.Context) (string, int64, error) {
				out := value
				if len(command) > 0 {
					logger.Info("running producer", "key", key, "command", command[0])
					var err error
					if out, err = runProducer(ctx, command); err != nil {
						return "", 0, err
					}
				}
				return out, lock.Add(now, ttl), nil
			}

			got, ok, err := stack.Resolve(cmd.Context(), key, now, produce)
			if err != nil {
				return err
			}
			if !ok {
				logger.Info("value is being computed elsewhere", "key", key)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), got)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "validity of a freshly produced value")
	cmd.Flags().StringVar(&value, "value", "", "static value to store when no command is given")
	return cmd
}

func runProducer(ctx context.Context, command []string) (string, error) {
	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, command[0], command[1:]...)
	c.Stdout = &stdout
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("producer %s: %w: %s", command[0], err, msg)
		}
		return "", fmt.Errorf("producer %s: %w", command[0], err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func newReadCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "read KEY",
		Short: "Print the stored entry for KEY without taking any lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, _, err := setup(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer stack.Close()

			e, found, err := stack.Store.ReadEntry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no entry for %q", args[0])
			}
			state := "valid"
			if lock.Expired(e.Expiry, lock.Now()) {
				state = "expired"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", e.Value, lock.Time(e.Expiry).UTC().Format(time.RFC3339Nano), state)
			return nil
		},
	}
}

// policyName is used in stress summaries.
func policyName(v *viper.Viper) string {
	p, err := core.ParseContentionPolicy(v.GetString("on-contention"))
	if err != nil {
		return v.GetString("on-contention")
	}
	return p.String()
}
