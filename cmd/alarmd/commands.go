package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"alarmd/internal/app"
	"alarmd/internal/config"
	"alarmd/internal/credential"
	"alarmd/internal/timecalc"
	logx "alarmd/pkg/logx"
	"alarmd/pkg/systemd"
)

func newNextCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Print the next trigger time of the stored alarm.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			rec, loc, err := app.ReadRecord(ctx, opts.configPath)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), describeNext(rec.Enabled, rec.Time, rec.Weekdays, time.Now().In(loc)))
			return err
		},
	}
}

func describeNext(enabled bool, timeOfDay string, weekdays []int, now time.Time) string {
	if !enabled {
		return "alarm disabled"
	}
	tod, err := timecalc.ParseTimeOfDay(timeOfDay)
	if err != nil {
		return fmt.Sprintf("invalid alarm time %q", timeOfDay)
	}
	next, ok := timecalc.NextOccurrence(tod, weekdays, now)
	if !ok {
		return "no valid weekday selected"
	}
	return fmt.Sprintf("%s (%s)", next.Format("Mon 2006-01-02 15:04 MST"), timecalc.HumanizeTimeUntil(timeOfDay, weekdays, now))
}

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the settings file and exit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.NewConfigManager(opts.configPath).Parse(); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return err
		},
	}
}

func newAuthCmd(opts *options) *cobra.Command {
	auth := &cobra.Command{
		Use:   "auth",
		Short: "Manage the playback refresh token.",
	}
	auth.AddCommand(
		&cobra.Command{
			Use:   "set-token [token]",
			Short: "Store the refresh token (reads stdin when no argument is given).",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				tok := ""
				if len(args) == 1 {
					tok = args[0]
				} else {
					var err error
					if tok, err = readLine(cmd.InOrStdin()); err != nil {
						return err
					}
				}
				tok = strings.TrimSpace(tok)
				if tok == "" {
					return errors.New("empty token")
				}
				cs, err := credentialStore(opts)
				if err != nil {
					return err
				}
				if err := cs.Set(tok); err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "token stored")
				return err
			},
		},
		&cobra.Command{
			Use:   "clear-token",
			Short: "Remove the stored refresh token.",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cs, err := credentialStore(opts)
				if err != nil {
					return err
				}
				if err := cs.Delete(); err != nil && !errors.Is(err, credential.ErrNotFound) {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "token cleared")
				return err
			},
		},
	)
	return auth
}

func credentialStore(opts *options) (*credential.Store, error) {
	cfg, err := config.NewConfigManager(opts.configPath).Parse()
	if err != nil {
		return nil, err
	}
	return app.NewCredentialStore(cfg, logx.NewConsole("warn")), nil
}

func readLine(r io.Reader) (string, error) {
	sc := bufio.NewScanner(r)
	if sc.Scan() {
		return sc.Text(), nil
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", errors.New("no token on stdin")
}

func newServiceStatusCmd() *cobra.Command {
	var unit string
	cmd := &cobra.Command{
		Use:   "service-status",
		Short: "Show the systemd unit state of the daemon.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			st, err := systemd.GetUnitStatus(ctx, unit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s/%s (%s)\n", st.Name, st.Active, st.SubState, st.LoadState)
			if st.Running() {
				fmt.Fprintf(out, "pid %d, up %s\n", st.MainPID, timecalc.FormatDuration(st.Uptime))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&unit, "unit", "alarmd", "systemd unit name")
	return cmd
}
