package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/safing/portgate/service/api"
	"github.com/safing/portgate/service/flow"
)

var (
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the filter status",
		Args:  cobra.NoArgs,
		RunE:  showStatus,
	}

	filterCmd = &cobra.Command{
		Use:       "filter install|start|stop|register",
		Short:     "Control the filter lifecycle",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"install", "start", "stop", "register"},
		RunE:      filterAction,
	}

	policyCmd = &cobra.Command{
		Use:   "policy",
		Short: "Manage app policies",
	}
	policyListCmd = &cobra.Command{
		Use:   "list",
		Short: "List all app policies",
		Args:  cobra.NoArgs,
		RunE:  listPolicies,
	}
	policyAllowCmd = &cobra.Command{
		Use:   "allow <app>",
		Short: "Allow an app to connect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setPolicy(cmd, args[0], true)
		},
	}
	policyDenyCmd = &cobra.Command{
		Use:   "deny <app>",
		Short: "Block all connections of an app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setPolicy(cmd, args[0], false)
		},
	}

	eventsCmd = &cobra.Command{
		Use:   "events",
		Short: "Show recent decisions",
		Args:  cobra.NoArgs,
		RunE:  showEvents,
	}

	policyMatch string

	eventsLimit int
	eventsSince time.Duration
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(filterCmd)

	policyListCmd.Flags().StringVar(&policyMatch, "match", "", "only list apps matching the glob pattern")
	policyCmd.AddCommand(policyListCmd, policyAllowCmd, policyDenyCmd)
	rootCmd.AddCommand(policyCmd)

	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 20, "number of events to show")
	eventsCmd.Flags().DurationVar(&eventsSince, "since", 0, "show persisted events of the given time span")
	rootCmd.AddCommand(eventsCmd)
}

func apiClient(cmd *cobra.Command) (*api.Client, error) {
	sc, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return api.NewClient(sc.APIAddress), nil
}

func showStatus(cmd *cobra.Command, _ []string) error {
	client, err := apiClient(cmd)
	if err != nil {
		return err
	}
	s, err := client.Status(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("%s since %s\n", s, s.Since.Format(time.DateTime))
	return nil
}

func filterAction(cmd *cobra.Command, args []string) error {
	client, err := apiClient(cmd)
	if err != nil {
		return err
	}
	if _, err := client.Filter(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("%s requested\n", args[0])
	return nil
}

func listPolicies(cmd *cobra.Command, _ []string) error {
	client, err := apiClient(cmd)
	if err != nil {
		return err
	}
	policies, err := client.Policies(cmd.Context(), policyMatch)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "APP\tALLOWED\tMODIFIED")
	for _, p := range policies {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", p.AppID, strconv.FormatBool(p.Allowed), p.Modified.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func setPolicy(cmd *cobra.Command, appID string, allow bool) error {
	client, err := apiClient(cmd)
	if err != nil {
		return err
	}
	p, err := client.SetPolicy(cmd.Context(), appID, allow)
	if err != nil {
		return err
	}
	fmt.Printf("%s: allowed=%t\n", p.AppID, p.Allowed)
	return nil
}

func showEvents(cmd *cobra.Command, _ []string) error {
	client, err := apiClient(cmd)
	if err != nil {
		return err
	}

	var events []flow.DecisionEvent
	if eventsSince > 0 {
		events, err = client.History(cmd.Context(), time.Now().Add(-eventsSince), eventsLimit)
	} else {
		events, err = client.Events(cmd.Context(), eventsLimit)
	}
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tVERDICT\tDIRECTION\tAPP\tREMOTE")
	for _, ev := range events {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s:%d\n",
			ev.Timestamp.Local().Format(time.DateTime),
			ev.Verdict, ev.Direction, ev.AppID, ev.RemoteHost, ev.RemotePort,
		)
	}
	return tw.Flush()
}
