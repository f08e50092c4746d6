package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/safing/portgate/service/host/local"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Edit the local host filter state",
	Long: `Edit the local host filter state file read by the controller.
This stands in for the system settings where the user approves the
interceptor extension and enables or disables the filter.`,
}

func init() {
	hostCmd.AddCommand(
		hostStateCmd("approve", "Approve the extension", func(s *local.State) {
			s.Approved = true
			s.Rejected = false
		}),
		hostStateCmd("reject", "Reject the extension", func(s *local.State) {
			s.Approved = false
			s.Rejected = true
		}),
		hostStateCmd("enable", "Enable the filter", func(s *local.State) {
			s.Enabled = true
		}),
		hostStateCmd("disable", "Disable the filter", func(s *local.State) {
			s.Enabled = false
		}),
		&cobra.Command{
			Use:   "show",
			Short: "Show the host state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				path, err := hostStateFile(cmd)
				if err != nil {
					return err
				}
				s, err := local.ReadState(path)
				if err != nil {
					return err
				}
				printHostState(path, s)
				return nil
			},
		},
	)
	rootCmd.AddCommand(hostCmd)
}

func hostStateCmd(use, short string, fn func(s *local.State)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := hostStateFile(cmd)
			if err != nil {
				return err
			}
			if err := local.UpdateState(path, fn); err != nil {
				return err
			}
			s, err := local.ReadState(path)
			if err != nil {
				return err
			}
			printHostState(path, s)
			return nil
		},
	}
}

func hostStateFile(cmd *cobra.Command) (string, error) {
	sc, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	if err := sc.Init(); err != nil {
		return "", err
	}
	return sc.HostStateFile, nil
}

func printHostState(path string, s local.State) {
	fmt.Printf("%s:\n", path)
	fmt.Printf("  installed: %t\n", s.Installed)
	fmt.Printf("  approved:  %t\n", s.Approved)
	fmt.Printf("  rejected:  %t\n", s.Rejected)
	fmt.Printf("  enabled:   %t\n", s.Enabled)
	if s.Extension != nil {
		fmt.Printf("  extension: %s %s\n", s.Extension.Identifier, s.Extension.Version)
	}
}
