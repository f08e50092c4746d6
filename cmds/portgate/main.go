package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/safing/portgate/base/info"
	"github.com/safing/portgate/service"
)

var (
	rootCmd = &cobra.Command{
		Use:           "portgate",
		Short:         "Per-application network filter",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	configFile string
	svcCfg     = &service.ServiceConfig{}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "YAML config file")
	flags.StringVar(&svcCfg.DataDir, "data-dir", "", "set data directory")
	flags.StringVar(&svcCfg.LogDir, "log-dir", "", "set directory for logs")
	flags.StringVar(&svcCfg.LogLevel, "log", "", "set log level to [trace|debug|info|warning|error|critical]")
	flags.BoolVar(&svcCfg.LogToStdout, "log-stdout", false, "log to stdout instead of file")
	flags.StringVar(&svcCfg.SocketPath, "socket", "", "set relay socket path")
	flags.StringVar(&svcCfg.APIAddress, "api", "", "set API address, loopback TCP or unix:<path>")
}

// loadConfig reads the config file, if given, and applies the command line
// flags on top.
func loadConfig(cmd *cobra.Command) (*service.ServiceConfig, error) {
	if configFile == "" {
		return svcCfg, nil
	}

	sc, err := service.LoadConfigFile(configFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		sc.DataDir = svcCfg.DataDir
	}
	if flags.Changed("log-dir") {
		sc.LogDir = svcCfg.LogDir
	}
	if flags.Changed("log") {
		sc.LogLevel = svcCfg.LogLevel
	}
	if flags.Changed("log-stdout") {
		sc.LogToStdout = svcCfg.LogToStdout
	}
	if flags.Changed("socket") {
		sc.SocketPath = svcCfg.SocketPath
	}
	if flags.Changed("api") {
		sc.APIAddress = svcCfg.APIAddress
	}
	return sc, nil
}

func main() {
	info.Set("Portgate", "1.0.0")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
