package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/safing/portgate/base/log"
	"github.com/safing/portgate/service"
)

var (
	controllerCmd = &cobra.Command{
		Use:   "controller",
		Short: "Run the controller: policies, lifecycle and the local API",
		RunE:  runController,
	}

	interceptorCmd = &cobra.Command{
		Use:   "interceptor",
		Short: "Run the interceptor: relay endpoint and flow interception",
		RunE:  runInterceptor,
	}

	useNFQueue       bool
	printStackOnExit bool
	decisionTimeout  time.Duration
	queueNumber      uint16
	policyBackend    string
	eventHistory     bool
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&printStackOnExit, "print-stack-on-exit", false, "prints the stack before shutting down")

	controllerCmd.Flags().StringVar(&policyBackend, "policy-backend", "", "set policy storage backend [sqlite|bbolt|badger|hashmap]")
	controllerCmd.Flags().BoolVar(&eventHistory, "event-history", false, "persist decision events")
	rootCmd.AddCommand(controllerCmd)

	interceptorCmd.Flags().BoolVar(&useNFQueue, "nfqueue", false, "intercept new connections with netfilter queues")
	interceptorCmd.Flags().DurationVar(&decisionTimeout, "decision-timeout", 0, "let flows pass if no decision arrives in time, 0 waits")
	interceptorCmd.Flags().Uint16Var(&queueNumber, "queue", 0, "set first netfilter queue number")
	rootCmd.AddCommand(interceptorCmd)
}

type instance interface {
	Start() error
	Stop() error
}

func runController(cmd *cobra.Command, _ []string) error {
	sc, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("policy-backend") {
		sc.PolicyBackend = policyBackend
	}
	if cmd.Flags().Changed("event-history") {
		sc.EventHistory = eventHistory
	}

	ci, err := service.NewController(sc)
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}
	return run(sc, ci)
}

func runInterceptor(cmd *cobra.Command, _ []string) error {
	sc, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("decision-timeout") {
		sc.DecisionTimeout = decisionTimeout
	}
	if cmd.Flags().Changed("queue") {
		sc.QueueNumber = queueNumber
	}

	ii, err := service.NewInterceptor(sc, useNFQueue)
	if err != nil {
		return fmt.Errorf("create interceptor: %w", err)
	}
	return run(sc, ii)
}

// run starts the instance and stops it again on an interrupt.
func run(sc *service.ServiceConfig, instance instance) error {
	// Start logging.
	if err := log.Start(sc.LogLevel, sc.LogToStdout, sc.LogDir); err != nil {
		return err
	}
	defer log.Shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := instance.Start(); err != nil {
		if printStackOnExit {
			printStackTo(os.Stderr, "PRINTING STACK ON START FAILURE")
		}
		return fmt.Errorf("instance start failed: %w", err)
	}

	stopped := make(chan struct{})
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gCtx.Done()
		fmt.Println(" <INTERRUPT>") // CLI output.
		slog.Warn("program was interrupted, stopping")
		defer close(stopped)
		return instance.Stop()
	})
	g.Go(func() error {
		<-gCtx.Done()
		// Catch signals during shutdown.
		// Force exit after 5 interrupts.
		signalCh := make(chan os.Signal, 1)
		signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(signalCh)

		forceCnt := 5
		timeout := time.After(time.Minute)
		for {
			select {
			case <-stopped:
				return nil
			case <-signalCh:
				forceCnt--
				if forceCnt > 0 {
					fmt.Printf(" <INTERRUPT> again, but already shutting down - %d more to force\n", forceCnt)
				} else {
					printStackTo(os.Stderr, "PRINTING STACK ON FORCED EXIT")
					os.Exit(1)
				}
			case <-timeout:
				printStackTo(os.Stderr, "PRINTING STACK - TAKING TOO LONG FOR SHUTDOWN")
				return errors.New("shutdown timed out")
			}
		}
	})

	err := g.Wait()
	if printStackOnExit {
		printStackTo(os.Stdout, "PRINTING STACK ON EXIT")
	}
	return err
}

func printStackTo(writer io.Writer, msg string) {
	_, err := fmt.Fprintf(writer, "===== %s =====\n", msg)
	if err == nil {
		err = pprof.Lookup("goroutine").WriteTo(writer, 1)
	}
	if err != nil {
		slog.Error("failed to write stack trace", "err", err)
	}
}
