package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/sensorbridge/contracts"
	"github.com/glimte/sensorbridge/health"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "sensorbridge",
		Short: "Query and stream sensors through the request bridge",
		Long: `sensorbridge talks to a sensor service over AMQP, NATS or an in-process
loopback service. It discovers sensors, reads their attributes and streams samples.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "YAML configuration file")
	pf.StringVarP(&flags.transport, "transport", "t", "", "Transport: amqp, nats or loopback")
	pf.StringVarP(&flags.url, "url", "u", "", "Broker URL")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&flags.logFile, "log-file", "", "Write logs to a rotated file instead of stderr")

	rootCmd.AddCommand(
		newDiscoverCmd(flags),
		newAttributesCmd(flags),
		newStreamCmd(flags),
		newHealthCmd(flags),
	)
	return rootCmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newDiscoverCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "discover <data-type>",
		Short: "List the SUIDs that provide a data type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			s, err := openSession(ctx, flags, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			suids, err := s.client.Bridge().Discover(ctx, args[0])
			if err != nil {
				return err
			}
			for _, suid := range suids {
				fmt.Fprintln(cmd.OutOrStdout(), suid)
			}
			return nil
		},
	}
}

func newAttributesCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "attributes <data-type>",
		Short: "Show attributes of every sensor providing a data type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			s, err := openSession(ctx, flags, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			b := s.client.Bridge()
			suids, err := b.Discover(ctx, args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SUID\tVENDOR\tNAME\tTYPE\tMAX RATE\tSTREAM")
			for _, suid := range suids {
				attrs, err := b.QueryAttributes(ctx, suid)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f\t%s\n",
					suid, attrs.Vendor, attrs.Name, attrs.Type, attrs.MaxSampleRate, attrs.StreamType)
			}
			return w.Flush()
		},
	}
}

func newStreamCmd(flags *globalFlags) *cobra.Command {
	var (
		sensorType string
		rate       float32
		batchUs    uint32
		duration   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stream <data-type>",
		Short: "Enable a sensor and print its samples",
		Long:  "Discovers the data type, registers the first SUID under --type, enables it and prints samples until --duration elapses or the process is interrupted. A rate of 0 requests on-change reporting.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := contracts.ParseSensorType(sensorType)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			if duration > 0 {
				var stop context.CancelFunc
				ctx, stop = context.WithTimeout(ctx, duration)
				defer stop()
			}

			out := cmd.OutOrStdout()
			events := make(chan contracts.SensorEvent, 256)
			s, err := openSession(ctx, flags, func(_ contracts.SensorType, ev *contracts.SensorEvent) {
				select {
				case events <- *ev:
				default:
				}
			})
			if err != nil {
				return err
			}
			defer s.Close()

			req := contracts.SensorRequest{SensorType: st, Enable: true, SamplingRateHz: rate, BatchPeriodUs: batchUs}
			if _, err := s.client.Subscribe(ctx, args[0], req); err != nil {
				return err
			}

			for {
				select {
				case ev := <-events:
					fmt.Fprintf(out, "%d %s %s %v\n", ev.Timestamp, ev.SUID, ev.SensorType, ev.Samples)
				case <-ctx.Done():
					disableCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
					defer stop()
					return s.client.Bridge().MakeRequest(disableCtx, contracts.SensorRequest{SensorType: st})
				}
			}
		},
	}

	cmd.Flags().StringVar(&sensorType, "type", contracts.SensorTypeAccelerometer.String(), "Sensor type to register the SUID under")
	cmd.Flags().Float32Var(&rate, "rate", 50, "Sampling rate in Hz, 0 for on-change")
	cmd.Flags().Uint32Var(&batchUs, "batch", 0, "Batch period in microseconds")
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "Stop after this long, 0 to run until interrupted")
	return cmd
}

func newHealthCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Initialize the bridge and print the health report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			s, err := openSession(ctx, flags, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			checkCtx, stop := context.WithTimeout(ctx, 5*time.Second)
			defer stop()
			report := s.client.Health().Check(checkCtx)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if report.Status != health.StatusHealthy {
				return fmt.Errorf("bridge is %s", report.Status)
			}
			return nil
		},
	}
}
