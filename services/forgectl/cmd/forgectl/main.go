package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"forgehub/pkg/bus"
	"forgehub/pkg/render"
	"forgehub/pkg/telemetry"
	"forgehub/services/forgectl"
	"forgehub/services/hub"
	"forgehub/services/machinestate"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globals struct {
	hubURL  string
	output  string
	timeout time.Duration
	out     io.Writer
}

func (g *globals) client() (*forgectl.Client, error) {
	return forgectl.NewClient(g.hubURL, g.timeout)
}

// print writes v as indented JSON or through the named template.
func (g *globals) print(tmpl string, v any) error {
	if g.output == "json" {
		enc := json.NewEncoder(g.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	engine, err := render.New()
	if err != nil {
		return err
	}
	text, err := engine.Render(tmpl, v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(g.out, text)
	return err
}

func newRootCommand(out io.Writer) *cobra.Command {
	g := &globals{out: out}

	cmd := &cobra.Command{
		Use:           "forgectl",
		Short:         "Operate a forgehub edge hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.output != "text" && g.output != "json" {
				return fmt.Errorf("invalid --output %q: want text or json", g.output)
			}
			return nil
		},
	}

	defaultURL := os.Getenv("FORGEHUB_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:3001"
	}
	cmd.PersistentFlags().StringVar(&g.hubURL, "hub", defaultURL, "Base URL of the edge hub (env FORGEHUB_URL)")
	cmd.PersistentFlags().StringVarP(&g.output, "output", "o", "text", "Output format: text or json")
	cmd.PersistentFlags().DurationVar(&g.timeout, "timeout", forgectl.DefaultTimeout, "Request timeout")

	cmd.AddCommand(newCommandsCommand(g))
	cmd.AddCommand(newCatalogCommand(g))
	cmd.AddCommand(newMachinesCommand(g))
	cmd.AddCommand(newWatchCommand(g))
	cmd.AddCommand(newSimulateCommand(g))
	return cmd
}

func newCommandsCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commands",
		Short: "Issue and inspect machine commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newCommandsSendCommand(g))
	cmd.AddCommand(newCommandsGetCommand(g))
	cmd.AddCommand(newCommandsListCommand(g))
	cmd.AddCommand(newCommandsAckCommand(g))
	return cmd
}

func newCommandsSendCommand(g *globals) *cobra.Command {
	var payload string

	cmd := &cobra.Command{
		Use:   "send NAME",
		Short: "Issue a command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload is not valid JSON")
				}
				raw = json.RawMessage(payload)
			}
			client, err := g.client()
			if err != nil {
				return err
			}
			res, err := client.Send(cmd.Context(), args[0], raw)
			if err != nil {
				return err
			}
			if g.output == "json" {
				return g.print("", res)
			}
			line := fmt.Sprintf("%s %s", res.CmdID, res.Status)
			if res.Error != "" {
				line += ": " + res.Error
			}
			_, err = fmt.Fprintln(g.out, line)
			return err
		},
	}

	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload for the command")
	return cmd
}

func newCommandsGetCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get CMD_ID",
		Short: "Show one command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			c, err := client.Command(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return g.print("command.tmpl", c)
		},
	}
}

func newCommandsListCommand(g *globals) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent commands, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			list, err := client.Commands(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return g.print("commands.tmpl", list)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum commands to return (0 uses the hub default)")
	return cmd
}

func newCommandsAckCommand(g *globals) *cobra.Command {
	var (
		status string
		errMsg string
	)

	cmd := &cobra.Command{
		Use:   "ack CMD_ID",
		Short: "Report a machine acknowledgement over HTTP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			return client.Ack(cmd.Context(), args[0], status, errMsg)
		},
	}

	cmd.Flags().StringVar(&status, "status", "acked", "Outcome: acked, failed or timeout")
	cmd.Flags().StringVar(&errMsg, "error", "", "Error text for a failed outcome")
	return cmd
}

func newCatalogCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List the commands the hub accepts",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			listing, err := client.Catalog(cmd.Context())
			if err != nil {
				return err
			}
			return g.print("catalog.tmpl", listing)
		},
	}
}

func newMachinesCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "machines",
		Short: "Inspect machine telemetry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status MACHINE_ID",
		Short: "Show a machine's liveness",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.output == "json" {
				return g.print("", st)
			}
			return g.print("status.tmpl", struct {
				MachineID string
				Status    machinestate.Status
			}{args[0], st})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "history MACHINE_ID",
		Short: "Show a machine's retained telemetry, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			samples, err := client.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.output == "json" {
				return g.print("", samples)
			}
			return g.print("history.tmpl", struct {
				MachineID string
				Samples   []machinestate.Sample
			}{args[0], samples})
		},
	})
	return cmd
}

func newWatchCommand(g *globals) *cobra.Command {
	var events []string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream pushed events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			wanted := make(map[string]bool, len(events))
			for _, e := range events {
				wanted[e] = true
			}
			err = client.Watch(cmd.Context(), func(f hub.Frame) error {
				if len(wanted) > 0 && !wanted[f.Event] {
					return nil
				}
				if g.output == "json" {
					return json.NewEncoder(g.out).Encode(f)
				}
				return g.print("event.tmpl", struct {
					At    time.Time
					Event string
					Data  json.RawMessage
				}{time.Now(), f.Event, f.Data})
			})
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringSliceVar(&events, "event", nil, "Only show these events (repeatable)")
	return cmd
}

func newSimulateCommand(g *globals) *cobra.Command {
	var (
		machineID string
		interval  time.Duration
		ackStatus string
		busKind   string
		busURL    string
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Publish synthetic telemetry and acknowledge commands on the bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := telemetry.NewLogger("forgectl", telemetry.Options{Format: "console", Level: logLevel, Out: os.Stderr})
			if err != nil {
				return err
			}
			if busURL == "" {
				busURL = "tcp://127.0.0.1:1883"
				if busKind == bus.KindNATS {
					busURL = "nats://127.0.0.1:4222"
				}
			}
			client, err := bus.Open(busKind, busURL, bus.Options{ClientName: "forgectl-" + machineID, Logger: logger})
			if err != nil {
				return err
			}
			defer client.Close()

			sim, err := forgectl.NewSimulator(client, forgectl.SimulatorOptions{
				MachineID: machineID,
				Interval:  interval,
				AckStatus: ackStatus,
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			logger.Info().Str("topic", sim.TelemetryTopic()).Dur("interval", interval).Msg("simulating machine")
			return sim.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&machineID, "machine", "", "Machine id to simulate")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Telemetry publish interval")
	cmd.Flags().StringVar(&ackStatus, "ack", "acked", "Outcome to acknowledge commands with; empty disables acks")
	cmd.Flags().StringVar(&busKind, "bus", bus.KindMQTT, "Bus transport: mqtt or nats")
	cmd.Flags().StringVar(&busURL, "bus-url", "", "Broker address (defaults per transport)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	_ = cmd.MarkFlagRequired("machine")
	return cmd
}
