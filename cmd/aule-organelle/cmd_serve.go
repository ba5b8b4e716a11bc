package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
	"github.com/manthysbr/aule-dispatcher/pkg/organelle"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	id            string
	kind          string
	maxConcurrent int
	capabilities  []string
	listen        string
	advertise     string
	heartbeat     time.Duration
	handler       string
	logLevel      string
}

// newServeCmd creates the "aule-organelle serve" subcommand.
func newServeCmd() *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Register with the dispatcher and run delivered tasks",
		Long:  "Registers this organelle, heartbeats with its current load and executes tasks\ndelivered to POST /task/execute until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dispatcherURL, _ := cmd.Flags().GetString("dispatcher")
			cfg, handler, err := opts.build()
			if err != nil {
				return err
			}

			var level slog.Level
			if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
				return fmt.Errorf("serve: invalid log level %q", opts.logLevel)
			}
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
				With("worker_id", cfg.ID)

			agent, err := organelle.NewAgent(logger, cfg, organelle.NewClient(dispatcherURL, nil), handler)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return agent.Run(ctx)
		},
	}

	host, _ := os.Hostname()
	cmd.Flags().StringVar(&opts.id, "id", host, "organelle id")
	cmd.Flags().StringVar(&opts.kind, "kind", string(domain.WorkerKindOrganelle), "worker kind: organelle or desktop-cell")
	cmd.Flags().IntVar(&opts.maxConcurrent, "max-concurrent", 4, "maximum tasks run at once")
	cmd.Flags().StringSliceVar(&opts.capabilities, "capabilities", nil, "task kinds served (lightweight,complex,network,system)")
	cmd.Flags().StringVar(&opts.listen, "listen", ":9000", "ingress listen address")
	cmd.Flags().StringVar(&opts.advertise, "advertise", "", "base URL the dispatcher delivers to (default http://<id><listen>)")
	cmd.Flags().DurationVar(&opts.heartbeat, "heartbeat", 15*time.Second, "heartbeat interval")
	cmd.Flags().StringVar(&opts.handler, "handler", "exec", "task handler: exec or echo")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level")
	return cmd
}

// build turns flags into an agent config and handler.
func (o serveOptions) build() (organelle.Config, organelle.Handler, error) {
	caps := make([]domain.TaskKind, 0, len(o.capabilities))
	for _, c := range o.capabilities {
		kind, err := domain.ParseTaskKind(c)
		if err != nil {
			return organelle.Config{}, nil, fmt.Errorf("serve: %w", err)
		}
		caps = append(caps, kind)
	}

	var handler organelle.Handler
	switch o.handler {
	case "exec":
		handler = organelle.ExecHandler()
	case "echo":
		handler = organelle.EchoHandler()
	default:
		return organelle.Config{}, nil, fmt.Errorf("serve: unknown handler %q", o.handler)
	}

	endpoint := o.advertise
	if endpoint == "" {
		endpoint = "http://" + o.id + o.listen
	}

	return organelle.Config{
		ID:                domain.WorkerID(o.id),
		Kind:              domain.WorkerKind(o.kind),
		MaxConcurrent:     o.maxConcurrent,
		Capabilities:      caps,
		ListenAddr:        o.listen,
		Endpoint:          endpoint,
		HeartbeatInterval: o.heartbeat,
	}, handler, nil
}
