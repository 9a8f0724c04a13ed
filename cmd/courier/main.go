package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/courier-dev/courier"
	"github.com/courier-dev/courier/agent"
	"github.com/courier-dev/courier/dispatch"
)

// Version information (set via ldflags)
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "courier",
		Short:        "In-process message dispatcher with resilience middleware",
		SilenceUsage: true,
	}
	root.AddCommand(runCmd(), validateCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		configFile  string
		metricsPort int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a courier system with echo handlers for every configured agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}

			handlers := make(map[string]agent.HandlerFunc, len(cfg.Agents))
			for _, def := range cfg.Agents {
				name := def.Name
				handlers[name] = func(ctx context.Context, msg *agent.Message) (*agent.Result, error) {
					return agent.OK(fmt.Sprintf("%s handled %q", name, msg.Subject)), nil
				}
			}

			sys, err := courier.New(cfg, handlers,
				dispatch.OnUnroutable(func(msg *agent.Message, reason string) {
					log.Printf("courier: unroutable message %s from %s: %s", msg.ID, msg.Sender, reason)
				}),
				dispatch.OnOverCapacity(func(msg *agent.Message, agentName string) {
					log.Printf("courier: agent %s rejected message %s: at capacity", agentName, msg.ID)
				}),
			)
			if err != nil {
				return err
			}

			log.Printf("Starting courier v%s with %d agent(s), %d route(s)", Version, len(cfg.Agents), len(cfg.Routes))
			sys.Start()

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(
				sys.Dispatcher.Metrics().Registry(),
				promhttp.HandlerOpts{},
			))
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", metricsPort),
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			errChan := make(chan error, 1)
			go func() {
				log.Printf("Serving metrics on :%d/metrics", metricsPort)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errChan <- fmt.Errorf("metrics server error: %w", err)
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errChan:
				log.Printf("Error: %v", err)
			case <-quit:
				log.Println("Shutting down courier...")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := srv.Shutdown(ctx); err != nil {
				log.Printf("Metrics server shutdown error: %v", err)
			}
			if err := sys.Stop(); err != nil {
				log.Printf("Shutdown error: %v", err)
			}

			log.Println("Courier stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", getEnv("COURIER_CONFIG", "config/courier.yaml"), "System configuration file")
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 9090, "Port for the Prometheus /metrics endpoint")
	return cmd
}

func validateCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check that a configuration file parses and wires cleanly",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}

			handlers := make(map[string]agent.HandlerFunc, len(cfg.Agents))
			for _, def := range cfg.Agents {
				handlers[def.Name] = func(ctx context.Context, msg *agent.Message) (*agent.Result, error) {
					return agent.OK(""), nil
				}
			}
			sys, err := courier.New(cfg, handlers)
			if err != nil {
				return err
			}
			defer func() { _ = sys.Stop() }()

			fmt.Printf("OK: %d agent(s), %d route(s)\n", len(cfg.Agents), len(cfg.Routes))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", getEnv("COURIER_CONFIG", "config/courier.yaml"), "System configuration file")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the courier version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("courier v%s\n", Version)
		},
	}
}

func loadConfig(path string) (*courier.Config, error) {
	loader := courier.NewConfigLoader(&courier.OSFileReader{})
	cfg, err := loader.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
