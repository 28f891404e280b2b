// Package main provides the CLI entry point for the quicrelay proxy.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quicrelay/quicrelay/internal/auth"
	"github.com/quicrelay/quicrelay/internal/client"
	"github.com/quicrelay/quicrelay/internal/config"
	"github.com/quicrelay/quicrelay/internal/forward"
	"github.com/quicrelay/quicrelay/internal/logging"
	"github.com/quicrelay/quicrelay/internal/metrics"
	"github.com/quicrelay/quicrelay/internal/protocol"
	"github.com/quicrelay/quicrelay/internal/relay"
	"github.com/quicrelay/quicrelay/internal/server"
	"github.com/quicrelay/quicrelay/internal/transport"
	"github.com/quicrelay/quicrelay/internal/udprelay"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quicrelay",
		Short: "quicrelay - authenticated QUIC relay proxy",
		Long: `quicrelay tunnels TCP streams and UDP datagrams through one
authenticated, multiplexed QUIC connection.

The client keeps a single connection to the server, reconnecting with
backoff, and exposes plain TCP and UDP listeners whose traffic leaves
through the relay toward fixed targets.`,
		Version: Version,
	}

	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(gencertCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serverCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the relay server",
		Long:  "Accept relay connections and serve TCP tunnels and UDP associations.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.ValidateServer(); err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			tlsConf, err := transport.LoadServerTLSConfig(cfg.Server.TLS.Cert, cfg.Server.TLS.Key)
			if err != nil {
				return err
			}
			listener, err := transport.Listen(cfg.Server.Listen, tlsConf, transport.Options{
				IdleTimeout: cfg.Server.IdleTimeout,
			})
			if err != nil {
				return err
			}
			defer listener.Close()

			secrets := make([]auth.Secret, 0, len(cfg.Server.Users))
			for _, u := range cfg.Server.Users {
				secrets = append(secrets, auth.Secret{ID: u.ID, Password: u.Password})
			}

			srv, err := server.New(server.Options{
				Secrets:     secrets,
				AuthTimeout: cfg.Server.AuthTimeout,
				IdleTimeout: cfg.Server.IdleTimeout,
				UDP: udprelay.Config{
					ReassemblyTimeout: cfg.Server.UDP.ReassemblyTimeout,
					IdleTimeout:       cfg.Server.UDP.IdleTimeout,
					MaxAssociations:   cfg.Server.UDP.MaxAssociations,
				},
				Relay: relay.Config{
					ConnectTimeout: cfg.Server.Relay.ConnectTimeout,
					BufferSize:     int(cfg.Server.Relay.BufferSize),
					RateLimitBytes: int64(cfg.Server.Relay.RateLimit),
				},
				MaxDatagramSize: cfg.Server.UDP.MaxDatagramSize,
				Logger:          logger,
			})
			if err != nil {
				return err
			}

			var metricsSrv *http.Server
			if cfg.Server.Metrics.Enabled {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				metricsSrv = &http.Server{
					Addr:         cfg.Server.Metrics.Address,
					Handler:      mux,
					ReadTimeout:  10 * time.Second,
					WriteTimeout: 10 * time.Second,
				}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics endpoint failed", logging.KeyError, err.Error())
					}
				}()
				logger.Info("metrics endpoint started", logging.KeyLocalAddr, cfg.Server.Metrics.Address)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go srv.Serve(ctx, listener)

			fmt.Printf("quicrelay server listening on %s\n", listener.Addr())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			cancel()
			listener.Close()
			srv.Close()
			if metricsSrv != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				metricsSrv.Shutdown(shutdownCtx)
				shutdownCancel()
			}

			fmt.Println("Server stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	return cmd
}

func clientCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the relay client",
		Long:  "Maintain a relay connection and serve the configured local TCP and UDP ingress listeners.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.ValidateClient(); err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			serverName := cfg.Client.TLS.ServerName
			if serverName == "" {
				if host, _, err := net.SplitHostPort(cfg.Client.Server); err == nil {
					serverName = host
				}
			}
			tlsConf, err := transport.LoadClientTLSConfig(cfg.Client.TLS.CA, serverName, cfg.Client.TLS.InsecureSkipVerify)
			if err != nil {
				return err
			}

			cli, err := client.New(client.Options{
				ServerAddr: cfg.Client.Server,
				TLSConfig:  tlsConf,
				Secret:     auth.Secret{ID: cfg.Client.ID, Password: cfg.Client.Password},
				Reconnect: client.ReconnectConfig{
					InitialDelay: cfg.Client.Reconnect.InitialDelay,
					MaxDelay:     cfg.Client.Reconnect.MaxDelay,
					Multiplier:   cfg.Client.Reconnect.Multiplier,
					Jitter:       cfg.Client.Reconnect.Jitter,
					MaxAttempts:  cfg.Client.Reconnect.MaxRetries,
				},
				ConnectTimeout:    cfg.Client.ConnectTimeout,
				HeartbeatInterval: cfg.Client.HeartbeatInterval,
				MaxDatagramSize:   cfg.Client.MaxDatagramSize,
				Logger:            logger,
			})
			if err != nil {
				return err
			}
			defer cli.Close()

			for _, fw := range cfg.Client.TCPForwards {
				target, err := protocol.ParseAddress(fw.Target)
				if err != nil {
					return err
				}
				f := forward.NewTCP(forward.TCPConfig{
					Listen: fw.Listen,
					Target: target,
					Logger: logger,
				}, cli)
				if err := f.Start(); err != nil {
					return err
				}
				defer f.Stop()
			}

			for _, fw := range cfg.Client.UDPForwards {
				target, err := protocol.ParseAddress(fw.Target)
				if err != nil {
					return err
				}
				f := forward.NewUDP(forward.UDPConfig{
					Listen:      fw.Listen,
					Target:      target,
					IdleTimeout: fw.IdleTimeout,
					Logger:      logger,
				}, func(handler func(protocol.Address, []byte)) (forward.PacketSender, error) {
					return cli.Associate(handler)
				})
				if err := f.Start(); err != nil {
					return err
				}
				defer f.Stop()
			}

			fmt.Printf("quicrelay client connecting to %s\n", cfg.Client.Server)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			err = cli.Run(ctx)
			if errors.Is(err, context.Canceled) {
				fmt.Println("\nClient stopped.")
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	return cmd
}

func gencertCmd() *cobra.Command {
	var (
		commonName string
		certOut    string
		keyOut     string
		days       int
	)

	cmd := &cobra.Command{
		Use:   "gencert",
		Short: "Generate a self-signed certificate",
		Long:  "Generate a self-signed TLS certificate and key for development and testing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			certPEM, keyPEM, err := transport.GenerateSelfSignedCert(commonName, time.Duration(days)*24*time.Hour)
			if err != nil {
				return fmt.Errorf("failed to generate certificate: %w", err)
			}
			if err := os.WriteFile(certOut, certPEM, 0o644); err != nil {
				return err
			}
			if err := os.WriteFile(keyOut, keyPEM, 0o600); err != nil {
				return err
			}
			fmt.Printf("Certificate written to %s\n", certOut)
			fmt.Printf("Key written to %s\n", keyOut)
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "localhost", "Certificate common name")
	cmd.Flags().StringVar(&certOut, "cert", "cert.pem", "Certificate output path")
	cmd.Flags().StringVar(&keyOut, "key", "key.pem", "Key output path")
	cmd.Flags().IntVar(&days, "days", 365, "Validity period in days")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("quicrelay %s\n", Version)
			return nil
		},
	}
}
