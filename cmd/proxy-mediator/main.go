// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sage-x-project/proxy-mediator/config"
	"github.com/sage-x-project/proxy-mediator/connection"
	"github.com/sage-x-project/proxy-mediator/envelope"
	"github.com/sage-x-project/proxy-mediator/internal/logger"
	"github.com/sage-x-project/proxy-mediator/mediation"
	"github.com/sage-x-project/proxy-mediator/routing"
	"github.com/sage-x-project/proxy-mediator/transport"
)

var (
	cfgFile            string
	listenAddr         string
	endpoint           string
	mediatorInvitation string
	logLevel           string
)

var rootCmd = &cobra.Command{
	Use:   "proxy-mediator",
	Short: "proxy-mediator bridges a single agent through an upstream DIDComm mediator",
	Long: `proxy-mediator is a minimal DIDComm connections and mediation daemon.

It receives a mediator invitation, requests mediation and registers its own
key with the mediator's keylist, then issues its own invitation for a local
agent to connect to. Once both connections are established it relays
messages forwarded by the mediator to the agent, and messages sent by the
agent on to their destination.`,
	RunE: run,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	rootCmd.Flags().StringVar(&listenAddr, "port", "", "address to listen on, e.g. :8080")
	rootCmd.Flags().StringVar(&endpoint, "endpoint", "", "service endpoint this daemon advertises to peers")
	rootCmd.Flags().StringVar(&mediatorInvitation, "mediator-invite", "", "invitation URL of the upstream mediator")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// Load a .env file if one is present, same as the rest of the stack's
	// daemons; missing is fine, actual env vars always win underneath.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loading .env: %w", err)
	}

	cfg, err := config.LoadMediatorConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if mediatorInvitation != "" {
		cfg.MediatorInvitation = mediatorInvitation
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if cfg.Endpoint == "" {
		return fmt.Errorf("--endpoint is required")
	}
	if cfg.MediatorInvitation == "" {
		return fmt.Errorf("--mediator-invite is required")
	}

	log := logger.NewDefaultLogger()
	log.SetLevel(parseLevel(cfg.Logging.Level))
	log.Info("starting proxy-mediator", logger.String("endpoint", cfg.Endpoint))

	reg := connection.NewRegistry(cfg.Endpoint, envelope.Inspector{}, envelope.Packer{}, transport.NewHTTPTransport(), log)
	defer reg.Close()

	mediationClient := mediation.NewClient(reg)
	reg.Dispatcher().AddModule(mediationClient)
	reg.Dispatcher().AddModule(routing.Module{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := transport.NewServer(reg, log)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: srv}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("listening", logger.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		return httpServer.Shutdown(context.Background())
	})

	// Connect to the mediator by processing the passed-in invite. The
	// connection request advertises cfg.Endpoint as our service endpoint.
	// Mediation and the keylist update follow before the agent's
	// invitation is issued.
	mediatorConn, err := reg.ReceiveMediatorInvite(ctx, cfg.MediatorInvitation)
	if err != nil {
		return fmt.Errorf("receiving mediator invite: %w", err)
	}
	if _, err := mediatorConn.Completion().Wait(ctx); err != nil {
		return fmt.Errorf("waiting for mediator connection: %w", err)
	}
	log.Info("mediator connection established", logger.String("did", mediatorConn.DID))

	if _, err := mediationClient.RequestMediation(ctx, mediatorConn); err != nil {
		return fmt.Errorf("requesting mediation: %w", err)
	}
	if err := mediationClient.SendKeylistUpdate(ctx, mediatorConn, mediation.ActionAdd, mediatorConn.VerkeyB58); err != nil {
		return fmt.Errorf("sending keylist update: %w", err)
	}
	log.Info("mediation granted")

	agentConn, invite, err := reg.CreateInvitation(false)
	if err != nil {
		return fmt.Errorf("creating agent invitation: %w", err)
	}
	fmt.Println("Invitation URL:", invite)
	if _, err := agentConn.Completion().Wait(ctx); err != nil {
		return fmt.Errorf("waiting for agent connection: %w", err)
	}
	reg.SetAgentConnection(agentConn)
	log.Info("agent connection established", logger.String("did", agentConn.DID))

	relay := transport.NewRelay(wsEndpoint(mediatorConn.Target.Endpoint), reg, log)
	group.Go(func() error {
		if err := relay.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("mediator relay: %w", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	log.Info("shutting down")
	return nil
}

// wsEndpoint derives the mediator's message-relay WebSocket URL from its
// HTTP service endpoint: the mediator this daemon talks to exposes the
// same host on a /ws path with the scheme swapped.
func wsEndpoint(httpEndpoint string) string {
	switch {
	case strings.HasPrefix(httpEndpoint, "https://"):
		return "wss://" + strings.TrimPrefix(httpEndpoint, "https://") + "/ws"
	case strings.HasPrefix(httpEndpoint, "http://"):
		return "ws://" + strings.TrimPrefix(httpEndpoint, "http://") + "/ws"
	default:
		return httpEndpoint
	}
}

func parseLevel(s string) logger.Level {
	switch s {
	case "debug":
		return logger.DebugLevel
	case "warn", "warning":
		return logger.WarnLevel
	case "error":
		return logger.ErrorLevel
	default:
		return logger.InfoLevel
	}
}
