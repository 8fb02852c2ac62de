package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/channel-engine/chorus/cs/cstransport/cswsrelay"
)

func newRelayCommand() *cobra.Command {
	var listenAddr string

	c := &cobra.Command{
		Use:   "relay",
		Short: "Runs a websocket relay forwarding envelopes between session participants",

		RunE: func(cmd *cobra.Command, args []string) error {
			log := slog.New(slog.NewTextHandler(os.Stderr, nil))

			ln, err := net.Listen("tcp", listenAddr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
			}

			relay := cswsrelay.NewRelay(log)
			defer relay.Close()

			srv := &http.Server{Handler: relay}

			done := make(chan error, 1)
			go func() {
				done <- srv.Serve(ln)
			}()

			log.Info("Relay listening", "addr", ln.Addr())

			ctx := cmd.Context()
			select {
			case <-ctx.Done():
				log.Info("Shutting down")
				_ = srv.Close()
				<-done
				return nil
			case err := <-done:
				return fmt.Errorf("relay server stopped: %w", err)
			}
		},
	}

	c.Flags().StringVar(
		&listenAddr, "listen",
		envDefault("CHORUS_RELAY_LISTEN", "127.0.0.1:8720"),
		"TCP address for the relay's websocket endpoint",
	)

	return c
}
