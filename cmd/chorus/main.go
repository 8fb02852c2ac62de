// Command chorus runs the state-channel session tooling:
// a websocket relay for participant signature exchange,
// and an interactive multi-party demo.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// Optional local overrides; absence is not an error.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	root := &cobra.Command{
		Use:   "chorus",
		Short: "Multi-party application session tooling",

		SilenceUsage: true,
	}

	root.AddCommand(
		newRelayCommand(),
		newDemoCommand(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// envDefault returns the environment value for key,
// or fallback when unset or empty.
func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
