package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eigerco/approval-voting/internal/config"
)

func rootCommand() *cobra.Command {
	var (
		configFile string
		envFile    string
	)
	cmd := &cobra.Command{
		Use:           "approval-voting",
		Short:         "Runs the approval-voting node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := viper.New()
			if err := config.BindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			return run(cmd.Context(), v, configFile, envFile)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "path to a config file")
	cmd.Flags().StringVar(&envFile, "env", ".env", "path to a dotenv file")
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// main starts an approval-voting node.
// go run ./cmd/approval-voting --config config.yaml --db.engine memory
func main() {
	if err := rootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
