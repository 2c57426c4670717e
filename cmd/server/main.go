package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eleven-am/sightline/internal/bootstrap"
)

var (
	envFile   string
	autostart bool

	rootCmd = &cobra.Command{
		Use:           "sightline",
		Short:         "Speak what the camera sees",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the capture pipeline and the local control API",
		RunE:  serve,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), bootstrap.Version())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading the environment")
	serveCmd.Flags().BoolVar(&autostart, "autostart", false, "start a session as soon as the server is up")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := bootstrap.LoadConfig(envFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("autostart") {
		cfg.Autostart = autostart
	}

	bootstrap.New(cfg).Run()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
