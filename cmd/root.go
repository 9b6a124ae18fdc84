// Package cmd is the georef command line: the HTTP server, queue workers
// and maintenance commands.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/GrainArc/GeoRef/config"
)

var configPath string

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "georef",
		Short:         "Prepare, georeference and trim scanned map sheets.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				config.Set(config.Default())
				return nil
			}
			return config.Load(configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("GEOREF_CONFIG"), "config.xml or YAML configuration file")
	root.AddCommand(serveCommand(), workerCommand(), refreshLookupsCommand(), exportPointsCommand(), previewsCommand())
	return root
}

// Execute runs the command named on the command line.
func Execute() error {
	return rootCommand().Execute()
}
