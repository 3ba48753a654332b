package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	cfgPath string
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "vibesync",
	Short: "Sync and download purchased karaoke tracks",
	Long: `vibesync keeps a local catalog of karaoke tracks purchased from
karaoke-version.com and downloads the custom backing track archives.

Typical flow:
  vibesync sync          # discover new purchases
  vibesync download      # fetch pending archives
  vibesync watch         # do both on a schedule`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.NoColor = true
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the vibesync version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("vibesync version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(resyncCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(integrityCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
