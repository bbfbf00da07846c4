package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build every collection once",
	Long:  "Discovers each collection's files, runs the hook pipeline, and writes one artifact per group. Exits non-zero when any collection has errors.",
	RunE:  runBuild,
}

func init() {
	addBuildFlags(buildCmd)
	rootCmd.AddCommand(buildCmd)
}

// addBuildFlags registers the flags build and watch share.
func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().Int("concurrency", 8, "max files transformed at once (0 = unbounded)")
	cmd.Flags().String("state-db", ".pulsar/state.db", "SQLite database recording build results (empty disables)")
	cmd.Flags().String("telemetry", "", "append JSONL telemetry events to this file")
}

func bindBuildFlags(cmd *cobra.Command) {
	_ = viper.BindPFlag("concurrency", cmd.Flags().Lookup("concurrency"))
	_ = viper.BindPFlag("state_db", cmd.Flags().Lookup("state-db"))
	_ = viper.BindPFlag("telemetry", cmd.Flags().Lookup("telemetry"))
}

func runBuild(cmd *cobra.Command, _ []string) error {
	bindBuildFlags(cmd)
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.session.Build(cmd.Context())
	if err != nil {
		return reportError(rt.printer, err)
	}
	if rt.summarize(res) {
		return ErrBuildFailed
	}
	return nil
}
