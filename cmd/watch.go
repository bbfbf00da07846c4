package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Build, then rebuild incrementally as files change",
	RunE:  runWatch,
}

func init() {
	addBuildFlags(watchCmd)
	watchCmd.Flags().Int("max-chained-cycles", 16, "cycles that may run back to back before reporting starvation")
	watchCmd.Flags().Duration("debounce", 100*time.Millisecond, "quiet period before a file change is processed")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	bindBuildFlags(cmd)
	_ = viper.BindPFlag("max_chained_cycles", cmd.Flags().Lookup("max-chained-cycles"))
	_ = viper.BindPFlag("debounce", cmd.Flags().Lookup("debounce"))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.session.Build(ctx)
	if err != nil {
		return reportError(rt.printer, err)
	}
	rt.summarize(res)
	rt.printer.Watching(rt.session.Root())

	if err := rt.session.Watch(ctx); err != nil {
		return reportError(rt.printer, err)
	}
	return nil
}
