package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/pulsar/internal/config"
	"github.com/papapumpkin/pulsar/internal/session"
	"github.com/papapumpkin/pulsar/internal/ui"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the manifest without building",
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().Bool("taps", false, "list every collection's hook taps in execution order")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	printer := ui.New(cmd.ErrOrStderr())

	m, err := session.LoadManifest(cfg.Manifest)
	if err != nil {
		return err
	}
	verrs := session.ValidateManifest(m)
	errs := make([]error, len(verrs))
	for i, ve := range verrs {
		errs[i] = ve
	}
	printer.ValidateResult(cfg.Manifest, len(m.Collections), errs)
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", errReported, session.ErrInvalidManifest)
	}

	if showTaps, _ := cmd.Flags().GetBool("taps"); showTaps {
		s, err := session.New(cmd.Context(), m, session.Options{})
		if err != nil {
			return err
		}
		writeTaps(cmd.OutOrStdout(), s)
	}
	return nil
}

// writeTaps prints the hook registrations of each collection.
func writeTaps(w io.Writer, s *session.Session) {
	for _, name := range s.Names() {
		svc, _ := s.Service(name)
		fmt.Fprintf(w, "%s:\n", name)
		hooks := svc.Hooks().Describe()
		hookNames := make([]string, 0, len(hooks))
		for h := range hooks {
			hookNames = append(hookNames, h)
		}
		sort.Strings(hookNames)
		for _, h := range hookNames {
			fmt.Fprintf(w, "  %s\n", h)
			for _, tap := range hooks[h] {
				fmt.Fprintf(w, "    %-24s stage %d\n", tap.Name, tap.Stage)
			}
		}
	}
}
