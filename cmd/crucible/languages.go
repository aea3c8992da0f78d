package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/crucible/internal/config"
	"github.com/michaelbrown/crucible/internal/language"
)

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List the configured language adapters",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		langs, err := language.Load(cfg.Languages.File)
		if err != nil {
			return fmt.Errorf("loading language adapters: %w", err)
		}

		for _, id := range langs.IDs() {
			a, _ := langs.Resolve(id)
			line := fmt.Sprintf("%-12s %-10s run: %s", a.ID, a.FileName, strings.Join(a.Run, " "))
			if len(a.Compile) > 0 {
				line += fmt.Sprintf("  (compile: %s)", strings.Join(a.Compile, " "))
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(languagesCmd)
}
