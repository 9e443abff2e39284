package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/backdrop/internal/utils"
)

var (
	resetTables bool
	resetFiles  []string
	resetYes    bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset run history and generated files",
	Long:  "Drops the run history tables. Use --files to also delete rendered outputs.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing the history
		if !resetTables && len(resetFiles) == 0 {
			resetTables = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetTables {
			if err := requireDB(); err != nil {
				utils.Die("Run history is unavailable", err, nil)
			}
			if resetYes || confirm(reader, os.Stdout, "⚠️  Are you sure you want to DROP all history tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if len(resetFiles) > 0 {
			prompt := fmt.Sprintf("⚠️  Are you sure you want to delete %s?", strings.Join(resetFiles, ", "))
			if resetYes || confirm(reader, os.Stdout, prompt) {
				fmt.Println("🗑️  Clearing Output Files...")
				for _, path := range resetFiles {
					removePath(path)
				}
			}
		}

		fmt.Println("✨ Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetTables, "tables", false, "Drop the run history tables")
	resetCmd.Flags().StringSliceVar(&resetFiles, "files", nil, "Rendered outputs or directories to delete")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removePath(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
