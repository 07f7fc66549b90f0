package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/masonhq/mason/internal/template"
)

func templatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage stored task templates",
	}
	cmd.AddCommand(templatesListCmd())
	cmd.AddCommand(templatesShowCmd())
	return cmd
}

func openTemplates() (*template.Library, error) {
	repoRoot, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return template.Open(filepath.Join(repoRoot, ".mason", "templates"))
}

func templatesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := openTemplates()
			if err != nil {
				return err
			}
			templates, err := lib.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCOMPLEXITY\tDESCRIPTION")
			for _, t := range templates {
				fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, t.Complexity, t.Description)
			}
			return w.Flush()
		},
	}
}

func templatesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [name]",
		Short: "Show one template in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := openTemplates()
			if err != nil {
				return err
			}
			t, err := lib.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s — %s\n\n%s\n", t.Name, t.Description, t.Prompt)
			if len(t.Files) > 0 {
				fmt.Printf("\nTypical files: %s\n", strings.Join(t.Files, ", "))
			}
			return nil
		},
	}
}
