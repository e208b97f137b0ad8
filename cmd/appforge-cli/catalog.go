package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newAppsCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apps [app]",
		Short: "List apps, or the configured flavors of one app",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd.Context())
			if err != nil {
				return err
			}
			var names []string
			if len(args) == 1 {
				names, err = c.ListFlavors(cmd.Context(), args[0])
			} else {
				names, err = c.ListApps(cmd.Context())
			}
			if err != nil {
				return err
			}
			for _, n := range names {
				g.printf("%s\n", n)
			}
			return nil
		},
	}
}

func newConfigCommand(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or replace the stored build config of an app flavor",
	}

	get := &cobra.Command{
		Use:   "get <app> <flavor>",
		Args:  cobra.ExactArgs(2),
		Short: "Print the stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := c.GetConfig(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return writeIndented(g.out, rec.Config)
		},
	}

	var file string
	put := &cobra.Command{
		Use:   "put <app> <flavor>",
		Args:  cobra.ExactArgs(2),
		Short: "Replace the stored config with a JSON object",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readJSONInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			c, err := g.client(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := c.PutConfig(cmd.Context(), args[0], args[1], raw)
			if err != nil {
				return err
			}
			g.printf("stored config for %s/%s at %s\n", rec.App, rec.Flavor, rec.UpdatedAt.Local().Format(time.RFC3339))
			return nil
		},
	}
	put.Flags().StringVarP(&file, "file", "f", "-", "JSON file to read ('-' for stdin)")

	cmd.AddCommand(get, put)
	return cmd
}

func newTemplatesCommand(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "templates",
		Aliases: []string{"template"},
		Short:   "Manage named config templates",
	}

	list := &cobra.Command{
		Use:   "list",
		Args:  cobra.NoArgs,
		Short: "List templates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client(cmd.Context())
			if err != nil {
				return err
			}
			items, err := c.ListTemplates(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCREATED\tKEYS")
			for _, t := range items {
				var keys map[string]json.RawMessage
				_ = json.Unmarshal(t.Config, &keys)
				fmt.Fprintf(tw, "%s\t%s\t%d\n", t.Name, t.CreatedAt.Local().Format("2006-01-02 15:04"), len(keys))
			}
			return tw.Flush()
		},
	}

	get := &cobra.Command{
		Use:   "get <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Print a template's config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd.Context())
			if err != nil {
				return err
			}
			t, err := c.GetTemplate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeIndented(g.out, t.Config)
		},
	}

	var file string
	create := &cobra.Command{
		Use:   "create <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Create a template from a JSON object",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readJSONInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			c, err := g.client(cmd.Context())
			if err != nil {
				return err
			}
			t, err := c.CreateTemplate(cmd.Context(), args[0], raw)
			if err != nil {
				return err
			}
			g.printf("created template %s\n", t.Name)
			return nil
		},
	}
	create.Flags().StringVarP(&file, "file", "f", "-", "JSON file to read ('-' for stdin)")

	del := &cobra.Command{
		Use:   "delete <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Delete a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd.Context())
			if err != nil {
				return err
			}
			if err := c.DeleteTemplate(cmd.Context(), args[0]); err != nil {
				return err
			}
			g.printf("deleted template %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, get, create, del)
	return cmd
}

func readJSONInput(stdin io.Reader, file string) (json.RawMessage, error) {
	var (
		raw []byte
		err error
	)
	if file == "" || file == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("input is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func writeIndented(w io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return writeJSON(w, v)
}
