package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func runToolsList(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context(), false, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tINPUT\tDESCRIPTION")
	for _, t := range a.Tools.List() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Name, t.Kind, t.InputHint, t.Description)
	}
	return tw.Flush()
}

func runToolsRun(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), false, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), a.Config.Agent.ToolTimeout)
	defer cancel()

	out, err := a.Tools.Invoke(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}
