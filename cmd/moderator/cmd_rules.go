package main

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/whisper/groupchat/internal/moderation"
)

func newRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Print the active rule set in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, err := engineFromFlags(cmd)
			if err != nil {
				return err
			}
			printRules(cmd.OutOrStdout(), engine.Rules())
			return nil
		},
	}
}

func printRules(w io.Writer, rules moderation.Rules) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Kind", "Rule"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	n := 0
	add := func(kind moderation.RuleKind, entries []string) {
		for _, e := range entries {
			n++
			table.Append([]string{fmt.Sprint(n), string(kind), e})
		}
	}
	add(moderation.RuleTerm, rules.Terms)
	add(moderation.RulePhrase, rules.Phrases)
	add(moderation.RulePattern, rules.Patterns)

	table.Render()
	fmt.Fprintf(w, "%d terms, %d phrases, %d patterns\n", len(rules.Terms), len(rules.Phrases), len(rules.Patterns))
}
