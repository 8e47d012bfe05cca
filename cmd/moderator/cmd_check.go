package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/whisper/groupchat/internal/moderation"
)

// errRejected makes the process exit non-zero when any text was rejected.
var errRejected = errors.New("one or more texts were rejected")

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [text...]",
		Short: "Classify texts; reads one text per line from stdin when none are given",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := engineFromFlags(cmd)
			if err != nil {
				return err
			}

			texts := args
			if len(texts) == 0 {
				if texts, err = readLines(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			return runCheck(cmd.OutOrStdout(), engine, texts)
		},
	}
}

func runCheck(w io.Writer, engine *moderation.Engine, texts []string) error {
	rejected := 0
	for _, text := range texts {
		v := engine.Classify(text)
		if v.Approved {
			fmt.Fprintf(w, "%s  %s\n", color.Green.Sprint("APPROVED"), text)
			continue
		}

		rejected++
		fmt.Fprintf(w, "%s  %s\n", color.Red.Sprint("REJECTED"), text)
		fmt.Fprintf(w, "          rule=%s reason=%s\n", color.Yellow.Sprint(v.Rule), v.Reason)
	}

	if rejected > 0 {
		return errRejected
	}
	return nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return lines, nil
}

func engineFromFlags(cmd *cobra.Command) (*moderation.Engine, error) {
	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
		color.Enable = false
	}
	path, _ := cmd.Flags().GetString("rules")
	return moderation.LoadEngine(path)
}
