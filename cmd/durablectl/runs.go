//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"trpc.group/trpc-go/trpc-durable-go/checkpoint"
)

var (
	headerStyle  = color.New(color.FgCyan, color.Bold)
	successStyle = color.New(color.FgGreen)
	errorStyle   = color.New(color.FgRed)
	warningStyle = color.New(color.FgYellow)
	mutedStyle   = color.New(color.FgHiBlack)
)

const timeLayout = "2006-01-02 15:04:05"

func newRunsCmd(f *rootFlags) *cobra.Command {
	runs := &cobra.Command{
		Use:   "runs",
		Short: "Manage stored runs",
	}
	runs.AddCommand(newListCmd(f), newShowCmd(f), newDeleteCmd(f))
	return runs
}

func newListCmd(f *rootFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored runs, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := f.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			infos, err := store.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			if limit > 0 && len(infos) > limit {
				infos = infos[:limit]
			}
			printList(cmd.OutOrStdout(), infos)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most n runs")
	return cmd
}

func printList(w io.Writer, infos []checkpoint.Info) {
	if len(infos) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return
	}
	fmt.Fprintf(w, "%-38s %-24s %8s  %s\n", "RUN ID", "WORKFLOW", "SEQ", "UPDATED")
	fmt.Fprintln(w, strings.Repeat("-", 92))
	for _, info := range infos {
		fmt.Fprintf(w, "%-38s %-24s %8d  %s\n",
			info.RunID, truncate(info.WorkflowName, 24), info.Sequence,
			info.UpdatedAt.Local().Format(timeLayout))
	}
}

func newShowCmd(f *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the execution tree of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := f.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			snap, err := store.Load(cmd.Context(), args[0])
			if errors.Is(err, checkpoint.ErrSnapshotNotFound) {
				return fmt.Errorf("run %s not found", args[0])
			}
			if err != nil {
				return fmt.Errorf("load run %s: %w", args[0], err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw snapshot")
	return cmd
}

func printSnapshot(w io.Writer, snap *checkpoint.Snapshot) {
	fmt.Fprintln(w, headerStyle.Sprint("Run ", snap.RunID))
	fmt.Fprintf(w, "Workflow:  %s\n", snap.WorkflowName)
	fmt.Fprintf(w, "Sequence:  %d\n", snap.Sequence)
	fmt.Fprintf(w, "Updated:   %s\n", snap.UpdatedAt.Local().Format(timeLayout))
	if snap.Root == nil {
		fmt.Fprintln(w, mutedStyle.Sprint("(empty tree)"))
		return
	}
	fmt.Fprintln(w)
	printNode(w, snap.Root, 0)
}

func printNode(w io.Writer, n *checkpoint.ExecutionNode, depth int) {
	fmt.Fprintf(w, "%s%s %s %s%s\n",
		strings.Repeat("  ", depth),
		n.ComponentName,
		mutedStyle.Sprintf("#%d", n.SequenceNumber),
		status(n),
		duration(n))
	if n.Error != "" {
		fmt.Fprintf(w, "%s  %s\n", strings.Repeat("  ", depth), errorStyle.Sprint(n.Error))
	}
	for _, child := range n.Children {
		printNode(w, child, depth+1)
	}
}

func status(n *checkpoint.ExecutionNode) string {
	switch {
	case n.Error != "":
		return errorStyle.Sprint("failed")
	case n.Output.IsPending():
		return warningStyle.Sprint("pending")
	case n.Completed():
		return successStyle.Sprint("completed")
	default:
		return warningStyle.Sprint("running")
	}
}

func duration(n *checkpoint.ExecutionNode) string {
	if n.EndTime == nil || n.StartTime.IsZero() {
		return ""
	}
	return " " + mutedStyle.Sprint(n.EndTime.Sub(n.StartTime).Round(time.Millisecond))
}

func newDeleteCmd(f *rootFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete the snapshot of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := f.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			runID := args[0]
			if _, err := store.Load(cmd.Context(), runID); err != nil {
				return fmt.Errorf("run %s not found", runID)
			}
			out := cmd.OutOrStdout()
			if !yes && !confirm(cmd.InOrStdin(), out, fmt.Sprintf("Delete run %s? [y/N]: ", runID)) {
				fmt.Fprintln(out, "Deletion cancelled.")
				return nil
			}
			if err := store.Delete(cmd.Context(), runID); err != nil {
				return fmt.Errorf("delete run %s: %w", runID, err)
			}
			fmt.Fprintln(out, successStyle.Sprintf("Run %s deleted.", runID))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	line, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	if length <= 3 {
		return s[:length]
	}
	return s[:length-3] + "..."
}
