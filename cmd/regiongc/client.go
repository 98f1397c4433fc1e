package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/l1jgo/regiongc/internal/control"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

const requestTimeout = 30 * time.Second

func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *control.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	return fn(ctx, control.NewClient(addr))
}

func printLines(w io.Writer, lines []string) {
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}

var statusTable bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the deletion pass of every world",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *control.Client) error {
			r, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if statusTable {
				printStatusTable(cmd.OutOrStdout(), r)
				return nil
			}
			printLines(cmd.OutOrStdout(), r.Lines())
			return nil
		})
	},
}

func printStatusTable(w io.Writer, r control.StatusReport) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"World", "State", "Left", "Total", "Deleted", "Next"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, ws := range r.Worlds {
		next := "-"
		switch {
		case ws.GatedTill != nil:
			next = "gathering until " + ws.GatedTill.Local().Format(time.DateTime)
		case ws.NextRun != nil:
			next = ws.NextRun.Local().Format(time.DateTime)
		}
		state := string(ws.State)
		if state == "" {
			state = "IDLE"
		}
		table.Append([]string{
			ws.World,
			state,
			strconv.Itoa(ws.Remaining),
			strconv.Itoa(ws.Total),
			strconv.Itoa(ws.Stats.ChunksDeleted),
			next,
		})
	}
	table.Render()
	if r.Paused {
		fmt.Fprintf(w, "\nDeletion is paused: %s\n", r.PauseReason)
	}
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the daemon's configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *control.Client) error {
			msg, err := c.Reload(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		})
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause [reason...]",
	Short: "Stop deleting until resumed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *control.Client) error {
			msg, err := c.Pause(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume deleting",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *control.Client) error {
			msg, err := c.Resume(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		})
	},
}

var flagCmd = &cobra.Command{
	Use:   "flag <world> <x1> <z1> [<x2> <z2>]",
	Short: "Mark chunks so they are never deleted",
	Args:  cobra.RangeArgs(3, 5),
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeSelection(cmd, args, true)
	},
}

var unflagCmd = &cobra.Command{
	Use:   "unflag <world> <x1> <z1> [<x2> <z2>]",
	Short: "Clear the flags of chunks so the next pass may delete them",
	Args:  cobra.RangeArgs(3, 5),
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeSelection(cmd, args, false)
	},
}

func changeSelection(cmd *cobra.Command, args []string, eternal bool) error {
	sel, err := parseSelection(args)
	if err != nil {
		return err
	}
	return withClient(cmd, func(ctx context.Context, c *control.Client) error {
		var n int
		if eternal {
			n, err = c.Flag(ctx, sel)
		} else {
			n, err = c.Unflag(ctx, sel)
		}
		if err != nil {
			return err
		}
		verb := "Flagged"
		if !eternal {
			verb = "Unflagged"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d chunks.\n", verb, n)
		return nil
	})
}

// parseSelection reads "<world> <x1> <z1> [<x2> <z2>]". A single chunk
// selects itself.
func parseSelection(args []string) (control.Selection, error) {
	if len(args) != 3 && len(args) != 5 {
		return control.Selection{}, fmt.Errorf("expected <world> <x1> <z1> [<x2> <z2>], got %d arguments", len(args))
	}
	coords, err := parseCoords(args[1:])
	if err != nil {
		return control.Selection{}, err
	}
	sel := control.Selection{World: args[0], X1: coords[0], Z1: coords[1], X2: coords[0], Z2: coords[1]}
	if len(coords) == 4 {
		sel.X2, sel.Z2 = coords[2], coords[3]
	}
	return sel, nil
}

func parseCoords(args []string) ([]int32, error) {
	out := make([]int32, len(args))
	for i, a := range args {
		v, err := strconv.ParseInt(a, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid chunk coordinate %q", a)
		}
		out[i] = int32(v)
	}
	return out, nil
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Show the size of the flag cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *control.Client) error {
			r, err := c.Cache(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cached: %d\nQueued: %d\n", r.Cached, r.Queued)
			return nil
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <world> <x> <z>",
	Short: "Explain what the collector knows about one chunk",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		coords, err := parseCoords(args[1:])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *control.Client) error {
			r, err := c.Check(ctx, args[0], coords[0], coords[1])
			if err != nil {
				return err
			}
			printLines(cmd.OutOrStdout(), r.Lines())
			return nil
		})
	},
}

var visitCmd = &cobra.Command{
	Use:   "visit <world> <x> <z> [<x> <z>...]",
	Short: "Report chunks as visited now",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return feed(cmd, args, false)
	},
}

var generatedCmd = &cobra.Command{
	Use:   "generated <world> <x> <z> [<x> <z>...]",
	Short: "Report chunks as freshly generated",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return feed(cmd, args, true)
	},
}

func feed(cmd *cobra.Command, args []string, generated bool) error {
	reports, err := parseReports(args)
	if err != nil {
		return err
	}
	return withClient(cmd, func(ctx context.Context, c *control.Client) error {
		var r control.FeedResult
		if generated {
			r, err = c.Generated(ctx, reports)
		} else {
			r, err = c.Visits(ctx, reports)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Accepted %d, dropped %d.\n", r.Accepted, r.Dropped)
		return nil
	})
}

// parseReports reads "<world> <x> <z> [<x> <z>...]".
func parseReports(args []string) ([]control.ChunkReport, error) {
	if len(args) < 3 || (len(args)-1)%2 != 0 {
		return nil, fmt.Errorf("expected <world> followed by x z pairs")
	}
	coords, err := parseCoords(args[1:])
	if err != nil {
		return nil, err
	}
	reports := make([]control.ChunkReport, 0, len(coords)/2)
	for i := 0; i < len(coords); i += 2 {
		reports = append(reports, control.ChunkReport{World: args[0], X: coords[i], Z: coords[i+1]})
	}
	return reports, nil
}

func init() {
	statusCmd.Flags().BoolVar(&statusTable, "table", false, "print one row per world")
}
