package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/roach88/changesync/internal/ir"
)

type scopeRev struct {
	scope string
	rev   int64
}

func sortedRevs(revs map[string]int64) []scopeRev {
	out := make([]scopeRev, 0, len(revs))
	for scope, rev := range revs {
		out = append(out, scopeRev{scope: scope, rev: rev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].scope < out[j].scope })
	return out
}

// printChanges renders changes as an aligned table.
func printChanges(w io.Writer, changes []ir.Change) {
	if len(changes) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  REV\tID\tSCOPE\tTABLE\tKIND\tAUTHOR\tSTATUS")
	for _, c := range changes {
		status := c.Status()
		if c.Errored && c.Error != "" {
			status += ": " + c.Error
		}
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ServerRev, c.ID, c.Scope().Key(), c.Table, c.Kind, c.CreatedByID, status)
	}
	tw.Flush()
}
