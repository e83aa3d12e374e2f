package ui

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"hostfs/pkg/protocol"
	"hostfs/pkg/utils"
)

// ShowDrives prints the host drives as a table.
func ShowDrives(out io.Writer, drives []protocol.DriveInfo) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DRIVE\tSIZE\tFREE")
	for _, d := range drives {
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.Name,
			utils.FormatFileSize(int64(d.TotalBytes)), utils.FormatFileSize(int64(d.FreeBytes)))
	}
	return w.Flush()
}

// ShowEntries prints directory entries as a table, directories marked with a
// trailing slash.
func ShowEntries(out io.Writer, entries []protocol.EntryInfo) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tMODIFIED")
	for _, e := range entries {
		name, size := e.Name, utils.FormatFileSize(e.SizeBytes)
		if e.IsDirectory {
			name += "/"
			size = "-"
		}
		modified := "-"
		if !e.ModifiedTime.IsZero() {
			modified = e.ModifiedTime.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, size, modified)
	}
	return w.Flush()
}
