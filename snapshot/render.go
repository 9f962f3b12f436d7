package snapshot

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Fixed textual rendering of snapshot and subvolume rows, for debug/tooling
// use only. Snapshot rows print as "is_subvol <0|1> deleted <0|1> parent
// <u32> children <u32> <u32> subvol <u32>"; subvolume rows as "root <u64>
// snapshot id <u32>". When stdout is a terminal, a set DELETED or IS_SUBVOL
// flag is printed colorized and followed by the flag's name in parentheses.

// stdoutWriter wraps os.Stdout so ANSI escapes render correctly on every
// platform.
func stdoutWriter() io.Writer {
	return colorable.NewColorable(os.Stdout)
}

func isTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func flagWord(set bool, word string, c *color.Color) string {
	if !set {
		return "0"
	}
	if !isTerminal() {
		return "1"
	}
	return c.Sprint("1") + " (" + word + ")"
}

// DumpSnapshot writes id's row in the fixed textual format to w.
func DumpSnapshot(w io.Writer, id uint32, row SnapshotRow) {
	fmt.Fprintf(w, "is_subvol %s deleted %s parent %d children %d %d subvol %d\n",
		flagWord(row.IsSubvol(), "IS_SUBVOL", color.New(color.FgCyan)),
		flagWord(row.IsDeleted(), "DELETED", color.New(color.FgRed)),
		row.Parent, row.Children[0], row.Children[1], row.Subvol)
}

// DumpSubvolume writes id's row in the fixed textual format to w.
func DumpSubvolume(w io.Writer, id uint32, row SubvolumeRow) {
	fmt.Fprintf(w, "root %d snapshot id %d\n", row.Inode, row.Snapshot)
}
