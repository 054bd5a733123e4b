package main

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

// newTable returns a bordered table rendered for w. Columns take the given
// alignments; the last one repeats for any further columns.
func newTable(w io.Writer, alignments ...lipgloss.Position) *lgtable.Table {
	r := lipgloss.NewRenderer(w)
	header := r.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	odd := r.NewStyle().Faint(false).PaddingLeft(1).PaddingRight(1)
	even := r.NewStyle().Faint(true).PaddingLeft(1).PaddingRight(1)
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(r.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return header
			case row%2 == 0:
				s = odd
			default:
				s = even
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
}
