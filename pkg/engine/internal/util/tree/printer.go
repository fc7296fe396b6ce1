package tree

import (
	"fmt"
	"io"
)

const (
	symPipe   = "│   "
	symSpace  = "    "
	symBranch = "├── "
	symLast   = "└── "
)

// Printer writes plan trees to a writer.
type Printer struct {
	w io.Writer
}

// NewPrinter returns a printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Print writes n and all of its descendants, one node per line.
func (p *Printer) Print(n *Node) error {
	return p.print(n, "", "")
}

func (p *Printer) print(n *Node, prefix, childPrefix string) error {
	if _, err := fmt.Fprintf(p.w, "%s%s\n", prefix, n.line()); err != nil {
		return err
	}
	for i, c := range n.Children {
		sym, next := symBranch, symPipe
		if i == len(n.Children)-1 {
			sym, next = symLast, symSpace
		}
		if err := p.print(c, childPrefix+sym, childPrefix+next); err != nil {
			return err
		}
	}
	return nil
}
