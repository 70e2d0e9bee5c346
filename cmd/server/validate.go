package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/power-topology/backend/internal/models"
	"github.com/power-topology/backend/internal/power"
	"github.com/power-topology/backend/internal/topology"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <topology-file>",
	Short: "Check a topology file and print a summary",
	Long: `Parse a topology file (XML or YAML), check its feeds for unknown
assets and power loops, and print the assets and connections it declares.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	topo, err := topology.ParseFile(args[0])
	if err != nil {
		return fmt.Errorf("invalid topology: %w", err)
	}
	if err := power.NewEngine().Load(topo); err != nil {
		return fmt.Errorf("invalid power graph: %w", err)
	}

	out := cmd.OutOrStdout()
	conns := topo.Connections()
	fmt.Fprintf(out, "Topology %q: %d assets, %d connections\n\n", topo.Name, len(topo.Assets), len(conns))

	counts := make(map[models.Kind]int)
	for _, a := range topo.Assets {
		counts[a.Kind]++
	}
	kinds := make([]models.Kind, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tCOUNT")
	for _, k := range kinds {
		fmt.Fprintf(w, "%s\t%d\n", k, counts[k])
	}
	w.Flush()

	if len(conns) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FROM\tTO")
	for _, c := range conns {
		fmt.Fprintf(w, "%s\t%s\n", c.From, c.To)
	}
	return w.Flush()
}
