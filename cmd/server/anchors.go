package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/power-topology/backend/internal/asset"
	"github.com/power-topology/backend/internal/imagecache"
	"github.com/power-topology/backend/internal/models"
	"github.com/power-topology/backend/internal/storage"
	"github.com/spf13/cobra"
)

var (
	anchorsResources string
	anchorsCenter    bool
	anchorsTimeout   time.Duration
)

var anchorsCmd = &cobra.Command{
	Use:   "anchors <kind>",
	Short: "Print the anchor points of an asset kind",
	Long: `Load the images of an asset kind from the resource directory and print
where its anchors land, relative to the asset's origin.

With --center=false every anchor is reported at the origin.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnchors,
}

func init() {
	anchorsCmd.Flags().StringVar(&anchorsResources, "resources", "", "resource directory (default: from config)")
	anchorsCmd.Flags().BoolVar(&anchorsCenter, "center", true, "place anchors on the image instead of the origin")
	anchorsCmd.Flags().DurationVar(&anchorsTimeout, "timeout", 10*time.Second, "image load timeout")
}

func runAnchors(cmd *cobra.Command, args []string) error {
	v, err := asset.Lookup(models.Kind(args[0]))
	if err != nil {
		return err
	}

	dir := anchorsResources
	if dir == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		dir = cfg.Storage.ResourcesDirectory
	}
	store, err := storage.NewResourceStore(dir)
	if err != nil {
		return err
	}
	loader := imagecache.NewLoader(store, imagecache.WithTimeout(anchorsTimeout))

	ctx, cancel := context.WithTimeout(cmd.Context(), anchorsTimeout)
	defer cancel()

	comp := asset.NewComponent(models.AssetID(v.Kind), v, nil)
	defer comp.Destroy()
	pending, err := comp.Mount(ctx, loader, models.Point{}, true)
	if err != nil {
		return err
	}
	pending.Wait(ctx)
	if err := comp.Resolve(pending); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if loadErr := comp.LoadError(); loadErr != nil {
		fmt.Fprintf(out, "warning: images failed to load, anchors fall back to the origin: %v\n\n", loadErr)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ANCHOR\tDIRECTION\tX\tY")
	for _, a := range comp.AnchorPoints(anchorsCenter) {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\n", a.Name, a.Direction, a.Point.X, a.Point.Y)
	}
	return w.Flush()
}
