package main

import (
	"fmt"
	"path/filepath"

	"github.com/healthy-habitat/score-regions/internal/raster"
	"github.com/healthy-habitat/score-regions/internal/tiling"
	"github.com/spf13/cobra"
)

func tilesCommand() *cobra.Command {
	var width, height int

	cmd := &cobra.Command{
		Use:   "tiles [image.tif]",
		Short: "Print the region grid of a GeoTIFF",
		Long:  `Print the name, pixel window and stored coordinates of every region the pipeline would cut from a GeoTIFF.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := raster.Open(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			base := filepath.Base(args[0])
			windows := tiling.Grid(img.Width(), img.Height(), width, height)

			fmt.Fprintf(out, "%s: %dx%d, %d bands, %d regions\n", base, img.Width(), img.Height(), img.Count(), len(windows))
			for i, w := range windows {
				lat, lon := tiling.Center(img, w.X, w.Y, width, height)
				fmt.Fprintf(out, "%d\t%s\t%d,%d\t%dx%d\t%.6f\t%.6f\n",
					i, tiling.Name(base, i), w.X, w.Y, w.Width, w.Height, lat, lon)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&width, "width", tiling.TileWidth, "Region width in pixels")
	cmd.Flags().IntVar(&height, "height", tiling.TileHeight, "Region height in pixels")

	return cmd
}
