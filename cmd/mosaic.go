package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/goshawk-habitat/internal/grid"
)

var mosaicCmd = &cobra.Command{
	Use:   "mosaic <input.asc>...",
	Short: "Merge aligned region rasters into one",
	Long:  "Merges ESRI ASCII rasters that share a cell size and lattice. Where inputs overlap, the first non-nodata value in argument order wins.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outPath, _ := cmd.Flags().GetString("out")
		return mosaicFiles(outPath, args)
	},
}

func init() {
	mosaicCmd.Flags().String("out", "mosaic.asc", "output raster path")
	rootCmd.AddCommand(mosaicCmd)
}

func mosaicFiles(outPath string, inputs []string) error {
	grids := make([]*grid.Grid[float64], 0, len(inputs))
	for _, p := range inputs {
		g, err := readASCIIFile(p)
		if err != nil {
			return err
		}
		grids = append(grids, g)
	}
	merged, err := grid.Mosaic(grids...)
	if err != nil {
		return eris.Wrap(err, "mosaic")
	}
	return writeFile(outPath, func(f *os.File) error { return grid.WriteASCII(f, merged) })
}
