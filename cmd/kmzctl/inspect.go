package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"kmz-pipeline/internal/geo"
	"kmz-pipeline/internal/kmz"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file.kmz>",
	Short: "Parse an archive offline and print its annotated features as GeoJSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := kmz.Extractor{MaxBytes: cfg.MaxKMLBytes}.ExtractFile(args[0])
		if err != nil {
			return err
		}
		fc, err := kmz.ParseKML(doc.Data)
		if err != nil {
			return fmt.Errorf("parse %s: %w", doc.Name, err)
		}
		geo.AnnotateAll(&fc)
		return printJSON(fc)
	},
}
