// Command aligntest runs feature alignment on a snapshot and prints per-band
// diagnostics. It can also write difference composites before and after
// rectification so residual misalignment can be inspected.
package main

import (
	"flag"
	"fmt"
	goimage "image"
	"log/slog"
	"os"
	"strings"

	"nbc-viewer/internal/alignment"
	"nbc-viewer/internal/image"
	"nbc-viewer/internal/logging"
)

func main() {
	snapshot := flag.String("s", "", "Path to a four-band snapshot")
	minMatches := flag.Int("min", alignment.DefaultOptions().MinMatches, "Minimum good matches per band")
	ratio := flag.Float64("ratio", alignment.DefaultOptions().Ratio, "Lowe ratio test threshold")
	matcher := flag.String("matcher", "bf", "Descriptor matcher (bf|hamming)")
	output := flag.String("o", "", "Write the homographies to this INI file")
	diff := flag.String("diff", "", "Write before/after difference composites with this path prefix")
	verbose := flag.Bool("v", false, "Log alignment steps")
	flag.Parse()

	if *snapshot == "" {
		fmt.Println("Usage: aligntest -s <snapshot> [-min N] [-ratio R] [-matcher bf|hamming] [-o homographies.ini] [-diff prefix]")
		os.Exit(1)
	}

	logger := logging.Discard()
	if *verbose {
		logger = logging.New("debug", "text")
	}

	fmt.Printf("=== Loading %s ===\n", *snapshot)
	bands, mismatch, err := image.LoadSnapshot(*snapshot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load snapshot: %v\n", err)
		os.Exit(1)
	}
	if mismatch {
		fmt.Printf("  size differs from %dx%d, padded or cropped\n", image.FrameCols, image.FrameRows)
	}

	opts := alignment.DefaultOptions()
	opts.MinMatches = *minMatches
	opts.Ratio = *ratio
	res, err := align(bands, opts, *matcher, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Alignment failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\n=== Alignment (min=%d ratio=%.2f matcher=%s) ===\n", opts.MinMatches, opts.Ratio, *matcher)
	for _, b := range res.Bands {
		fmt.Printf("Band %d: %s\n", b.Band+1, b.Status)
		if b.Band == alignment.ReferenceBand {
			continue
		}
		fmt.Printf("  keypoints: %d (reference %d)\n", b.Keypoints, b.RefKeypoints)
		fmt.Printf("  matches:   %d\n", b.Matches)
		if b.Status == alignment.StatusComputed {
			fmt.Printf("  inliers:   %d (%.1f%%)\n", b.Inliers, 100*float64(b.Inliers)/float64(max(b.Matches, 1)))
			fmt.Printf("  error:     %.3f px\n", b.MeanError)
			fmt.Printf("  H: %s\n", alignment.FormatMatrix(b.H))
		}
		if b.Reason != "" {
			fmt.Printf("  reason:    %s\n", b.Reason)
		}
	}

	set := res.Set()
	coverage, overlap := alignment.Coverage(set)
	fmt.Printf("\nCoverage: %.1f%% (%d-gon overlap)\n", 100*coverage, len(overlap))
	if *output != "" {
		if err := alignment.SaveINI(*output, set); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save homographies: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nSaved homographies to %s\n", *output)
	}

	if *diff != "" {
		if err := writeDiffs(*diff, bands, set); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write composites: %v\n", err)
			os.Exit(1)
		}
	}
}

func align(bands [image.BandCount]*goimage.Gray, opts alignment.Options, matcher string, logger *slog.Logger) (alignment.Result, error) {
	var m alignment.Matcher = alignment.BFMatcher{}
	if strings.EqualFold(matcher, "hamming") {
		m = alignment.HammingMatcher{}
	}
	a, err := alignment.NewAligner(opts, alignment.AKAZEDetector{}, m, logger)
	if err != nil {
		return alignment.Result{}, err
	}
	return a.Align(bands)
}

func writeDiffs(prefix string, bands [image.BandCount]*goimage.Gray, set alignment.HomographySet) error {
	before := image.Composite(bands, image.BlendDifference)
	if err := image.SavePNG(prefix+"_before.png", before); err != nil {
		return err
	}
	fmt.Printf("Wrote %s_before.png\n", prefix)

	rectified, degraded, err := alignment.NewRectifier(set).RectifyBands(bands)
	if err != nil {
		return err
	}
	for _, b := range degraded {
		fmt.Printf("  band %d left unaligned\n", b+1)
	}
	after := image.Composite(rectified, image.BlendDifference)
	if err := image.SavePNG(prefix+"_after.png", after); err != nil {
		return err
	}
	fmt.Printf("Wrote %s_after.png\n", prefix)
	return nil
}
