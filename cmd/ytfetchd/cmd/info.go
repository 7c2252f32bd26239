package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go-ytfetch-service/internal/classify"
	"go-ytfetch-service/internal/extractor"
	"go-ytfetch-service/internal/models"
)

var infoIncludeFormats bool

// infoCmd probes a URL from the command line without starting the
// service. Useful for checking cookies and sidecar wiring.
var infoCmd = &cobra.Command{
	Use:   "info <video-url>",
	Short: "Print metadata for a video URL without downloading it",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func init() {
	infoCmd.Flags().BoolVar(&infoIncludeFormats, "formats", false, "Include the available format list")
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg := globalConfig

	ext := extractor.NewYtDlp(extractor.Options{
		BinaryPath: cfg.Extract.Binary,
		UserAgent:  cfg.Extract.UserAgent,
		CookiesB64: cfg.Extract.CookiesB64,
		POTokenURL: cfg.Extract.POTokenURL,
	})

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Download.ProbeTimeout())
	defer cancel()

	meta, formats, err := ext.Probe(ctx, args[0], infoIncludeFormats)
	if err != nil {
		cerr := classify.Classify(err.Error())
		out, _ := json.MarshalIndent(models.ErrorResponse{Error: cerr}, "", "  ")
		fmt.Fprintln(os.Stderr, string(out))
		return fmt.Errorf("probe failed: %s", cerr.Kind)
	}

	out, err := json.MarshalIndent(models.InfoResponse{Success: true, Metadata: meta, Formats: formats}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
