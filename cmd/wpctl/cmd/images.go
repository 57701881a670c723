package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/wasmpod/wasmpod/internal/server"
)

// imagesCmd represents the images command
var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "Manage wasm module images",
	Long:  `Commands for pulling, listing and removing wasm modules from the daemon's local store.`,
}

var imagesPullCmd = &cobra.Command{
	Use:   "pull <reference>",
	Short: "Pull a module from an OCI registry",
	Args:  cobra.ExactArgs(1),
	RunE:  runImagesPull,
}

var imagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached modules",
	RunE:  runImagesList,
}

var imagesRemoveCmd = &cobra.Command{
	Use:   "remove <reference>",
	Short: "Remove a module from the local store",
	Args:  cobra.ExactArgs(1),
	RunE:  runImagesRemove,
}

var imagesFsCmd = &cobra.Command{
	Use:   "fs",
	Short: "Show module store disk usage",
	RunE:  runImagesFs,
}

func init() {
	rootCmd.AddCommand(imagesCmd)
	imagesCmd.AddCommand(imagesPullCmd)
	imagesCmd.AddCommand(imagesListCmd)
	imagesCmd.AddCommand(imagesRemoveCmd)
	imagesCmd.AddCommand(imagesFsCmd)
}

func runImagesPull(cmd *cobra.Command, args []string) error {
	var resp server.PullImageResponse
	if err := callRPC("PullImage", server.PullImageRequest{Image: args[0]}, &resp); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(resp)
	}
	fmt.Println(resp.ImageRef)
	return nil
}

func runImagesList(cmd *cobra.Command, args []string) error {
	var resp server.ListImagesResponse
	if err := callRPC("ListImages", server.ListImagesRequest{}, &resp); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(resp)
	}
	if len(resp.Images) == 0 {
		fmt.Println("No modules cached")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Reference", "Digest", "Size", "Pulled")
	for _, m := range resp.Images {
		table.Append(
			m.Reference,
			m.Digest.String(),
			formatBytes(m.SizeBytes),
			m.PulledAt.Format(time.RFC3339),
		)
	}
	table.Render()
	return nil
}

func runImagesRemove(cmd *cobra.Command, args []string) error {
	if err := callRPC("RemoveImage", server.RemoveImageRequest{Image: args[0]}, nil); err != nil {
		return err
	}
	fmt.Printf("Image %s removed\n", args[0])
	return nil
}

func runImagesFs(cmd *cobra.Command, args []string) error {
	var resp server.ImageFsInfoResponse
	if err := callRPC("ImageFsInfo", struct{}{}, &resp); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(resp)
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Append("Storage root", resp.StorageRoot)
	table.Append("Modules", fmt.Sprintf("%d", resp.ModuleCount))
	table.Append("Used", formatBytes(resp.UsedBytes))
	table.Append("Sampled", resp.Timestamp.Format(time.RFC3339))
	table.Render()
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
