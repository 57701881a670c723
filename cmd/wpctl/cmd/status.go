package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/wasmpod/wasmpod/internal/server"
)

var statusVerbose bool

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon runtime conditions",
	RunE:  runStatus,
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show daemon version information",
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)

	statusCmd.Flags().BoolVar(&statusVerbose, "verbose", false, "include host and workload details")
}

func runStatus(cmd *cobra.Command, args []string) error {
	var resp server.StatusResponse
	if err := callRPC("Status", server.StatusRequest{Verbose: statusVerbose}, &resp); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(resp)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Condition", "Status", "Reason")
	for _, c := range resp.Conditions {
		status := "False"
		if c.Status {
			status = "True"
		}
		table.Append(c.Type, status, c.Reason)
	}
	table.Render()

	fmt.Printf("\nHandlers: %v\n", resp.Handlers)

	if len(resp.Info) > 0 {
		keys := make([]string, 0, len(resp.Info))
		for k := range resp.Info {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Println()
		info := tablewriter.NewWriter(os.Stdout)
		for _, k := range keys {
			info.Append(k, resp.Info[k])
		}
		info.Render()
	}
	return nil
}

func runVersion(cmd *cobra.Command, args []string) error {
	var resp server.VersionResponse
	if err := callRPC("Version", struct{}{}, &resp); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(resp)
	}
	fmt.Printf("Runtime:     %s\n", resp.RuntimeName)
	fmt.Printf("Version:     %s\n", resp.RuntimeVersion)
	fmt.Printf("API version: %s\n", resp.RuntimeAPIVersion)
	return nil
}
