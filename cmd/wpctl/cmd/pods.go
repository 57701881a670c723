package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/wasmpod/wasmpod/internal/server"
	"github.com/wasmpod/wasmpod/pkg/models"
)

var (
	podName        string
	podNamespace   string
	podUID         string
	podHandler     string
	podLogDir      string
	podLabels      []string
	podAnnotations []string
	podForce       bool
	podStateFilter string
)

// podsCmd represents the pods command
var podsCmd = &cobra.Command{
	Use:   "pods",
	Short: "Manage pod sandboxes",
	Long:  `Commands for creating, listing, stopping and removing pod sandboxes.`,
}

var podsRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Create a new pod sandbox",
	RunE:  runPodsRun,
}

var podsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pod sandboxes",
	RunE:  runPodsList,
}

var podsDescribeCmd = &cobra.Command{
	Use:   "describe <pod-id>",
	Short: "Show a pod sandbox and its containers",
	Args:  cobra.ExactArgs(1),
	RunE:  runPodsDescribe,
}

var podsStopCmd = &cobra.Command{
	Use:   "stop <pod-id>",
	Short: "Stop a pod sandbox and its containers",
	Args:  cobra.ExactArgs(1),
	RunE:  runPodsStop,
}

var podsRemoveCmd = &cobra.Command{
	Use:   "remove <pod-id>",
	Short: "Remove a pod sandbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runPodsRemove,
}

func init() {
	rootCmd.AddCommand(podsCmd)
	podsCmd.AddCommand(podsRunCmd)
	podsCmd.AddCommand(podsListCmd)
	podsCmd.AddCommand(podsDescribeCmd)
	podsCmd.AddCommand(podsStopCmd)
	podsCmd.AddCommand(podsRemoveCmd)

	podsRunCmd.Flags().StringVar(&podName, "name", "", "pod name (required)")
	podsRunCmd.Flags().StringVar(&podNamespace, "namespace", "default", "pod namespace")
	podsRunCmd.Flags().StringVar(&podUID, "uid", "", "pod uid assigned by the orchestrator")
	podsRunCmd.Flags().StringVar(&podHandler, "handler", "", "runtime handler: wasi or wascc (default wasi)")
	podsRunCmd.Flags().StringVar(&podLogDir, "log-dir", "", "directory for container logs")
	podsRunCmd.Flags().StringArrayVar(&podLabels, "label", nil, "pod label as key=value (repeatable)")
	podsRunCmd.Flags().StringArrayVar(&podAnnotations, "annotation", nil, "pod annotation as key=value (repeatable)")
	podsRunCmd.MarkFlagRequired("name")

	podsListCmd.Flags().StringVar(&podStateFilter, "state", "", "filter by state: ready or notready")

	podsRemoveCmd.Flags().BoolVar(&podForce, "force", false, "stop live containers instead of refusing")
}

func runPodsRun(cmd *cobra.Command, args []string) error {
	labels, err := parseKeyValues(podLabels)
	if err != nil {
		return err
	}
	annotations, err := parseKeyValues(podAnnotations)
	if err != nil {
		return err
	}

	req := server.RunPodSandboxRequest{
		Config: models.SandboxConfig{
			Metadata: models.SandboxMetadata{
				Name:      podName,
				Namespace: podNamespace,
				UID:       podUID,
			},
			RuntimeHandler: podHandler,
			LogDirectory:   podLogDir,
			Labels:         labels,
			Annotations:    annotations,
		},
	}
	var resp server.RunPodSandboxResponse
	if err := callRPC("RunPodSandbox", req, &resp); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(resp)
	}
	fmt.Println(resp.PodSandboxID)
	return nil
}

func runPodsList(cmd *cobra.Command, args []string) error {
	req := server.ListPodSandboxRequest{}
	if podStateFilter != "" {
		state := models.SandboxState(podStateFilter)
		req.Filter = &models.SandboxFilter{State: &state}
	}

	var resp server.ListPodSandboxResponse
	if err := callRPC("ListPodSandbox", req, &resp); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(resp)
	}
	if len(resp.Items) == 0 {
		fmt.Println("No pod sandboxes")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "Namespace", "State", "Handler", "Created")
	for _, sb := range resp.Items {
		handler := sb.RuntimeHandler
		if handler == "" {
			handler = "wasi"
		}
		table.Append(
			sb.ID,
			sb.Metadata.Name,
			sb.Metadata.Namespace,
			string(sb.State),
			handler,
			sb.CreatedAt.Format(time.RFC3339),
		)
	}
	table.Render()
	return nil
}

func runPodsDescribe(cmd *cobra.Command, args []string) error {
	var resp server.PodSandboxStatusResponse
	if err := callRPC("PodSandboxStatus", server.PodSandboxStatusRequest{PodSandboxID: args[0]}, &resp); err != nil {
		return err
	}
	return printJSON(resp)
}

func runPodsStop(cmd *cobra.Command, args []string) error {
	if err := callRPC("StopPodSandbox", server.StopPodSandboxRequest{PodSandboxID: args[0]}, nil); err != nil {
		return err
	}
	fmt.Printf("Pod sandbox %s stopped\n", args[0])
	return nil
}

func runPodsRemove(cmd *cobra.Command, args []string) error {
	req := server.RemovePodSandboxRequest{PodSandboxID: args[0], Force: podForce}
	if err := callRPC("RemovePodSandbox", req, nil); err != nil {
		return err
	}
	fmt.Printf("Pod sandbox %s removed\n", args[0])
	return nil
}
