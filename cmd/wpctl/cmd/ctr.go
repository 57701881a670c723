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
	ctrName        string
	ctrImage       string
	ctrCommand     []string
	ctrArgs        []string
	ctrEnv         []string
	ctrLogPath     string
	ctrLabels      []string
	ctrAnnotations []string
	ctrTimeout     int64
	ctrPodFilter   string
	ctrStateFilter string
)

// ctrCmd represents the ctr command
var ctrCmd = &cobra.Command{
	Use:   "ctr",
	Short: "Manage containers",
	Long:  `Commands for creating, starting, stopping and removing containers inside pod sandboxes.`,
}

var ctrCreateCmd = &cobra.Command{
	Use:   "create <pod-id>",
	Short: "Create a container in a pod sandbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runCtrCreate,
}

var ctrStartCmd = &cobra.Command{
	Use:   "start <container-id>",
	Short: "Start a created container",
	Args:  cobra.ExactArgs(1),
	RunE:  runCtrStart,
}

var ctrStopCmd = &cobra.Command{
	Use:   "stop <container-id>",
	Short: "Stop a running container",
	Args:  cobra.ExactArgs(1),
	RunE:  runCtrStop,
}

var ctrRemoveCmd = &cobra.Command{
	Use:   "remove <container-id>",
	Short: "Remove a stopped container",
	Args:  cobra.ExactArgs(1),
	RunE:  runCtrRemove,
}

var ctrListCmd = &cobra.Command{
	Use:   "list",
	Short: "List containers",
	RunE:  runCtrList,
}

var ctrDescribeCmd = &cobra.Command{
	Use:   "describe <container-id>",
	Short: "Show full container status",
	Args:  cobra.ExactArgs(1),
	RunE:  runCtrDescribe,
}

func init() {
	rootCmd.AddCommand(ctrCmd)
	ctrCmd.AddCommand(ctrCreateCmd)
	ctrCmd.AddCommand(ctrStartCmd)
	ctrCmd.AddCommand(ctrStopCmd)
	ctrCmd.AddCommand(ctrRemoveCmd)
	ctrCmd.AddCommand(ctrListCmd)
	ctrCmd.AddCommand(ctrDescribeCmd)

	ctrCreateCmd.Flags().StringVar(&ctrName, "name", "", "container name (required)")
	ctrCreateCmd.Flags().StringVar(&ctrImage, "image", "", "module image reference (required, must be pulled first)")
	ctrCreateCmd.Flags().StringArrayVar(&ctrCommand, "command", nil, "entrypoint override (repeatable)")
	ctrCreateCmd.Flags().StringArrayVar(&ctrArgs, "arg", nil, "argument for the workload (repeatable)")
	ctrCreateCmd.Flags().StringArrayVar(&ctrEnv, "env", nil, "environment variable as key=value (repeatable)")
	ctrCreateCmd.Flags().StringVar(&ctrLogPath, "log", "", "log file, relative paths land in the pod log directory")
	ctrCreateCmd.Flags().StringArrayVar(&ctrLabels, "label", nil, "container label as key=value (repeatable)")
	ctrCreateCmd.Flags().StringArrayVar(&ctrAnnotations, "annotation", nil, "container annotation as key=value (repeatable)")
	ctrCreateCmd.MarkFlagRequired("name")
	ctrCreateCmd.MarkFlagRequired("image")

	ctrStopCmd.Flags().Int64Var(&ctrTimeout, "timeout", 10, "seconds of grace before the workload is killed (0 kills immediately)")

	ctrListCmd.Flags().StringVar(&ctrPodFilter, "pod", "", "filter by pod sandbox id")
	ctrListCmd.Flags().StringVar(&ctrStateFilter, "state", "", "filter by state: created, running, exited or unknown")
}

func runCtrCreate(cmd *cobra.Command, args []string) error {
	env, err := parseKeyValues(ctrEnv)
	if err != nil {
		return err
	}
	labels, err := parseKeyValues(ctrLabels)
	if err != nil {
		return err
	}
	annotations, err := parseKeyValues(ctrAnnotations)
	if err != nil {
		return err
	}

	req := server.CreateContainerRequest{
		PodSandboxID: args[0],
		Config: models.ContainerSpec{
			Metadata:    models.ContainerMetadata{Name: ctrName},
			Image:       ctrImage,
			Command:     ctrCommand,
			Args:        ctrArgs,
			Env:         env,
			LogPath:     ctrLogPath,
			Labels:      labels,
			Annotations: annotations,
		},
	}
	var resp server.CreateContainerResponse
	if err := callRPC("CreateContainer", req, &resp); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(resp)
	}
	fmt.Println(resp.ContainerID)
	return nil
}

func runCtrStart(cmd *cobra.Command, args []string) error {
	if err := callRPC("StartContainer", server.StartContainerRequest{ContainerID: args[0]}, nil); err != nil {
		return err
	}
	fmt.Printf("Container %s started\n", args[0])
	return nil
}

func runCtrStop(cmd *cobra.Command, args []string) error {
	req := server.StopContainerRequest{ContainerID: args[0], TimeoutSeconds: ctrTimeout}
	if err := callRPC("StopContainer", req, nil); err != nil {
		return err
	}
	fmt.Printf("Container %s stopped\n", args[0])
	return nil
}

func runCtrRemove(cmd *cobra.Command, args []string) error {
	if err := callRPC("RemoveContainer", server.RemoveContainerRequest{ContainerID: args[0]}, nil); err != nil {
		return err
	}
	fmt.Printf("Container %s removed\n", args[0])
	return nil
}

func runCtrList(cmd *cobra.Command, args []string) error {
	req := server.ListContainersRequest{}
	if ctrPodFilter != "" || ctrStateFilter != "" {
		req.Filter = &models.ContainerFilter{SandboxID: ctrPodFilter}
		if ctrStateFilter != "" {
			state := models.ContainerState(ctrStateFilter)
			req.Filter.State = &state
		}
	}

	var resp server.ListContainersResponse
	if err := callRPC("ListContainers", req, &resp); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(resp)
	}
	if len(resp.Items) == 0 {
		fmt.Println("No containers")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "Pod", "Image", "State", "Exit", "Created")
	for _, c := range resp.Items {
		exit := ""
		if c.ExitCode != nil {
			exit = fmt.Sprintf("%d", *c.ExitCode)
		}
		table.Append(
			c.ID,
			c.Metadata.Name,
			c.SandboxID,
			c.Image.Reference,
			string(c.State),
			exit,
			c.CreatedAt.Format(time.RFC3339),
		)
	}
	table.Render()
	return nil
}

func runCtrDescribe(cmd *cobra.Command, args []string) error {
	var resp server.ContainerStatusResponse
	if err := callRPC("ContainerStatus", server.ContainerStatusRequest{ContainerID: args[0]}, &resp); err != nil {
		return err
	}
	return printJSON(resp.Container)
}
