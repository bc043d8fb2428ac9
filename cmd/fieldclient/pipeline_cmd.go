package main

import (
	"fmt"
	"os"

	"devscreen/internal/execution"
	"devscreen/internal/pipeline"

	"github.com/spf13/cobra"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Inspect screening pipeline definitions",
}

var pipelineValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a pipeline definition (default: configured pipeline_file)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPipelineValidate,
}

var pipelineDefaultCmd = &cobra.Command{
	Use:   "default",
	Short: "Print the built-in screening pipeline as YAML",
	RunE:  runPipelineDefault,
}

func init() {
	pipelineCmd.AddCommand(pipelineValidateCmd, pipelineDefaultCmd)
}

func runPipelineValidate(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.PipelineFile
	}
	if path == "" {
		return fmt.Errorf("no pipeline file given and pipeline_file is not configured")
	}

	graph, err := execution.LoadGraph(path)
	if err != nil {
		return err
	}

	result := execution.ValidateGraph(graph)
	if result.IsValid {
		if issues := pipeline.CheckDependencies(graph); len(issues) > 0 {
			result.IsValid = false
			result.Issues = issues
		}
	}
	if !result.IsValid {
		fmt.Printf("❌ %s: %d issues\n", path, len(result.Issues))
		for _, issue := range result.Issues {
			if issue.NodeID != "" {
				fmt.Printf("  • [%s] %s: %s\n", issue.Type, issue.NodeID, issue.Message)
			} else {
				fmt.Printf("  • [%s] %s\n", issue.Type, issue.Message)
			}
		}
		return &execution.InvalidGraphError{Issues: result.Issues}
	}

	fmt.Printf("✅ %s is valid (%d nodes)\n", path, len(graph.Nodes))
	fmt.Printf("   Execution order: %v\n", result.ExecutionOrder)
	return nil
}

func runPipelineDefault(cmd *cobra.Command, args []string) error {
	data, err := execution.MarshalGraph(execution.DefaultScreeningGraph())
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
