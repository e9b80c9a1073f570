package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"O-Sovereign/internal/pipeline"
)

type execOptions struct {
	maxIterations int
	riskThreshold int
}

func newExecCmd(root *rootOptions) *cobra.Command {
	opts := &execOptions{}
	cmd := &cobra.Command{
		Use:   "exec <input>",
		Short: "Run the pipeline once and print the JSON result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			app, err := newApplication(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			var runOpts []pipeline.RunOption
			if cmd.Flags().Changed("max-iterations") {
				runOpts = append(runOpts, pipeline.WithMaxIterations(opts.maxIterations))
			}
			if cmd.Flags().Changed("risk-threshold") {
				runOpts = append(runOpts, pipeline.WithRiskThreshold(opts.riskThreshold))
			}

			result, err := app.orchestrator.Execute(cmd.Context(), args[0], runOpts...)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(result); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("运行失败: %s", result.FinalOutput)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.maxIterations, "max-iterations", 0, "最大审计轮数 (1-10)，默认取配置值")
	cmd.Flags().IntVar(&opts.riskThreshold, "risk-threshold", 0, "风险阈值 (0-100)，默认取配置值")
	return cmd
}
