package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"O-Sovereign/internal/config"
)

type rootOptions struct {
	configPath string
	mock       bool
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "sovereignd",
		Short: "Adversarial planning pipeline: planner → verifier → auditor → executor",
		Long: `sovereignd drives a four-role model pipeline. A planner drafts a plan,
a verifier checks it, an auditor scores its risk and may send it back for
re-planning, and an executor renders the final answer.

Examples:
  # Serve the HTTP API with mock backends
  sovereignd serve --mock

  # Run one request and print the JSON result
  sovereignd exec --mock --risk-threshold 60 "帮我制定一个学习计划"`,
		SilenceUsage: true,
	}
	bindRootFlags(cmd.PersistentFlags(), opts)

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newExecCmd(opts))
	return cmd
}

func bindRootFlags(flags *pflag.FlagSet, opts *rootOptions) {
	flags.StringVar(&opts.configPath, "config", "", "配置文件路径，默认读取 $"+config.EnvPath+" 或 "+config.DefaultPath)
	flags.BoolVar(&opts.mock, "mock", false, "四个角色全部使用模拟后端")
	flags.StringVar(&opts.logLevel, "log-level", "", "覆盖配置中的日志级别 (debug|info|warn|error)")
}

// loadConfig 按命令行参数加载配置并应用覆盖项。
func loadConfig(opts *rootOptions) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.Load(opts.configPath)
	} else {
		cfg, _, err = config.LoadFromEnv()
	}
	if err != nil {
		return nil, err
	}
	if opts.mock {
		cfg.Backends.Planner.Provider = "mock"
		cfg.Backends.Verifier.Provider = "mock"
		cfg.Backends.Auditor.Provider = "mock"
		cfg.Backends.Executor.Provider = "mock"
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	return cfg, nil
}
