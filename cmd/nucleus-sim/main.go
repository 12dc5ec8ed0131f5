// nucleus-sim boots the kernel core on a simulated machine and drives a
// small demonstration workload through it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nucleus-os/nucleus/kernel"
	"github.com/nucleus-os/nucleus/kernel/mem"
)

var (
	verbose    bool
	configPath string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "nucleus-sim",
	Short: "nucleus kernel core on a simulated single-core machine",
	Long: `nucleus-sim constructs the privileged kernel core (frame allocator,
paging, interrupt dispatch, process table, scheduler, syscalls) over a
simulated machine and lets you watch it run.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewDevelopmentConfig()
		if !verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		} else {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the kernel and run the demo workload",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ticks, _ := cmd.Flags().GetUint64("ticks")
		return runDemo(cfg, ticks)
	},
}

var memmapCmd = &cobra.Command{
	Use:   "memmap",
	Short: "Print the validated boot memory map",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		regions, err := cfg.Regions()
		if err != nil {
			return err
		}
		mmap, err := mem.ValidateMemoryMap(regions, cfg.PhysMemoryBytes)
		if err != nil {
			return err
		}
		for _, r := range mmap.Regions {
			fmt.Printf("%#012x - %#012x  %-16s %8d KiB\n",
				uint64(r.Start), uint64(r.End()), r.Kind, r.Size/1024)
		}
		fmt.Printf("total %d KiB, usable %d KiB\n", mmap.TotalBytes/1024, mmap.UsableBytes/1024)
		return nil
	},
}

func loadConfig() (kernel.Config, error) {
	if configPath == "" {
		return kernel.DefaultConfig(), nil
	}
	return kernel.LoadConfig(configPath)
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "machine config YAML")
	runCmd.Flags().Uint64("ticks", 200, "timer ticks to simulate")
	rootCmd.AddCommand(runCmd, memmapCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
