package cli

import (
	"time"

	"stereodsm/internal/config"
	"stereodsm/internal/watch"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stereodsm",
		Short: "stereodsm produces digital surface models from satellite stereo pairs",
		Long: `stereodsm rectifies a stereo pair, estimates the epipolar grid correction and
the disparity range from sparse matches (prepare), then densely correlates the
rectified pair into a DSM (compute).`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newPrepareCmd(root))
	rootCmd.AddCommand(newComputeCmd(root))
	rootCmd.AddCommand(newWorkerCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// orchestratorFlags binds the execution backend flags to cfg.
func orchestratorFlags(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().StringVar(&cfg.Orchestrator.Mode, "mode", cfg.Orchestrator.Mode, "execution backend (sequential|local|cluster)")
	cmd.Flags().IntVar(&cfg.Orchestrator.Workers, "nb-workers", cfg.Orchestrator.Workers, "number of workers, 0 sizes the pool from the host")
	cmd.Flags().StringVar(&cfg.Orchestrator.Walltime, "walltime", cfg.Orchestrator.Walltime, "maximum lifetime of cluster workers (e.g. 59m)")
}

func newPrepareCmd(root *Root) *cobra.Command {
	cfg := *root.cfg

	cmd := &cobra.Command{
		Use:   "prepare <input.json> [output_dir]",
		Short: "Estimate epipolar grids, grid correction and disparity range",
		Long: `Rectify the stereo pair described by the input document, match it sparsely,
correct the right epipolar grid and estimate the disparity range. Outputs and
content.json are written in output_dir. A run that finds too few matches stops
without error and without content.json.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdPrepare(cmd.Context(), &cfg, args[0], outDirArg(root, args))
		},
	}

	p := &cfg.Prepare
	cmd.Flags().IntVar(&p.EpipolarStep, "epipolar-step", p.EpipolarStep, "step of the epipolar grids in pixels")
	cmd.Flags().IntVar(&p.RegionSize, "region-size", p.RegionSize, "size of the sparse matching regions in pixels")
	cmd.Flags().Float64Var(&p.DisparityMargin, "disparity-margin", p.DisparityMargin, "margin added to the disparity range, as a fraction of its width")
	cmd.Flags().Float64Var(&p.EpipolarErrorUpperBound, "epipolar-error-upper-bound", p.EpipolarErrorUpperBound, "expected upper bound of the epipolar error in pixels")
	cmd.Flags().Float64Var(&p.EpipolarErrorMaximumBias, "epipolar-error-maximum-bias", p.EpipolarErrorMaximumBias, "maximum bias of the epipolar error in pixels")
	cmd.Flags().Float64Var(&p.ElevationDeltaLowerBound, "elevation-delta-lower-bound", p.ElevationDeltaLowerBound, "expected lower bound of the elevation delta with the initial elevation in meters")
	cmd.Flags().Float64Var(&p.ElevationDeltaUpperBound, "elevation-delta-upper-bound", p.ElevationDeltaUpperBound, "expected upper bound of the elevation delta with the initial elevation in meters")
	cmd.Flags().BoolVar(&p.CheckInputs, "check-inputs", p.CheckInputs, "check the consistency of the input images, masks and models")
	orchestratorFlags(cmd, &cfg)

	return cmd
}

func newComputeCmd(root *Root) *cobra.Command {
	cfg := *root.cfg

	cmd := &cobra.Command{
		Use:   "compute <content.json> [output_dir]",
		Short: "Densely match a prepared pair into a DSM",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdCompute(cmd.Context(), &cfg, args[0], outDirArg(root, args))
		},
	}

	cmd.Flags().IntVar(&cfg.Dense.TileSize, "tile-size", cfg.Dense.TileSize, "size of the dense matching tiles in pixels")
	cmd.Flags().Float64Var(&cfg.Dense.Resolution, "resolution", cfg.Dense.Resolution, "DSM resolution in degrees")
	orchestratorFlags(cmd, &cfg)

	return cmd
}

func newWorkerCmd(root *Root) *cobra.Command {
	var coordinator string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Execute tasks handed out by a cluster coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdWorker(cmd.Context(), coordinator)
		},
	}

	cmd.Flags().StringVar(&coordinator, "coordinator", root.cfg.Orchestrator.Cluster.Listen, "coordinator address (host:port)")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run status, task events and metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdServe(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "server address (host:port)")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		output   string
		existing bool
		settle   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <directory>",
		Short: "Prepare every input document dropped into a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdWatch(cmd.Context(), args[0], output, watch.Options{Settle: settle, Existing: existing})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", root.cfg.Paths.DefaultOutput, "root of the output directories")
	cmd.Flags().BoolVar(&existing, "existing", false, "also prepare the documents already present")
	cmd.Flags().DurationVar(&settle, "settle", 500*time.Millisecond, "time a document must stay unchanged before it is prepared")
	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [run_id]",
		Short: "List recent runs, or the tasks of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			return root.cmdRuns(runID, limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs listed")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	})
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}
