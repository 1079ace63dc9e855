package main

import (
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/fxnlabs/staging-node/internal/bench"
	"github.com/fxnlabs/staging-node/internal/config"
	"github.com/fxnlabs/staging-node/internal/gpu"
	"github.com/fxnlabs/staging-node/internal/transfer"
)

func benchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Run staged transfers and report latency and pool reuse",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "backend", Usage: "Override device.backend (auto, cuda, host)"},
			&cli.IntFlag{Name: "transfers", Usage: "Override bench.transfers"},
			&cli.IntFlag{Name: "streams", Usage: "Override bench.streams"},
			&cli.IntFlag{Name: "depth", Usage: "Override bench.depth"},
			&cli.IntSliceFlag{Name: "size", Usage: "Override bench.sizes, repeatable"},
			&cli.StringFlag{Name: "direction", Usage: "Override bench.direction (htod, dtoh, both)"},
			&cli.StringFlag{Name: "size-policy", Usage: "Override staging.sizePolicy (exact, aligned, pow2)"},
		},
		Action: func(c *cli.Context) error {
			cfg := *appConfig(c)
			applyBenchFlags(c, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			w, err := workloadFromConfig(&cfg)
			if err != nil {
				return err
			}

			log := appLogger(c)
			manager, err := gpu.NewManager(log, cfg.Device.Backend, cfg.Device.Ordinal)
			if err != nil {
				return err
			}
			defer manager.Cleanup()

			report, err := bench.Run(c.Context, manager.Driver(), w, log)
			if err != nil {
				return err
			}
			printReport(c.App.Writer, report)
			return nil
		},
	}
}

func applyBenchFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("backend") {
		cfg.Device.Backend = c.String("backend")
	}
	if c.IsSet("transfers") {
		cfg.Bench.Transfers = c.Int("transfers")
	}
	if c.IsSet("streams") {
		cfg.Bench.Streams = c.Int("streams")
	}
	if c.IsSet("depth") {
		cfg.Bench.Depth = c.Int("depth")
	}
	if c.IsSet("size") {
		cfg.Bench.Sizes = c.IntSlice("size")
	}
	if c.IsSet("direction") {
		cfg.Bench.Direction = c.String("direction")
	}
	if c.IsSet("size-policy") {
		cfg.Staging.SizePolicy = c.String("size-policy")
	}
}

func workloadFromConfig(cfg *config.Config) (bench.Workload, error) {
	policy, err := cfg.SizePolicy()
	if err != nil {
		return bench.Workload{}, err
	}
	return bench.Workload{
		Transfers: cfg.Bench.Transfers,
		Sizes:     cfg.Bench.Sizes,
		Streams:   cfg.Bench.Streams,
		Depth:     cfg.Bench.Depth,
		Direction: cfg.Bench.Direction,
		Policy:    policy,
	}, nil
}

func printReport(out io.Writer, r *bench.Report) {
	fmt.Fprintf(out, "backend %s: %d transfers, %d bytes in %s (%.1f MiB/s)\n\n",
		r.Backend, r.Transfers, r.Bytes, r.Elapsed, r.Throughput()/(1<<20))

	dirs := make([]transfer.Direction, 0, len(r.Latency))
	for dir := range r.Latency {
		dirs = append(dirs, dir)
	}
	slices.Sort(dirs)

	var latency [][]string
	for _, dir := range dirs {
		s := r.Latency[dir]
		latency = append(latency, []string{
			string(dir), strconv.Itoa(s.Count), ms(s.Min), ms(s.Mean), ms(s.StdDev), ms(s.P50), ms(s.P90), ms(s.P99), ms(s.Max),
		})
	}
	renderTable(out, []string{"DIRECTION", "COUNT", "MIN MS", "MEAN MS", "STDDEV", "P50", "P90", "P99", "MAX MS"}, latency)
	fmt.Fprintln(out)

	var pools [][]string
	for _, sr := range r.Streams {
		pools = append(pools, []string{
			sr.Label,
			strconv.Itoa(sr.Transfers),
			strconv.Itoa(sr.Pool.Buffers),
			strconv.FormatInt(sr.Pool.BytesAllocated, 10),
			strconv.FormatUint(sr.Pool.Hits, 10),
			strconv.FormatUint(sr.Pool.Misses, 10),
			strconv.FormatUint(sr.Pool.AllocFailures, 10),
		})
	}
	renderTable(out, []string{"STREAM", "TRANSFERS", "BUFFERS", "PINNED BYTES", "HITS", "MISSES", "ALLOC FAILURES"}, pools)
}

func ms(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func renderTable(out io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("  ")
	table.AppendBulk(rows)
	table.Render()
}
