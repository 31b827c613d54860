package main

import (
	"fmt"
	"strconv"

	"github.com/emergingrobotics/go-neuron/pkg/config"
	"github.com/emergingrobotics/go-neuron/pkg/device"
	"github.com/emergingrobotics/go-neuron/pkg/driver"
	"github.com/emergingrobotics/go-neuron/pkg/mapping"
	"github.com/emergingrobotics/go-neuron/pkg/nq"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"
)

// Global flags
var (
	configPath string
	logLevel   string
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "neuronctl",
		Short:         "Neuron device semaphore, event and notification queue tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")

	root.AddCommand(
		newVersionCommand(),
		newScanCommand(),
		newLayoutCommand(),
		newNQCommand(),
		newSemCommand(),
		newEventCommand(),
	)
	return root
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// openDevice opens the configured device, filling in BAR paths from a scan
// when the configuration has none.
func openDevice(reg prometheus.Registerer) (*device.Device, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := cfg.NewLogger()

	if cfg.Device.Bar0 == "" || cfg.Device.Bar2 == "" {
		devices, err := device.Scan()
		if err != nil {
			return nil, err
		}
		for _, d := range devices {
			if d.Path == cfg.Device.Path {
				cfg.Device.Bar0, cfg.Device.Bar2 = d.Bar0, d.Bar2
			}
		}
	}
	return device.Open(cfg, reg, log.WithField("cmd", "neuronctl"))
}

func parseInts(args []string) ([]int, error) {
	out := make([]int, len(args))
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", a, err)
		}
		out[i] = v
	}
	return out, nil
}

// parseUint32 accepts both signed and unsigned 32-bit spellings, since
// semaphores hold signed values
func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("value %q: %w", s, err)
	}
	if v < -(1<<31) || v > (1<<32)-1 {
		return 0, fmt.Errorf("value %q does not fit in 32 bits", s)
	}
	return uint32(v), nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "neuronctl version %s\n", Version)
			fmt.Fprintf(out, "  Build time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Go version: %s\n", GoVersion)
			fmt.Fprintf(out, "  Driver interface: %d.%d.%d\n",
				driver.NeuronDrvVerMajor, driver.NeuronDrvVerMinor, driver.NeuronDrvVerRevision)
		},
	}
}

func newScanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Scan for neuron devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := device.Scan()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(devices) == 0 {
				fmt.Fprintln(out, "No neuron devices found")
				return nil
			}
			fmt.Fprintf(out, "Found %d neuron device(s):\n", len(devices))
			for i, d := range devices {
				fmt.Fprintf(out, "  [%d] %s (%s)\n", i, d.Path, d.DeviceID)
				if d.Bar0 != "" {
					fmt.Fprintf(out, "      bar0: %s\n      bar2: %s\n", d.Bar0, d.Bar2)
				}
			}
			return nil
		},
	}
}

func newLayoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "layout",
		Short: "Print the device geometry and queue mmap windows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			l := cfg.Layout
			codec := nq.NewCodec(l)
			strideCore, strideEngine, strideType := codec.Strides()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Layout: %s\n", l)
			fmt.Fprintf(out, "Strides: core=%#x engine=%#x type=%#x\n", strideCore, strideEngine, strideType)
			fmt.Fprintf(out, "Queue space: [%#x, %#x)\n", uint64(nq.MmapStartOffset), uint64(nq.MmapStartOffset)+codec.TotalSize())
			fmt.Fprintln(out)
			fmt.Fprintf(out, "%-22s %4s %18s\n", "QUEUE", "ID", "OFFSET")
			for core := 0; core < l.Cores; core++ {
				for engine := 0; engine < l.Engines; engine++ {
					for t := 0; t < l.QueueTypes; t++ {
						q := nq.Queue{Core: core, Engine: engine, Type: nq.Type(t)}
						off, err := codec.EncodeQueue(q)
						if err != nil {
							return err
						}
						id := "-"
						if v, err := q.ID(l); err == nil {
							id = strconv.Itoa(v)
						}
						fmt.Fprintf(out, "%-22s %4s %#18x\n", q, id, off)
					}
				}
			}
			return nil
		},
	}
}

func newNQCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nq",
		Short: "Notification queue operations",
	}
	cmd.AddCommand(newNQOffsetCommand(), newNQDecodeCommand(), newNQCheckCommand())
	return cmd
}

func newNQOffsetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "offset <core> <engine> <type>",
		Short: "Print the device file offset of a queue",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ids, err := parseInts(args[:2])
			if err != nil {
				return err
			}
			typ, err := nq.ParseType(args[2])
			if err != nil {
				return err
			}
			off, err := nq.NewCodec(cfg.Layout).Encode(ids[0], ids[1], typ)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%#x\n", off)
			return nil
		},
	}
}

func newNQDecodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <offset>",
		Short: "Print the queue a device file offset belongs to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			off, err := strconv.ParseUint(args[0], 0, 64)
			if err != nil {
				return fmt.Errorf("offset %q: %w", args[0], err)
			}
			q, err := nq.NewCodec(cfg.Layout).Decode(off)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "core=%d engine=%d type=%s\n", q.Core, q.Engine, q.Type)
			return nil
		},
	}
}

func newNQCheckCommand() *cobra.Command {
	var (
		size   uint32
		doMap  bool
		dumpMx bool
	)
	cmd := &cobra.Command{
		Use:   "check <core> <engine> <type>",
		Short: "Configure a queue, optionally map it, report it and tear it down",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseInts(args[:2])
			if err != nil {
				return err
			}
			typ, err := nq.ParseType(args[2])
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			dev, err := openDevice(reg)
			if err != nil {
				return err
			}
			defer dev.Close()

			out := cmd.OutOrStdout()
			if err := dev.InitQueue(ids[0], ids[1], typ, size); err != nil {
				return err
			}
			for _, qi := range dev.Queues() {
				fmt.Fprintf(out, "%s id=%d size=%d pa=%#x device=%#x offset=%#x\n",
					qi.Queue, qi.ID, qi.Size, qi.PhysAddr, qi.DeviceAddr, qi.Offset)
			}
			if doMap {
				mp, err := dev.MmapQueue(ids[0], ids[1], typ, mapping.Request{Prot: mapping.ProtRead})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "mapped %s\n", mp)
				if err := dev.Unmap(mp); err != nil {
					return err
				}
			}
			if err := dev.DestroyQueue(ids[0], ids[1], typ); err != nil {
				return err
			}
			if dumpMx {
				return printMetrics(cmd, reg)
			}
			return nil
		},
	}
	cmd.Flags().Uint32Var(&size, "size", 4096, "queue size in bytes")
	cmd.Flags().BoolVar(&doMap, "map", false, "map the queue memory")
	cmd.Flags().BoolVar(&dumpMx, "metrics", false, "print queue metrics afterwards")
	return cmd
}

func printMetrics(cmd *cobra.Command, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			fmt.Fprintf(out, "%s%s %g\n", mf.GetName(), labels(m), metricValue(m))
		}
	}
	return nil
}

func labels(m *dto.Metric) string {
	if len(m.GetLabel()) == 0 {
		return ""
	}
	s := "{"
	for i, lp := range m.GetLabel() {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue())
	}
	return s + "}"
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	default:
		return 0
	}
}

func newSemCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sem",
		Short: "Read or modify core semaphores",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "read <core> <index>",
		Short: "Read a semaphore",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseInts(args)
			if err != nil {
				return err
			}
			dev, err := openDevice(nil)
			if err != nil {
				return err
			}
			defer dev.Close()
			v, err := dev.SemaphoreRead(ids[0], ids[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", int32(v))
			return nil
		},
	})

	writes := []struct {
		use   string
		short string
		fn    func(d *device.Device, core, index int, v uint32) error
	}{
		{"set", "Set a semaphore", (*device.Device).SemaphoreSet},
		{"inc", "Increment a semaphore", (*device.Device).SemaphoreIncrement},
		{"dec", "Decrement a semaphore", (*device.Device).SemaphoreDecrement},
	}
	for _, w := range writes {
		cmd.AddCommand(&cobra.Command{
			Use:   w.use + " <core> <index> <value>",
			Short: w.short,
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWrite(args, w.fn)
			},
		})
	}
	return cmd
}

func newEventCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Read or modify core events",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <core> <index>",
		Short: "Read an event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseInts(args)
			if err != nil {
				return err
			}
			dev, err := openDevice(nil)
			if err != nil {
				return err
			}
			defer dev.Close()
			v, err := dev.EventGet(ids[0], ids[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", v)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <core> <index> <value>",
		Short: "Set or clear an event",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(args, (*device.Device).EventSet)
		},
	})
	return cmd
}

func runWrite(args []string, fn func(d *device.Device, core, index int, v uint32) error) error {
	ids, err := parseInts(args[:2])
	if err != nil {
		return err
	}
	v, err := parseUint32(args[2])
	if err != nil {
		return err
	}
	dev, err := openDevice(nil)
	if err != nil {
		return err
	}
	defer dev.Close()
	return fn(dev, ids[0], ids[1], v)
}
