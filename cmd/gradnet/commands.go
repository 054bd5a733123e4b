package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/gradnet/internal/config"
	"github.com/born-ml/gradnet/internal/device"
	"github.com/born-ml/gradnet/internal/net"
	"github.com/born-ml/gradnet/internal/nn"
	"github.com/born-ml/gradnet/internal/serialization"
	"github.com/born-ml/gradnet/internal/solver"
)

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: gradnet %s\n", usages[name])
		fs.PrintDefaults()
	}
	return fs
}

func runTrain(ctx context.Context, args []string) error {
	fs := newFlags("train")
	backend := fs.String("backend", device.BackendHost, "Device backend: host or webgpu.")
	begin := fs.Int("begin", 0, "Iteration to start (or resume) training at.")
	progress := fs.Bool("progress", true, "Show a progress bar on stderr.")
	plot := fs.String("plot", "", "Write an SVG plot of the displayed and tested losses to this file.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("train needs an architecture")
	}

	desc, err := config.Load(fs.Arg(0))
	if err != nil {
		return err
	}
	cfg, err := solver.NewConfig(desc.Train)
	if err != nil {
		return err
	}
	ids := cfg.GPU
	if !slices.Contains(ids, cfg.GPUSolver) {
		ids = append(slices.Clone(ids), cfg.GPUSolver)
	}
	devices, err := device.Open(*backend, ids)
	if err != nil {
		return err
	}
	defer device.CloseAll(devices)
	solverDev := devices[slices.Index(ids, cfg.GPUSolver)]

	s, err := solver.New(desc, devices[:len(cfg.GPU)], solverDev)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			klog.Warningf("failed to close solver: %v", err)
		}
	}()
	s.Malloc()
	if fs.NArg() == 1 {
		s.RandInit()
	}
	for _, path := range fs.Args()[1:] {
		if _, err := s.LoadWeights(ctx, path); err != nil {
			return err
		}
	}
	if *progress {
		s.Progress = os.Stderr
	}
	if *plot != "" {
		s.Curves = solver.NewCurves()
	}
	last, err := s.Train(ctx, *begin)
	if *plot != "" && s.Curves.Len() > 0 {
		if plotErr := writePlot(*plot, s.Curves); plotErr != nil {
			klog.Warningf("failed to write loss plot: %v", plotErr)
		}
	}
	if err != nil {
		return err
	}
	for _, st := range last {
		klog.Infof("final %v", st)
	}
	klog.Infof("weights saved to %s", s.FinalPath())
	return nil
}

func writePlot(path string, curves *solver.Curves) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create plot file")
	}
	if err := curves.Render(f, 1024, 400); err != nil {
		_ = f.Close()
		return err
	}
	klog.Infof("loss plot written to %s", path)
	return f.Close()
}

// testNet builds the network of an architecture on the device named by the
// test block ("GPU", default 0) and loads the weights.
func testNet(ctx context.Context, backend, archPath string, weights []string, phase nn.Phase) (n *net.Net, closeAll func(), err error) {
	desc, err := config.Load(archPath)
	if err != nil {
		return nil, nil, err
	}
	id := config.GetOr(desc.Test, "GPU", 0)
	devices, err := device.Open(backend, []int{id})
	if err != nil {
		return nil, nil, err
	}
	closeAll = func() {
		if n != nil {
			if err := n.Close(); err != nil {
				klog.Warningf("failed to close net: %v", err)
			}
		}
		device.CloseAll(devices)
	}
	n = net.Build(desc.Layers, nn.NewContext(devices[0], uint64(config.GetOr(desc.Test, "seed", 1))))
	n.Malloc(phase)
	for _, path := range weights {
		if _, err = n.LoadWeights(ctx, path); err != nil {
			closeAll()
			return nil, nil, err
		}
	}
	return n, closeAll, nil
}

func runTest(ctx context.Context, args []string) error {
	fs := newFlags("test")
	backend := fs.String("backend", device.BackendHost, "Device backend: host or webgpu.")
	itersPerSave := fs.Int("iters_per_save", 0, "Start a new dump file every this many iterations, 0 for one file.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		fs.Usage()
		return errors.New("test needs an architecture and weights")
	}
	names, files, err := parseDumps(fs.Args()[2:])
	if err != nil {
		return err
	}

	n, closeAll, err := testNet(ctx, *backend, fs.Arg(0), []string{fs.Arg(1)}, nn.Testing)
	if err != nil {
		return err
	}
	defer closeAll()
	results, err := n.Test(ctx, names, files, *itersPerSave)
	if err != nil {
		return err
	}
	for i, l := range n.Losses() {
		if l.Phase().Runs(nn.Testing) {
			fmt.Printf("%s: %g\n", l.Name(), results[i])
		}
	}
	return nil
}

// parseDumps splits "response=file" arguments.
func parseDumps(args []string) (names, files []string, err error) {
	for _, arg := range args {
		name, file, ok := strings.Cut(arg, "=")
		if !ok || name == "" || file == "" {
			return nil, nil, errors.Errorf("dump %q must be response=file", arg)
		}
		names = append(names, name)
		files = append(files, file)
	}
	return names, files, nil
}

func runActivations(ctx context.Context, args []string) error {
	fs := newFlags("activations")
	backend := fs.String("backend", device.BackendHost, "Device backend: host or webgpu.")
	k := fs.Int("k", 100, "Number of strongest activations kept per channel.")
	maxIter := fs.Int("max_iter", 0, "Maximum forward passes, 0 for one epoch.")
	prefix := fs.String("prefix", "", "Prefix of the output files.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 4 {
		fs.Usage()
		return errors.New("activations needs an architecture, weights, a data response and responses")
	}
	names, channels, err := parseChannels(fs.Args()[3:])
	if err != nil {
		return err
	}

	n, closeAll, err := testNet(ctx, *backend, fs.Arg(0), []string{fs.Arg(1)}, nn.Training)
	if err != nil {
		return err
	}
	defer closeAll()
	for i, name := range names {
		if channels[i] != nil {
			continue
		}
		r := n.Response(name)
		if r == nil {
			return errors.Errorf("unknown response %q", name)
		}
		for c := range r.Shape()[1] {
			channels[i] = append(channels[i], c)
		}
	}
	if *maxIter <= 0 {
		*maxIter = math.MaxInt
	}
	return n.TopActivations(ctx, fs.Arg(2), names, channels, *prefix, *k, *maxIter)
}

// parseChannels splits "response:c,c..." arguments. A response without a
// channel list selects all of its channels, reported as nil.
func parseChannels(args []string) (names []string, channels [][]int, err error) {
	for _, arg := range args {
		name, list, hasList := strings.Cut(arg, ":")
		if name == "" {
			return nil, nil, errors.Errorf("empty response name in %q", arg)
		}
		var cs []int
		if hasList {
			for _, field := range strings.Split(list, ",") {
				c, err := strconv.Atoi(strings.TrimSpace(field))
				if err != nil {
					return nil, nil, errors.Wrapf(err, "bad channel in %q", arg)
				}
				cs = append(cs, c)
			}
		}
		names = append(names, name)
		channels = append(channels, cs)
	}
	return names, channels, nil
}

func runInspect(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("inspect needs at least one file")
	}
	for _, path := range args {
		if err := inspect(ctx, os.Stdout, path); err != nil {
			return err
		}
	}
	return nil
}

// inspect lists the records of a file with their shapes and sizes.
func inspect(ctx context.Context, w io.Writer, path string) error {
	headers, err := serialization.ReadHeaders(ctx, path)
	if err != nil {
		return err
	}
	table := newTable(w, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right).
		Headers("Name", "Kind", "Shape", "Elements", "Size")
	var total int64
	for _, h := range headers {
		total += h.PayloadSize()
		table.Row(h.Name, h.Kind().String(), h.Dims.String(),
			humanize.Comma(int64(h.Dims.NumElements())), humanize.Bytes(uint64(h.PayloadSize())))
	}
	table.Row(fmt.Sprintf("%d records", len(headers)), "", "", "", humanize.Bytes(uint64(total)))
	_, err = fmt.Fprintf(w, "%s\n%s\n", path, table.Render())
	return err
}
