// Package solver trains a network on several device replicas at once.
//
// Every replica is a full Net on its own device. Per iteration each replica
// runs its forward/backward passes concurrently, writing its gradients into
// its slot of a region shared with the other replicas:
//
//	region = [ hist | grad replica 0 | grad replica 1 | ... ]
//
// The SGD step reduces those slots into the history on the solver device,
// and every replica then applies w -= hist, which keeps the weights of all
// replicas identical.
package solver

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/born-ml/gradnet/internal/config"
	"github.com/born-ml/gradnet/internal/device"
	"github.com/born-ml/gradnet/internal/net"
	"github.com/born-ml/gradnet/internal/nn"
	"github.com/born-ml/gradnet/internal/optim"
	"github.com/born-ml/gradnet/internal/parallel"
	"github.com/born-ml/gradnet/internal/serialization"
)

// Solver owns the replicas and the shared update state.
type Solver struct {
	cfg       Config
	nets      []*net.Net
	devices   []device.Device
	solverDev device.Device

	sgd     *optim.SGD
	lr      *optim.LearningRate
	targets []optim.Target
	regions []*device.Memory
	ready   bool

	// Progress receives the progress bar of Train. Nil disables it.
	Progress io.Writer
	// Curves records the displayed and tested losses when set.
	Curves *Curves
}

// LossStat is the loss of one Loss layer averaged across replicas.
type LossStat struct {
	Name   string
	Loss   float64
	Result float64
}

func (s LossStat) String() string {
	return fmt.Sprintf("%s: loss = %g, result = %g", s.Name, s.Loss, s.Result)
}

// New builds one Net per device from desc. The update history lives on
// solverDev.
func New(desc *config.Description, devices []device.Device, solverDev device.Device) (*Solver, error) {
	if desc.Train == nil {
		return nil, errors.New("description has no train block")
	}
	if len(devices) == 0 {
		return nil, errors.New("solver needs at least one device")
	}
	cfg, err := NewConfig(desc.Train)
	if err != nil {
		return nil, err
	}
	sgd, err := optim.NewSGD(cfg.Update)
	if err != nil {
		return nil, err
	}
	s := &Solver{
		cfg:       cfg,
		devices:   devices,
		solverDev: solverDev,
		sgd:       sgd,
		lr:        optim.NewLearningRate(cfg.Schedule),
	}
	err = exceptions.TryCatch[error](func() {
		for _, dev := range devices {
			ctx := nn.NewContext(dev, cfg.Seed)
			ctx.Debug = cfg.Debug
			n := net.Build(desc.Layers, ctx)
			n.TrainIter = cfg.TrainIter
			n.TestIter = cfg.TestIter
			s.nets = append(s.nets, n)
		}
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Config returns the train block settings.
func (s *Solver) Config() Config { return s.cfg }

// Nets returns the replicas.
func (s *Solver) Nets() []*net.Net { return s.nets }

// Malloc sizes every replica for Training and lays out the shared regions:
// one (replicas+1) * numel region per trainable parameter on the solver
// device, the history in slot 0 and the gradient of replica r in slot r+1.
// It panics when two devices cannot reach each other's memory.
func (s *Solver) Malloc() {
	all := append([]device.Device{s.solverDev}, s.devices...)
	if err := device.CheckPeerAccess(all); err != nil {
		panic(errors.WithMessage(err, "solver needs peer access between all devices"))
	}
	for _, n := range s.nets {
		n.Malloc(nn.Training)
	}
	if s.ready {
		return
	}
	s.ready = true

	replicas := len(s.nets)
	shared := 0
	for i, l := range s.nets[0].Layers() {
		if !l.Train() {
			continue
		}
		for j, p := range l.Params() {
			numel := p.NumElements()
			region := s.solverDev.Alloc((replicas + 1) * numel)
			hist := region.Slice(0, numel)
			for r, n := range s.nets {
				rp := n.Layers()[i].Params()[j]
				rp.SetHist(hist)
				rp.SetDiff(region.Slice((r+1)*numel, numel))
			}
			p.ClearHist()
			s.regions = append(s.regions, region)
			s.targets = append(s.targets, optim.Target{
				Weights:   p.Data().Float32(),
				Region:    region.Float32(),
				Replicas:  replicas,
				LRMult:    p.LRMult,
				DecayMult: p.DecayMult,
			})
			shared += region.Bytes()
		}
	}
	klog.Infof("solver: %s parameters in %d regions, %s on %s",
		humanize.Comma(int64(s.nets[0].NumParams())), len(s.regions),
		humanize.Bytes(uint64(shared)), s.solverDev.Name())
}

// RandInit fills the parameters of the first replica and copies them to the
// others.
func (s *Solver) RandInit() {
	s.nets[0].RandInit()
	s.syncWeights()
}

func (s *Solver) syncWeights() {
	first := s.nets[0].Layers()
	for _, n := range s.nets[1:] {
		for i, l := range n.Layers() {
			for j, p := range l.Params() {
				if src := first[i].Params()[j].Data(); src != nil && p.Data() != nil {
					p.Data().CopyFrom(src.Float32())
				}
			}
		}
	}
}

// LoadWeights loads a checkpoint into every replica.
func (s *Solver) LoadWeights(ctx context.Context, path string) (*nn.LoadReport, error) {
	report, err := s.nets[0].LoadWeights(ctx, path)
	if err != nil {
		return nil, err
	}
	s.syncWeights()
	return report, nil
}

// SaveWeights writes the weights of the first replica.
func (s *Solver) SaveWeights(ctx context.Context, path string) error {
	return s.nets[0].SaveWeights(ctx, path)
}

// SnapshotPath returns the file written at iteration iter.
func (s *Solver) SnapshotPath(iter int) string {
	return fmt.Sprintf("%s_snapshot_%d%s", s.cfg.Path, iter, serialization.FileExtension)
}

// FinalPath returns the file written at the end of training.
func (s *Solver) FinalPath() string {
	return s.cfg.Path + serialization.FileExtension
}

// Test runs StepTest on every replica and returns the averaged losses.
func (s *Solver) Test() []LossStat {
	parallel.Each(len(s.nets), func(r int) { s.nets[r].StepTest() })
	return s.average(nn.Testing)
}

func (s *Solver) average(phase nn.Phase) []LossStat {
	var stats []LossStat
	for i, l := range s.nets[0].Losses() {
		if !l.Phase().Runs(phase) {
			continue
		}
		stat := LossStat{Name: l.Name()}
		for _, n := range s.nets {
			stat.Loss += n.Losses()[i].Loss()
			stat.Result += n.Losses()[i].Result()
		}
		stat.Loss /= float64(len(s.nets))
		stat.Result /= float64(len(s.nets))
		stats = append(stats, stat)
	}
	return stats
}

func logStats(prefix string, iter int, stats []LossStat) {
	for _, st := range stats {
		klog.Infof("%s iteration %d: %v", prefix, iter, st)
	}
}

// Train runs iterations begin..max_iter and saves the final weights.
// Training losses are evaluated only on display iterations and at max_iter.
// It returns the most recently evaluated averages.
//
// Cancelling ctx stops the loop at the next iteration boundary; the final
// weights are not written then.
func (s *Solver) Train(ctx context.Context, begin int) (last []LossStat, err error) {
	if !s.ready {
		return nil, errors.New("solver: Train called before Malloc")
	}
	var bar *progressbar.ProgressBar
	if s.Progress != nil && s.cfg.MaxIter >= begin {
		bar = progressbar.NewOptions(s.cfg.MaxIter-begin+1,
			progressbar.OptionSetDescription("training"),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
			progressbar.OptionSetWriter(s.Progress))
		defer func() { _ = bar.Close() }()
	}

	for iter := begin; iter <= s.cfg.MaxIter; iter++ {
		if err = ctx.Err(); err != nil {
			klog.Infof("training stopped at iteration %d", iter)
			return last, err
		}
		if s.cfg.TestInterval > 0 && iter%s.cfg.TestInterval == 0 {
			stats := s.Test()
			logStats("test", iter, stats)
			if s.Curves != nil {
				s.Curves.Add("test", iter, stats)
			}
		}

		display := s.cfg.DisplayIter > 0 && iter%s.cfg.DisplayIter == 0
		eval := display || iter == s.cfg.MaxIter
		err = exceptions.TryCatch[error](func() {
			parallel.Each(len(s.nets), func(r int) { s.nets[r].StepTrain(eval) })
			if eval {
				last = s.average(nn.Training)
			}
			s.update(iter)
		})
		if err != nil {
			return last, errors.WithMessagef(err, "training iteration %d", iter)
		}

		if s.cfg.SnapshotIter > 0 && iter != begin && iter%s.cfg.SnapshotIter == 0 {
			if err = s.SaveWeights(ctx, s.SnapshotPath(iter)); err != nil {
				return last, err
			}
		}
		if display {
			logStats("train", iter, last)
			if s.Curves != nil {
				s.Curves.Add("train", iter, last)
			}
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	return last, s.SaveWeights(ctx, s.FinalPath())
}

// update reduces the replica gradients into the history and steps every
// replica.
func (s *Solver) update(iter int) {
	lr := float32(s.lr.At(iter))
	for _, t := range s.targets {
		s.sgd.Step(lr, t)
	}
	parallel.Each(len(s.nets), func(r int) { s.nets[r].Update() })
}

// Close releases the replicas and the shared regions.
func (s *Solver) Close() error {
	var firstErr error
	for _, n := range s.nets {
		if err := n.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, region := range s.regions {
		region.Free()
	}
	s.regions, s.targets, s.ready = nil, nil, false
	return firstErr
}
