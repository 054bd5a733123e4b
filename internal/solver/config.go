package solver

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/born-ml/gradnet/internal/config"
	"github.com/born-ml/gradnet/internal/optim"
)

// Config holds the "train" block of an architecture description.
type Config struct {
	Update   optim.Config
	Schedule optim.Schedule

	TrainIter    int // Forward/backward passes per iteration (default: 1)
	MaxIter      int // Last iteration (default: 10000)
	SnapshotIter int // Snapshot period (default: 5000)
	DisplayIter  int // Logging period (default: 100)
	TestIter     int // Forward passes per test (default: 100)
	TestInterval int // Test period, 0 disables testing (default: 500)
	Debug        bool

	// GPU lists the replica devices; GPUSolver is the device holding the
	// update history, -1 meaning GPU[0].
	GPU       []int
	GPUSolver int

	// Path is the prefix of snapshots and of the final weights.
	Path string
	Seed uint64
}

// NewConfig reads a train block, applying the defaults.
func NewConfig(node *config.Node) (cfg Config, err error) {
	err = exceptions.TryCatch[error](func() { cfg = newConfig(node) })
	return
}

func newConfig(node *config.Node) Config {
	if !node.Has("path") {
		panic(errors.New("train block needs a \"path\""))
	}
	alg, err := optim.ParseAlgorithm(node.StrOr("solver", optim.AlgorithmSGD.String()))
	check(err)
	reg, err := optim.ParseRegularizer(node.StrOr("regularizer", optim.L2.String()))
	check(err)
	policy, err := optim.ParsePolicy(node.StrOr("lr_policy", optim.Inv.String()))
	check(err)

	cfg := Config{
		Update: optim.Config{
			Algorithm:   alg,
			Regularizer: reg,
			Momentum:    float32(node.FloatOr("momentum", 0.9)),
			WeightDecay: float32(node.FloatOr("weight_decay", 0.0005)),
		},
		Schedule: optim.Schedule{
			Policy:    policy,
			Base:      node.FloatOr("base_lr", 0.01),
			Gamma:     node.FloatOr("lr_gamma", 0.0001),
			Power:     node.FloatOr("lr_power", 0.75),
			StepSize:  node.IntOr("lr_stepsize", 100000),
			StepValue: node.IntsOr("lr_stepvalue", nil),
		},
		TrainIter:    node.IntOr("train_iter", 1),
		MaxIter:      node.IntOr("max_iter", 10000),
		SnapshotIter: node.IntOr("snapshot_iter", 5000),
		DisplayIter:  node.IntOr("display_iter", 100),
		TestIter:     node.IntOr("test_iter", 100),
		TestInterval: node.IntOr("test_interval", 500),
		Debug:        node.BoolOr("debug_mode", false),
		GPU:          node.IntsOr("GPU", []int{0}),
		GPUSolver:    node.IntOr("GPU_solver", -1),
		Path:         node.Str("path"),
		Seed:         uint64(node.IntOr("seed", 1)),
	}
	cfg.Schedule.MaxIter = cfg.MaxIter
	switch {
	case len(cfg.GPU) == 0:
		exceptions.Panicf("train block needs at least one GPU")
	case cfg.TrainIter <= 0:
		exceptions.Panicf("train_iter must be positive, got %d", cfg.TrainIter)
	case cfg.TestIter <= 0:
		exceptions.Panicf("test_iter must be positive, got %d", cfg.TestIter)
	case cfg.Schedule.StepSize <= 0:
		exceptions.Panicf("lr_stepsize must be positive, got %d", cfg.Schedule.StepSize)
	}
	if cfg.GPUSolver == -1 {
		cfg.GPUSolver = cfg.GPU[0]
	}
	return cfg
}

func check(err error) {
	if err != nil {
		panic(err)
	}
}
