package net

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/gradnet/internal/config"
	"github.com/born-ml/gradnet/internal/device"
	"github.com/born-ml/gradnet/internal/nn"
	"github.com/born-ml/gradnet/internal/serialization"
	"github.com/born-ml/gradnet/internal/tensor"
)

// gradProbe adds a constant to the gradient of each of its inputs.
type gradProbe struct {
	nn.Base
	grad float32
}

func newGradProbe(node *config.Node) nn.Layer {
	return &gradProbe{
		Base: nn.NewBase(node, nn.TrainingTesting, false),
		grad: float32(node.FloatOr("grad", 1)),
	}
}

func (l *gradProbe) Malloc(*nn.Context, nn.Phase) int {
	bytes := 0
	for _, in := range l.Ins() {
		bytes += in.RequireDiff()
	}
	return bytes
}

func (l *gradProbe) Forward(nn.Phase) {}

func (l *gradProbe) Backward(nn.Phase) {
	for _, in := range l.Ins() {
		d := in.Diff().Float32()
		for i := range d {
			d[i] += l.grad
		}
	}
}

func init() {
	nn.Register("GradProbe", newGradProbe)
}

func writeBuffer(t *testing.T, dir, name string, b *tensor.Buffer) string {
	t.Helper()
	path := filepath.Join(dir, name+serialization.FileExtension)
	require.NoError(t, serialization.WriteFile(context.Background(), path, b))
	return path
}

func arch(layers ...map[string]any) []*config.Node {
	nodes := make([]*config.Node, len(layers))
	for i, attrs := range layers {
		nodes[i] = must.M1(config.NewNode(attrs))
	}
	return nodes
}

func newNet(layers ...map[string]any) *Net {
	return Build(arch(layers...), nn.NewContext(device.NewHost(0), 3))
}

func sequence(n int, f func(i int) float32) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = f(i)
	}
	return v
}

// dataset writes n items of shape item with labels i % classes.
func dataset(t *testing.T, n int, item tensor.Shape, classes int) (dataPath, labelPath string) {
	dir := t.TempDir()
	shape := append(tensor.Shape{n}, item...)
	dataPath = writeBuffer(t, dir, "data", tensor.FromFloat32("data", shape,
		sequence(shape.NumElements(), func(i int) float32 { return float32(i%7) * 0.1 })))
	labelPath = writeBuffer(t, dir, "label", tensor.FromFloat32("label", tensor.Shape{n},
		sequence(n, func(i int) float32 { return float32(i % classes) })))
	return
}

func TestBuildUnknownTypePanics(t *testing.T) {
	assert.Panics(t, func() {
		newNet(map[string]any{"type": "Deconvolution", "name": "up"})
	})
}

func TestBuildSharesResponsesByName(t *testing.T) {
	n := newNet(
		map[string]any{"type": "Activation", "name": "a", "in": []string{"x"}, "out": []string{"y"}},
		map[string]any{"type": "Activation", "name": "b", "in": []string{"y"}, "out": []string{"y"}},
	)
	a, b := n.Layer("a"), n.Layer("b")
	require.NotNil(t, a)
	assert.Same(t, a.Outs()[0], b.Ins()[0])
	assert.Same(t, b.Ins()[0], b.Outs()[0])
	assert.Same(t, n.Response("y"), a.Outs()[0])
	assert.Nil(t, n.Layer("c"))
	assert.Empty(t, n.Losses())
}

func classifier(t *testing.T) *Net {
	dataPath, labelPath := dataset(t, 6, tensor.Shape{2, 4, 4}, 5)
	return newNet(
		map[string]any{"type": "MemoryData", "name": "data", "out": []string{"data", "label"},
			"file_data": dataPath, "file_label": labelPath, "batch_size": 2},
		map[string]any{"type": "Convolution", "name": "conv", "in": []string{"data"}, "out": []string{"conv"},
			"num_output": 3, "window": []int{3, 3}},
		map[string]any{"type": "Pooling", "name": "pool", "in": []string{"conv"}, "out": []string{"pool"},
			"window": []int{2, 2}},
		map[string]any{"type": "InnerProduct", "name": "ip", "in": []string{"pool"}, "out": []string{"ip"},
			"num_output": 5},
		map[string]any{"type": "Softmax", "name": "prob", "in": []string{"ip"}, "out": []string{"prob"}},
		map[string]any{"type": "Loss", "name": "loss", "in": []string{"prob", "label"},
			"mode": "MultinomialLogistic"},
	)
}

func TestShapePropagation(t *testing.T) {
	n := classifier(t)
	defer func() { assert.NoError(t, n.Close()) }()
	assert.Positive(t, n.Malloc(nn.Training))

	assert.Equal(t, tensor.Shape{2, 2, 4, 4}, n.Response("data").Shape())
	assert.Equal(t, tensor.Shape{2, 1, 1, 1}, n.Response("label").Shape())
	assert.Equal(t, tensor.Shape{2, 3, 2, 2}, n.Response("conv").Shape())
	assert.Equal(t, tensor.Shape{2, 3, 1, 1}, n.Response("pool").Shape())
	assert.Equal(t, tensor.Shape{2, 5, 1, 1}, n.Response("ip").Shape())
	assert.Equal(t, []float64{3, 3}, n.Response("conv").ReceptiveField)
	assert.Equal(t, []float64{4, 4}, n.Response("pool").ReceptiveField)

	assert.False(t, n.Response("data").NeedDiff())
	assert.True(t, n.Response("conv").NeedDiff())
	assert.Equal(t, 3*2*3*3+3+5*3+5, n.NumParams())
	require.Len(t, n.Losses(), 1)
}

func TestStepTrainAccumulatesGradients(t *testing.T) {
	n := classifier(t)
	defer func() { _ = n.Close() }()
	n.Malloc(nn.Training)
	n.RandInit()
	n.TrainIter = 2
	n.StepTrain(true)

	loss := n.Losses()[0]
	assert.Positive(t, loss.Loss())
	assert.GreaterOrEqual(t, loss.Result(), 0.0)
	assert.LessOrEqual(t, loss.Result(), 1.0)
	for _, l := range n.Layers() {
		for _, p := range l.Params() {
			assert.Positive(t, absMean(p.Diff().Float32()), p.Name())
		}
	}
	assert.Contains(t, n.DisplayLosses(), "loss: loss = ")

	n.Context().Debug = true
	n.Forward()
	n.Backward()
}

func TestStepTrainWithoutEvalKeepsGradients(t *testing.T) {
	n := classifier(t)
	defer func() { _ = n.Close() }()
	n.Malloc(nn.Training)
	n.RandInit()
	n.StepTrain(true)
	require.Positive(t, n.Losses()[0].Loss())

	n.StepTrain(false)
	assert.Zero(t, n.Losses()[0].Loss())
	assert.Zero(t, n.Losses()[0].Result())
	for _, l := range n.Layers() {
		for _, p := range l.Params() {
			assert.Positive(t, absMean(p.Diff().Float32()), p.Name())
		}
	}
}

func TestUpdateAppliesHistory(t *testing.T) {
	n := classifier(t)
	defer func() { _ = n.Close() }()
	n.Malloc(nn.Training)
	p := n.Layer("ip").Params()[1]
	hist := device.NewHost(0).Alloc(p.NumElements())
	hist.CopyFrom([]float32{1, 2, 3, 4, 5})
	p.SetHist(hist)
	n.Update()
	assert.Equal(t, []float32{-1, -2, -3, -4, -5}, p.Data().Float32())
}

func TestGradientAccumulatesAcrossConsumers(t *testing.T) {
	x := writeBuffer(t, t.TempDir(), "x", tensor.FromFloat32("x", tensor.Shape{1, 3}, []float32{1, 2, 3}))
	n := newNet(
		map[string]any{"type": "Tensor", "name": "x", "out": []string{"x"}, "file_data": []string{x}},
		map[string]any{"type": "GradProbe", "name": "g1", "in": []string{"x"}, "grad": 1.0},
		map[string]any{"type": "GradProbe", "name": "g2", "in": []string{"x"}, "grad": 2.0},
	)
	n.Malloc(nn.Training)
	n.Forward()
	n.Backward()
	assert.Equal(t, []float32{3, 3, 3}, n.Response("x").Diff().Float32())

	// Backward starts from cleared gradients.
	n.Backward()
	assert.Equal(t, []float32{3, 3, 3}, n.Response("x").Diff().Float32())
}

func TestMallocIsIdempotent(t *testing.T) {
	n := classifier(t)
	defer func() { _ = n.Close() }()
	first := n.Malloc(nn.Training)
	assert.Positive(t, first)
	data := n.Response("conv").Data()
	weight := n.Layer("conv").Params()[0].Data()
	assert.Equal(t, 0, n.Malloc(nn.Training))
	assert.Same(t, data, n.Response("conv").Data())
	assert.Same(t, weight, n.Layer("conv").Params()[0].Data())
	assert.Equal(t, int64(first), n.Context().Device.Allocated())
}

func ipNet(t *testing.T, sizes ...int) *Net {
	dataPath, labelPath := dataset(t, 4, tensor.Shape{1, 2}, 2)
	layers := []map[string]any{{"type": "MemoryData", "name": "data", "out": []string{"data", "label"},
		"file_data": dataPath, "file_label": labelPath, "batch_size": 2}}
	in := "data"
	for i, size := range sizes {
		name := "ip" + string(rune('1'+i))
		layers = append(layers, map[string]any{"type": "InnerProduct", "name": name,
			"in": []string{in}, "out": []string{name}, "num_output": size})
		in = name
	}
	n := newNet(layers...)
	n.Malloc(nn.Training)
	n.RandInit()
	return n
}

func TestPartialCheckpointLoad(t *testing.T) {
	ctx := context.Background()
	src := ipNet(t, 3, 2)
	path := filepath.Join(t.TempDir(), "src"+serialization.FileExtension)
	require.NoError(t, src.SaveWeights(ctx, path))

	dst := ipNet(t, 3, 4, 2)
	ip2Before := dst.Layer("ip2").Params()[0].Read().Float32()
	report, err := dst.LoadWeights(ctx, path)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"ip1.weight", "ip1.bias"}, report.Loaded)
	assert.ElementsMatch(t, []string{"ip3.weight", "ip3.bias"}, report.Missing)
	require.Len(t, report.Mismatches, 2)
	assert.Equal(t, "ip2.weight", report.Mismatches[0].Name)
	assert.Equal(t, tensor.Shape{4, 3}, report.Mismatches[0].Want)
	assert.Equal(t, tensor.Shape{2, 3}, report.Mismatches[0].Got)

	assert.Equal(t, src.Layer("ip1").Params()[0].Read().Float32(), dst.Layer("ip1").Params()[0].Read().Float32())
	assert.Equal(t, ip2Before, dst.Layer("ip2").Params()[0].Read().Float32())
}

func TestSetWeightsReportsUnknownEntries(t *testing.T) {
	n := ipNet(t, 3)
	report := n.SetWeights([]*tensor.Buffer{
		tensor.FromFloat32("ghost.weight", tensor.Shape{2}, []float32{1, 2}),
		tensor.FromFloat32("ip1.bias", tensor.Shape{3}, []float32{7, 8, 9}),
		tensor.FromFloat32("ip1.bias_diff", tensor.Shape{3}, []float32{1, 1, 1}),
	})
	assert.Equal(t, []string{"ip1.bias", "ip1.bias_diff"}, report.Loaded)
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, "ghost.weight", report.Mismatches[0].Name)
	assert.Nil(t, report.Mismatches[0].Want)
	assert.Contains(t, report.Mismatches[0].Error(), "matches no parameter")

	bias := n.Layer("ip1").Params()[1]
	assert.Equal(t, []float32{7, 8, 9}, bias.Data().Float32())
	assert.Equal(t, []float32{1, 1, 1}, bias.Diff().Float32())
}

func TestSaveDiffs(t *testing.T) {
	ctx := context.Background()
	n := ipNet(t, 3)
	path := filepath.Join(t.TempDir(), "diffs"+serialization.FileExtension)
	require.NoError(t, n.SaveDiffs(ctx, path))
	headers, err := serialization.ReadHeaders(ctx, path)
	require.NoError(t, err)
	var names []string
	for _, h := range headers {
		names = append(names, h.Name)
	}
	assert.Equal(t, []string{"ip1.weight", "ip1.weight_diff", "ip1.bias", "ip1.bias_diff"}, names)
}

func testingNet(t *testing.T) *Net {
	dataPath, labelPath := dataset(t, 5, tensor.Shape{1, 2}, 2)
	n := newNet(
		map[string]any{"type": "MemoryData", "name": "data", "phase": "Testing", "out": []string{"data", "label"},
			"file_data": dataPath, "file_label": labelPath, "batch_size": 2},
		map[string]any{"type": "InnerProduct", "name": "ip", "in": []string{"data"}, "out": []string{"ip"},
			"num_output": 2},
		map[string]any{"type": "Softmax", "name": "prob", "in": []string{"ip"}, "out": []string{"prob"}},
		map[string]any{"type": "Loss", "name": "loss", "in": []string{"prob", "label"},
			"mode": "MultinomialLogistic"},
	)
	n.Malloc(nn.Testing)
	n.RandInit()
	return n
}

func TestTestRunsOneEpoch(t *testing.T) {
	ctx := context.Background()
	n := testingNet(t)
	path := filepath.Join(t.TempDir(), "ip"+serialization.FileExtension)
	results, err := n.Test(ctx, []string{"ip"}, []string{path}, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.GreaterOrEqual(t, results[0], 0.0)
	assert.LessOrEqual(t, results[0], 1.0)

	dumped, err := serialization.ReadFile(ctx, path, tensor.KindFloat, 0)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{5, 2, 1}, dumped.Shape())
	// The third batch held item 4 and one padding item: only item 4 is kept.
	assert.Equal(t, n.Response("ip").Data().Float32()[:2], dumped.Float32()[8:10])
}

func TestTestSplitsDumps(t *testing.T) {
	ctx := context.Background()
	n := testingNet(t)
	base := filepath.Join(t.TempDir(), "ip")
	_, err := n.Test(ctx, []string{"ip"}, []string{base}, 2)
	require.NoError(t, err)

	first, err := serialization.ReadFile(ctx, base+"_0"+serialization.FileExtension, tensor.KindFloat, 0)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{4, 2, 1}, first.Shape())
	second, err := serialization.ReadFile(ctx, base+"_1"+serialization.FileExtension, tensor.KindFloat, 0)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 2, 1}, second.Shape())
}

func TestTestRequiresDataLayer(t *testing.T) {
	n := newNet(map[string]any{"type": "Activation", "name": "a", "in": []string{"x"}, "out": []string{"y"}})
	_, err := n.Test(context.Background(), nil, nil, 0)
	assert.Error(t, err)
}

func TestStepTestRestoresPhase(t *testing.T) {
	dataPath, labelPath := dataset(t, 4, tensor.Shape{1, 2}, 2)
	n := newNet(
		map[string]any{"type": "MemoryData", "name": "train", "out": []string{"data", "label"},
			"file_data": dataPath, "file_label": labelPath, "batch_size": 2},
		map[string]any{"type": "MemoryData", "name": "test", "phase": "Testing", "out": []string{"data", "label"},
			"file_data": dataPath, "file_label": labelPath, "batch_size": 2},
		map[string]any{"type": "InnerProduct", "name": "ip", "in": []string{"data"}, "out": []string{"ip"},
			"num_output": 2},
		map[string]any{"type": "Softmax", "name": "prob", "in": []string{"ip"}, "out": []string{"prob"}},
		map[string]any{"type": "Loss", "name": "loss", "in": []string{"prob", "label"},
			"mode": "MultinomialLogistic"},
	)
	n.Malloc(nn.Training)
	n.RandInit()
	n.TestIter = 3
	n.StepTest()
	assert.Equal(t, nn.Training, n.Phase())
	assert.Equal(t, 1, n.DataLayer(nn.Testing).Epoch())
	assert.Equal(t, 0, n.DataLayer(nn.Training).Epoch())
	assert.Positive(t, n.Losses()[0].Loss())
}

func TestTopActivations(t *testing.T) {
	ctx := context.Background()
	dataPath, labelPath := dataset(t, 4, tensor.Shape{1, 3, 3}, 2)
	n := newNet(
		map[string]any{"type": "MemoryData", "name": "data", "out": []string{"data", "label"},
			"file_data": dataPath, "file_label": labelPath, "batch_size": 2},
		map[string]any{"type": "Convolution", "name": "conv", "in": []string{"data"}, "out": []string{"conv"},
			"num_output": 2, "window": []int{2, 2}, "bias": false},
	)
	n.Malloc(nn.Training)
	n.Layer("conv").Params()[0].Data().CopyFrom([]float32{1, 0, 0, 0, 0, 0, 0, 1})

	prefix := filepath.Join(t.TempDir(), "top_")
	require.NoError(t, n.TopActivations(ctx, "data", []string{"conv"}, [][]int{{0, 1}}, prefix, 3, 10))

	for _, c := range []string{"0", "1"} {
		crops, err := serialization.ReadAll(ctx, prefix+"conv_"+c+serialization.FileExtension, tensor.KindFloat)
		require.NoError(t, err)
		require.Len(t, crops, 3)
		var prev float32 = 1e9
		for _, crop := range crops {
			assert.Equal(t, tensor.Shape{1, 2, 2}, crop.Shape())
			// Channel 0 copies the top-left value of the window, channel 1 the
			// bottom-right one, so the crops come out strongest first.
			v := crop.Float32()[0]
			if c == "1" {
				v = crop.Float32()[3]
			}
			assert.LessOrEqual(t, v, prev)
			prev = v
		}
	}
	assert.Error(t, n.TopActivations(ctx, "data", []string{"conv"}, [][]int{{2}}, prefix, 3, 10))
}

func TestTopK(t *testing.T) {
	top := &topK{k: 2}
	for i, v := range []float32{1, 5, 3, 0, 4} {
		if top.admits(v) {
			top.add(v, tensor.FromFloat32("", tensor.Shape{1}, []float32{float32(i)}))
		}
	}
	scores, crops := top.sorted()
	assert.Equal(t, []float32{5, 4}, scores)
	assert.Equal(t, []float32{1}, crops[0].Float32())
	assert.Equal(t, []float32{4}, crops[1].Float32())
}

func TestCropInto(t *testing.T) {
	data := sequence(2*1*3*3, func(i int) float32 { return float32(i) })
	crop := tensor.New("", tensor.KindFloat, tensor.Shape{1, 2, 2})
	cropInto(data, tensor.Shape{2, 1, 3, 3}, 1, []int{-1, 1}, crop)
	assert.Equal(t, []float32{0, 0, 10, 11}, crop.Float32())
}
