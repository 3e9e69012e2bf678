package gpu

import (
	"fmt"
	"math"
	"sync"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/flexsplat/splat"
)

const (
	workgroupSize = 256
	maxWorkgroups = 65535
)

// BasisEvaluator runs the forward sum of the temporal basis on the GPU, one
// invocation per (primitive, channel). It implements splat.BasisBackend.
type BasisEvaluator struct {
	ctx *Context

	mu        sync.Mutex
	pipelines map[basisKey]*basisPipeline
}

type basisKey struct {
	channels   int
	basisCount int
}

type basisPipeline struct {
	pipeline        *wgpu.ComputePipeline
	bindGroupLayout *wgpu.BindGroupLayout
}

var _ splat.BasisBackend = (*BasisEvaluator)(nil)

// NewBasisEvaluator initializes the GPU context. It fails with
// splat.ErrNoGPU when no adapter is available.
func NewBasisEvaluator() (*BasisEvaluator, error) {
	c, err := GetContext()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", splat.ErrNoGPU, err)
	}
	return &BasisEvaluator{ctx: c, pipelines: map[basisKey]*basisPipeline{}}, nil
}

// Name identifies the backend in logs.
func (e *BasisEvaluator) Name() string { return "webgpu" }

// GenerateBasisShader returns the WGSL kernel for a channel and basis count.
// Coefficients are laid out per primitive as (channel, slot, basis) with
// slots weight, center and width.
func GenerateBasisShader(channels, basisCount int) string {
	return fmt.Sprintf(`
		struct Params {
			t: f32,
			lo: u32,
			hi: u32,
			n: u32,
		};

		@group(0) @binding(0) var<storage, read> coefs : array<f32>;
		@group(0) @binding(1) var<storage, read_write> output : array<f32>;
		@group(0) @binding(2) var<uniform> params : Params;

		const C: u32 = %du;
		const B: u32 = %du;
		const EPS: f32 = 1e-6;

		@compute @workgroup_size(%d)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x;
			if (idx >= params.n * C) {
				return;
			}
			let base = idx * 3u * B;

			var sum: f32 = 0.0;
			for (var b: u32 = params.lo; b < params.hi; b++) {
				let w = coefs[base + b];
				let mu = coefs[base + B + b];
				let sigma = coefs[base + 2u * B + b];
				let d = params.t - mu;
				let e = d * d / (sigma * sigma + EPS);
				sum += w * exp(-e * e);
			}
			output[idx] = sum;
		}
	`, channels, basisCount, workgroupSize)
}

func (e *BasisEvaluator) pipelineFor(key basisKey) (*basisPipeline, error) {
	if p, ok := e.pipelines[key]; ok {
		return p, nil
	}
	label := fmt.Sprintf("Basis_C%d_B%d", key.channels, key.basisCount)
	module, err := e.ctx.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: GenerateBasisShader(key.channels, key.basisCount)},
	})
	if err != nil {
		return nil, fmt.Errorf("shader compile: %w", err)
	}
	defer module.Release()

	// Explicit bind group layout, "auto" layouts misbehave under WASM.
	bgl, err := e.ctx.Device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: label + "_BGL",
		Entries: []wgpu.BindGroupLayoutEntry{
			{Binding: 0, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: 1, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage}},
			{Binding: 2, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create bgl: %w", err)
	}
	layout, err := e.ctx.Device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            label + "_Layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{bgl},
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline layout: %w", err)
	}
	pipeline, err := e.ctx.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  label + "_Pipe",
		Layout: layout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline create: %w", err)
	}
	p := &basisPipeline{pipeline: pipeline, bindGroupLayout: bgl}
	e.pipelines[key] = p
	return p, nil
}

// EvaluateBasis sums basis functions [lo,hi) at t for n primitives and
// returns the n*channels deformation values.
func (e *BasisEvaluator) EvaluateBasis(coefs []float32, n, channels, basisCount int, t float32, lo, hi int) ([]float32, error) {
	total := n * channels
	if len(coefs) != total*3*basisCount {
		return nil, fmt.Errorf("coefficient buffer holds %d values, expected %d", len(coefs), total*3*basisCount)
	}
	groups := (total + workgroupSize - 1) / workgroupSize
	if groups > maxWorkgroups {
		return nil, fmt.Errorf("%d primitives exceed a single dispatch", n)
	}
	if total == 0 {
		return []float32{}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.pipelineFor(basisKey{channels, basisCount})
	if err != nil {
		return nil, err
	}

	c := e.ctx
	coefBuf, err := NewFloatBuffer(c, "BasisCoefs", coefs, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	if err != nil {
		return nil, err
	}
	defer coefBuf.Destroy()

	outBuf, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "BasisOut",
		Size:  uint64(total * 4),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create output buffer: %w", err)
	}
	defer outBuf.Destroy()

	params := []uint32{math.Float32bits(t), uint32(lo), uint32(hi), uint32(n)}
	paramBuf, err := NewUintBuffer(c, "BasisParams", params, wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst)
	if err != nil {
		return nil, err
	}
	defer paramBuf.Destroy()

	bindGroup, err := c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "BasisBind",
		Layout: p.bindGroupLayout,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: coefBuf, Size: coefBuf.GetSize()},
			{Binding: 1, Buffer: outBuf, Size: outBuf.GetSize()},
			{Binding: 2, Buffer: paramBuf, Size: paramBuf.GetSize()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create bind group: %w", err)
	}
	defer bindGroup.Release()

	enc, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(p.pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(uint32(groups), 1, 1)
	pass.End()
	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, err
	}
	c.Queue.Submit(cmd)

	return ReadBuffer(c, outBuf, total)
}

// Release frees the cached pipelines.
func (e *BasisEvaluator) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, p := range e.pipelines {
		p.pipeline.Release()
		delete(e.pipelines, k)
	}
}
