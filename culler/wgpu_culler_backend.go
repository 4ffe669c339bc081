package culler

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/Carmen-Shannon/oxy-cull/culler/hiz"
	"github.com/Carmen-Shannon/oxy-cull/culler/query"
	"github.com/Carmen-Shannon/oxy-cull/culler/readback"
	"github.com/cogentcore/webgpu/wgpu"
)

// queryWorkgroupSize must match @workgroup_size in assets/occlusion_query.wgsl.
const queryWorkgroupSize = 64

// hizWorkgroupDim must match @workgroup_size in assets/hiz_reduce.wgsl.
const hizWorkgroupDim = 8

// gpuSlot holds the per-slot GPU resources of the rotating result pool. The
// slot targeted by in-flight GPU work is never read by the CPU and a mapped
// slot is never resubmitted — the manager's state machine enforces that
// discipline, so no locking is needed around the buffers themselves.
type gpuSlot struct {
	candidateBuffer *wgpu.Buffer // storage: GPUCandidate records
	paramsBuffer    *wgpu.Buffer // uniform: GPUQueryParams
	resultBuffer    *wgpu.Buffer // storage: per-candidate result scalars, GPU-written
	readbackBuffer  *wgpu.Buffer // MapRead copy target for resultBuffer
	capacity        uint32       // candidate capacity of the buffers
	count           uint32       // candidates in the slot's current batch

	mapRequested bool
	mapped       bool
	mapErr       error
}

// wgpuCullerBackend is the WebGPU implementation of GPUBackend.
type wgpuCullerBackend struct {
	mu     *sync.Mutex
	device *wgpu.Device
	queue  *wgpu.Queue

	width  uint32
	height uint32

	hizTexture  *wgpu.Texture
	hizMipViews []*wgpu.TextureView // one single-mip view per level, for reduction passes
	hizFullView *wgpu.TextureView   // all-mips view sampled by the query kernel

	reducePipeline *wgpu.ComputePipeline
	queryPipeline  *wgpu.ComputePipeline

	// Frame-staged batch data, uploaded by the next Submit.
	stagedCandidates []byte
	stagedParams     []byte
	stagedCount      uint32

	slots []gpuSlot
}

// Ensure wgpuCullerBackend implements GPUBackend.
var _ GPUBackend = &wgpuCullerBackend{}

// NewWGPUBackend creates a GPUBackend on the given device and queue. The
// compute pipelines are compiled once here; Hi-Z textures and slot buffers
// are created lazily by ConfigureTarget.
//
// Parameters:
//   - device: the WebGPU device
//   - queue: the device's queue
//   - slotCount: number of buffered result slots (use the manager's buffer depth)
//
// Returns:
//   - GPUBackend: the newly created backend
//   - error: an error if shader compilation or pipeline creation fails
func NewWGPUBackend(device *wgpu.Device, queue *wgpu.Queue, slotCount int) (GPUBackend, error) {
	if device == nil || queue == nil {
		return nil, errors.New("culler: wgpu backend requires a device and queue")
	}
	if slotCount < 1 {
		slotCount = readback.DefaultBufferDepth
	}

	b := &wgpuCullerBackend{
		mu:     &sync.Mutex{},
		device: device,
		queue:  queue,
		slots:  make([]gpuSlot, slotCount),
	}

	reduceModule, err := device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label: "Hi-Z Reduce",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{
			Code: hiz.GPUReduceSource,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("culler: failed to compile Hi-Z reduce shader: %w", err)
	}
	b.reducePipeline, err = device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: "Hi-Z Reduce Pipeline",
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     reduceModule,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("culler: failed to create Hi-Z reduce pipeline: %w", err)
	}

	queryModule, err := device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label: "Occlusion Query",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{
			Code: hiz.GPUQuerySource,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("culler: failed to compile occlusion query shader: %w", err)
	}
	b.queryPipeline, err = device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: "Occlusion Query Pipeline",
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     queryModule,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("culler: failed to create occlusion query pipeline: %w", err)
	}

	return b, nil
}

func (b *wgpuCullerBackend) ConfigureTarget(width, height uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if width <= 1 || height <= 1 {
		return fmt.Errorf("culler: degenerate target %dx%d", width, height)
	}

	b.releaseTargetLocked()
	b.width = width
	b.height = height

	mips := hiz.MipCount(width, height)

	var err error
	b.hizTexture, err = b.device.CreateTexture(&wgpu.TextureDescriptor{
		Label:         "Hi-Z Texture",
		Size:          wgpu.Extent3D{Width: width, Height: height, DepthOrArrayLayers: 1},
		MipLevelCount: uint32(mips),
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Format:        wgpu.TextureFormatR32Float,
		Usage:         wgpu.TextureUsageTextureBinding | wgpu.TextureUsageStorageBinding | wgpu.TextureUsageCopySrc,
	})
	if err != nil {
		return fmt.Errorf("culler: failed to create Hi-Z texture: %w", err)
	}

	b.hizMipViews = make([]*wgpu.TextureView, mips)
	for i := 0; i < mips; i++ {
		b.hizMipViews[i], err = b.hizTexture.CreateView(&wgpu.TextureViewDescriptor{
			Label:           fmt.Sprintf("Hi-Z Mip %d", i),
			Format:          wgpu.TextureFormatR32Float,
			Dimension:       wgpu.TextureViewDimension2D,
			BaseMipLevel:    uint32(i),
			MipLevelCount:   1,
			BaseArrayLayer:  0,
			ArrayLayerCount: 1,
		})
		if err != nil {
			return fmt.Errorf("culler: failed to create Hi-Z mip view %d: %w", i, err)
		}
	}

	b.hizFullView, err = b.hizTexture.CreateView(&wgpu.TextureViewDescriptor{
		Label:           "Hi-Z Full Chain",
		Format:          wgpu.TextureFormatR32Float,
		Dimension:       wgpu.TextureViewDimension2D,
		BaseMipLevel:    0,
		MipLevelCount:   uint32(mips),
		BaseArrayLayer:  0,
		ArrayLayerCount: 1,
	})
	if err != nil {
		return fmt.Errorf("culler: failed to create Hi-Z chain view: %w", err)
	}

	return nil
}

func (b *wgpuCullerBackend) EncodeHiZ(depthView *wgpu.TextureView) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hizTexture == nil {
		return errors.New("culler: EncodeHiZ before ConfigureTarget")
	}

	encoder, err := b.device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("culler: failed to create Hi-Z encoder: %w", err)
	}

	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(b.reducePipeline)
	bgl := b.reducePipeline.GetBindGroupLayout(0)

	// Pass 0 copies/reduces the pre-pass depth into mip 0; each further pass
	// reduces mip i into mip i+1.
	srcView := depthView
	w, h := b.width, b.height
	for i := 0; i < len(b.hizMipViews); i++ {
		bg, bgErr := b.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Label:  fmt.Sprintf("Hi-Z Pass %d", i),
			Layout: bgl,
			Entries: []wgpu.BindGroupEntry{
				{Binding: 0, TextureView: srcView},
				{Binding: 1, TextureView: b.hizMipViews[i]},
			},
		})
		if bgErr != nil {
			pass.End()
			return fmt.Errorf("culler: failed to create Hi-Z bind group %d: %w", i, bgErr)
		}
		pass.SetBindGroup(0, bg, nil)
		pass.DispatchWorkgroups((w+hizWorkgroupDim-1)/hizWorkgroupDim, (h+hizWorkgroupDim-1)/hizWorkgroupDim, 1)

		srcView = b.hizMipViews[i]
		w = max((w+1)/2, 1)
		h = max((h+1)/2, 1)
	}
	pass.End()

	commandBuffer, err := encoder.Finish(nil)
	if err != nil {
		return fmt.Errorf("culler: failed to finish Hi-Z encoder: %w", err)
	}
	b.queue.Submit(commandBuffer)
	return nil
}

func (b *wgpuCullerBackend) StageCandidates(candidates []query.Candidate, params *hiz.GPUQueryParams) {
	b.mu.Lock()
	defer b.mu.Unlock()

	staged := make([]byte, 0, len(candidates)*32)
	for i := range candidates {
		rec := hiz.GPUCandidate{
			Min: candidates[i].Box.Min,
			ID:  uint32(candidates[i].ID),
			Max: candidates[i].Box.Max,
		}
		staged = append(staged, rec.Marshal()...)
	}
	b.stagedCandidates = staged
	b.stagedParams = params.Marshal()
	b.stagedCount = uint32(len(candidates))
}

func (b *wgpuCullerBackend) Submit(slot int, _ readback.QueryBatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hizFullView == nil {
		return errors.New("culler: Submit before ConfigureTarget")
	}
	if b.stagedCount == 0 {
		return errors.New("culler: Submit with no staged candidates")
	}

	s := &b.slots[slot]
	if err := b.ensureSlotCapacityLocked(s, b.stagedCount); err != nil {
		return err
	}
	s.count = b.stagedCount
	s.mapRequested = false
	s.mapped = false
	s.mapErr = nil

	b.queue.WriteBuffer(s.candidateBuffer, 0, b.stagedCandidates)
	b.queue.WriteBuffer(s.paramsBuffer, 0, b.stagedParams)

	encoder, err := b.device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("culler: failed to create query encoder: %w", err)
	}

	bg, err := b.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  fmt.Sprintf("Occlusion Query Slot %d", slot),
		Layout: b.queryPipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: s.paramsBuffer, Offset: 0, Size: wgpu.WholeSize},
			{Binding: 1, Buffer: s.candidateBuffer, Offset: 0, Size: wgpu.WholeSize},
			{Binding: 2, Buffer: s.resultBuffer, Offset: 0, Size: wgpu.WholeSize},
			{Binding: 3, TextureView: b.hizFullView},
		},
	})
	if err != nil {
		return fmt.Errorf("culler: failed to create query bind group: %w", err)
	}

	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(b.queryPipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.DispatchWorkgroups((s.count+queryWorkgroupSize-1)/queryWorkgroupSize, 1, 1)
	pass.End()

	encoder.CopyBufferToBuffer(s.resultBuffer, 0, s.readbackBuffer, 0, uint64(s.count)*4)

	commandBuffer, err := encoder.Finish(nil)
	if err != nil {
		return fmt.Errorf("culler: failed to finish query encoder: %w", err)
	}
	b.queue.Submit(commandBuffer)
	return nil
}

func (b *wgpuCullerBackend) Poll(slot int) (bool, []float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &b.slots[slot]
	if s.readbackBuffer == nil || s.count == 0 {
		return false, nil, fmt.Errorf("culler: poll of slot %d with no submitted work", slot)
	}

	if !s.mapRequested {
		s.mapRequested = true
		size := uint64(s.count) * 4
		s.readbackBuffer.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
			if status == wgpu.BufferMapAsyncStatusSuccess {
				s.mapped = true
			} else {
				s.mapErr = fmt.Errorf("culler: result map failed for slot %d: status %d", slot, status)
			}
		})
	}

	// Non-blocking device poll drives the map callback; never wait here.
	b.device.Poll(false, nil)

	if s.mapErr != nil {
		err := s.mapErr
		s.mapRequested = false
		s.mapErr = nil
		return false, nil, err
	}
	if !s.mapped {
		return false, nil, nil
	}

	size := uint64(s.count) * 4
	data := s.readbackBuffer.GetMappedRange(0, uint(size))
	results := make([]float32, s.count)
	for i := uint32(0); i < s.count; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		results[i] = math.Float32frombits(bits)
	}
	s.readbackBuffer.Unmap()
	s.mapped = false
	s.mapRequested = false
	s.count = 0

	return true, results, nil
}

// ensureSlotCapacityLocked creates or grows a slot's GPU buffers to hold the
// given candidate count. Buffers are only ever grown; steady-state frames
// reuse them without reallocation.
func (b *wgpuCullerBackend) ensureSlotCapacityLocked(s *gpuSlot, count uint32) error {
	if s.capacity >= count && s.candidateBuffer != nil {
		return nil
	}

	s.releaseBuffers()

	var err error
	s.candidateBuffer, err = b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "Occlusion Candidates",
		Size:  uint64(count) * 32,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("culler: failed to create candidate buffer: %w", err)
	}

	s.paramsBuffer, err = b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "Occlusion Query Params",
		Size:  96,
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("culler: failed to create params buffer: %w", err)
	}

	s.resultBuffer, err = b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "Occlusion Results",
		Size:  uint64(count) * 4,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return fmt.Errorf("culler: failed to create result buffer: %w", err)
	}

	s.readbackBuffer, err = b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "Occlusion Readback",
		Size:  uint64(count) * 4,
		Usage: wgpu.BufferUsageCopyDst | wgpu.BufferUsageMapRead,
	})
	if err != nil {
		return fmt.Errorf("culler: failed to create readback buffer: %w", err)
	}

	s.capacity = count
	return nil
}

func (b *wgpuCullerBackend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.releaseTargetLocked()
	for i := range b.slots {
		b.slots[i].releaseBuffers()
	}
	if b.reducePipeline != nil {
		b.reducePipeline.Release()
		b.reducePipeline = nil
	}
	if b.queryPipeline != nil {
		b.queryPipeline.Release()
		b.queryPipeline = nil
	}
}

// releaseTargetLocked frees the Hi-Z texture chain. Slot buffers survive a
// resize; pending readbacks against the old chain are discarded upstream by
// the generation check.
func (b *wgpuCullerBackend) releaseTargetLocked() {
	for _, v := range b.hizMipViews {
		if v != nil {
			v.Release()
		}
	}
	b.hizMipViews = nil
	if b.hizFullView != nil {
		b.hizFullView.Release()
		b.hizFullView = nil
	}
	if b.hizTexture != nil {
		b.hizTexture.Release()
		b.hizTexture = nil
	}
}

// releaseBuffers frees a slot's GPU buffers.
func (s *gpuSlot) releaseBuffers() {
	if s.candidateBuffer != nil {
		s.candidateBuffer.Release()
		s.candidateBuffer = nil
	}
	if s.paramsBuffer != nil {
		s.paramsBuffer.Release()
		s.paramsBuffer = nil
	}
	if s.resultBuffer != nil {
		s.resultBuffer.Release()
		s.resultBuffer = nil
	}
	if s.readbackBuffer != nil {
		s.readbackBuffer.Release()
		s.readbackBuffer = nil
	}
	s.capacity = 0
	s.count = 0
}
