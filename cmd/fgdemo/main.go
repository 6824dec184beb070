// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Command fgdemo runs a small compute frame graph. Each frame counts the
// Collatz steps of the numbers 1..n on the compute queue and the result is
// read back once all frames have retired.
//
// Usage:
//
//	fgdemo [-config framegraph.yaml] [-backend software] [-frames 3] [-n 4]
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/gogpu/framegraph"
	"github.com/gogpu/framegraph/backend/software"
	_ "github.com/gogpu/framegraph/backend/wgpu"
	"github.com/gogpu/framegraph/gpucore"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	backendName := flag.String("backend", "software", "device backend (software, wgpu)")
	frames := flag.Int("frames", 3, "number of frames to execute")
	n := flag.Int("n", 4, "number of Collatz inputs")
	verbose := flag.Bool("v", false, "log frame graph activity")
	flag.Parse()

	if *verbose {
		framegraph.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	if *n <= 0 || *frames <= 0 {
		log.Fatalf("-n and -frames must be positive")
	}

	if err := run(*configPath, *backendName, *frames, *n); err != nil {
		log.Fatalf("fgdemo: %v", err)
	}
}

func run(configPath, backendName string, frames, n int) error {
	var opts []framegraph.Option
	if configPath != "" {
		cfg, err := framegraph.LoadConfig(configPath)
		if err != nil {
			return err
		}
		opts = cfg.Options()
	}
	opts = append(opts, framegraph.WithBackend(backendName))

	c, err := framegraph.New(opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Printf("close: %v", err)
		}
	}()
	log.Printf("backend: %s", c.Backend())

	// The simulated device runs host kernels in place of shader code.
	if d, ok := c.Device().(*software.Device); ok {
		d.RegisterKernel("main_cs", collatz)
	}

	ctx := context.Background()
	rm := c.Resources()
	size := uint64(4 * n)

	info := framegraph.BufferInfo{Size: size, Usage: gpucore.BufferUsageStorage, Transfer: framegraph.TransferStream}
	info.Name = "numbers"
	numbers, err := rm.CreateBuffer(info)
	if err != nil {
		return err
	}
	info.Name = "steps"
	steps, err := rm.CreateBuffer(info)
	if err != nil {
		return err
	}
	if err := rm.SetBufferLabel("Numbers", numbers); err != nil {
		return err
	}
	if err := rm.SetBufferLabel("Steps", steps); err != nil {
		return err
	}

	input := make([]byte, 0, size)
	for i := 1; i <= n; i++ {
		input = binary.LittleEndian.AppendUint32(input, uint32(i))
	}
	if err := rm.WriteBuffer(numbers, 0, input); err != nil {
		return err
	}

	err = c.Pipelines().CreateComputePipeline(ctx, "collatz", framegraph.ComputePipelineInfo{
		Compute: framegraph.ShaderStageInfo{
			Shader:     framegraph.SPIRVCode("collatz", []uint32{0x07230203, 0x00010300, 0, 1, 0}),
			EntryPoint: "main_cs",
		},
		PushConstantSize: 8,
	})
	if err != nil {
		return err
	}

	err = c.AddNodes(framegraph.QueueCompute, framegraph.Node{
		Name: "collatz",
		Record: func(r *framegraph.Recorder) error {
			in, err := r.Buffer("Numbers")
			if err != nil {
				return err
			}
			out, err := r.Buffer("Steps")
			if err != nil {
				return err
			}
			if err := r.BindPipeline("collatz"); err != nil {
				return err
			}
			if err := framegraph.PushConstant(r, params{In: in.Index(), Out: out.Index()}); err != nil {
				return err
			}
			return r.Dispatch(uint32(n), 1, 1)
		},
	})
	if err != nil {
		return err
	}
	if _, err := c.AddSubmit(framegraph.QueueCompute, framegraph.SubmitInfo{}); err != nil {
		return err
	}

	for i := range frames {
		if err := c.Execute(ctx); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
	}
	if err := c.WaitIdle(ctx); err != nil {
		return err
	}

	out := make([]byte, size)
	if err := rm.ReadBuffer(steps, 0, out); err != nil {
		return err
	}
	var sb strings.Builder
	for i := range n {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%d", binary.LittleEndian.Uint32(out[4*i:]))
	}
	log.Printf("%d frames, steps for 1..%d: %s", frames, n, sb.String())
	return nil
}

// params is the push constant block of the collatz kernel.
type params struct {
	In, Out uint32
}

func collatz(inv *software.Invocation) error {
	if len(inv.PushConstants) < 8 {
		return fmt.Errorf("push constants: %d bytes", len(inv.PushConstants))
	}
	in, err := inv.StorageBuffer(binary.LittleEndian.Uint32(inv.PushConstants))
	if err != nil {
		return err
	}
	out, err := inv.StorageBuffer(binary.LittleEndian.Uint32(inv.PushConstants[4:]))
	if err != nil {
		return err
	}
	for i := 0; i+4 <= len(in) && i+4 <= len(out); i += 4 {
		v := binary.LittleEndian.Uint32(in[i:])
		var s uint32
		for v > 1 {
			if v%2 == 0 {
				v /= 2
			} else {
				v = 3*v + 1
			}
			s++
		}
		binary.LittleEndian.PutUint32(out[i:], s)
	}
	return nil
}
