// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package shader turns shader sources into SPIR-V words.
package shader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/gogpu/naga"
)

// Magic is the first word of every SPIR-V module.
const Magic = 0x07230203

// ErrInvalidSPIRV is returned for binaries that are not SPIR-V.
var ErrInvalidSPIRV = errors.New("shader: invalid SPIR-V")

// Words converts little-endian SPIR-V bytes to words and checks the header.
func Words(spirv []byte) ([]uint32, error) {
	if len(spirv) < 20 || len(spirv)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSPIRV, len(spirv))
	}
	words := make([]uint32, len(spirv)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirv[i*4:])
	}
	if words[0] != Magic {
		return nil, fmt.Errorf("%w: magic %#08x", ErrInvalidSPIRV, words[0])
	}
	return words, nil
}

// LoadSPIRV reads a precompiled SPIR-V file.
func LoadSPIRV(path string) ([]uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("shader: load %s: %w", path, err)
	}
	words, err := Words(data)
	if err != nil {
		return nil, fmt.Errorf("shader: load %s: %w", path, err)
	}
	return words, nil
}

// CompileWGSL compiles WGSL source to SPIR-V with naga.
func CompileWGSL(name, source string) ([]uint32, error) {
	spirv, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("shader: compile %s: %w", name, err)
	}
	words, err := Words(spirv)
	if err != nil {
		return nil, fmt.Errorf("shader: compile %s: %w", name, err)
	}
	return words, nil
}

// LoadWGSL reads and compiles a WGSL file.
func LoadWGSL(path string) ([]uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("shader: load %s: %w", path, err)
	}
	return CompileWGSL(path, string(data))
}

// Build runs an external builder for a shader module directory. The
// directory is appended to command as the last argument; the last non-empty
// line the builder prints is the path of the produced SPIR-V binary.
func Build(ctx context.Context, command []string, dir string) (string, error) {
	if len(command) == 0 {
		return "", errors.New("shader: no builder configured")
	}
	args := append(append([]string(nil), command[1:]...), dir)
	cmd := exec.CommandContext(ctx, command[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("shader: build %s: %w: %s", dir, err, msg)
		}
		return "", fmt.Errorf("shader: build %s: %w", dir, err)
	}

	var last string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if last == "" {
		return "", fmt.Errorf("shader: build %s: builder printed no output path", dir)
	}
	return last, nil
}
