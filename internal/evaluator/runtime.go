// Package evaluator implements the sandboxed policy evaluator instance: one
// compiled Wasm module, instantiated once per Worker, invoked synchronously
// and serially.
package evaluator

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// guestRuntime is the minimal byte-slice-in/byte-slice-out contract an
// EvaluatorInstance needs from a compiled, instantiated Wasm guest. A real
// policy module built against the Kubewarden policy SDK exports these
// functions; tests substitute a fake.
type guestRuntime interface {
	// Invoke calls the named exported guest function, passing input as its
	// single argument and returning whatever bytes the guest wrote back.
	Invoke(ctx context.Context, function string, input []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// guestExports names the functions a compliant policy module exports.
const (
	exportValidate         = "validate"
	exportValidateSettings = "validate_settings"
	exportAllocate         = "kubewarden_allocate"
	exportDeallocate       = "kubewarden_deallocate"
)

// wazeroGuest adapts a wazero-compiled, instantiated module to guestRuntime.
// Modules are compiled with WASI preview1 imports wired in, since Kubewarden
// policies built with the Rust or Go policy SDKs target wasi.
type wazeroGuest struct {
	runtime wazero.Runtime
	module  api.Module
}

// newWazeroGuest compiles and instantiates a single Wasm module instance.
// Each Worker calls this once per policy, per spec.md's
// "per-worker evaluator duplication" design note: instantiated modules are
// not assumed thread-safe, so nothing here is shared across goroutines.
func newWazeroGuest(ctx context.Context, wasmBytes []byte) (*wazeroGuest, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	r := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("instantiating wasi imports: %w", err)
	}

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("compiling module: %w", err)
	}

	modCfg := wazero.NewModuleConfig().WithStartFunctions("_initialize")
	mod, err := r.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("instantiating module: %w", err)
	}

	return &wazeroGuest{runtime: r, module: mod}, nil
}

func (g *wazeroGuest) Close(ctx context.Context) error {
	return g.runtime.Close(ctx)
}

// Invoke writes input into guest-allocated memory, calls the named exported
// function with (ptr, len), and decodes the packed (ptr<<32|len) return
// value into a byte slice read back out of guest memory. The host frees
// both buffers via exportDeallocate: the input buffer when Invoke returns,
// the output buffer once it has copied the bytes out.
func (g *wazeroGuest) Invoke(ctx context.Context, function string, input []byte) ([]byte, error) {
	alloc := g.module.ExportedFunction(exportAllocate)
	dealloc := g.module.ExportedFunction(exportDeallocate)
	fn := g.module.ExportedFunction(function)
	if alloc == nil || dealloc == nil || fn == nil {
		return nil, fmt.Errorf("guest module does not export %q (or its alloc/dealloc ABI)", function)
	}

	inPtr, err := g.writeInput(ctx, alloc, input)
	if err != nil {
		return nil, err
	}
	defer g.free(ctx, dealloc, inPtr, uint32(len(input)))

	results, err := fn.Call(ctx, inPtr, uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("calling %q: %w", function, err)
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("%q returned %d values, want 1 packed ptr/len", function, len(results))
	}

	outPtr, outLen := unpackPtrLen(results[0])
	if outLen == 0 {
		return nil, nil
	}

	out, ok := g.module.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("%q returned out-of-bounds memory region", function)
	}
	// Copy out: the guest buffer is about to be freed.
	buf := make([]byte, len(out))
	copy(buf, out)
	g.free(ctx, dealloc, outPtr, outLen)

	return buf, nil
}

func (g *wazeroGuest) writeInput(ctx context.Context, alloc api.Function, input []byte) (uint64, error) {
	if len(input) == 0 {
		return 0, nil
	}
	res, err := alloc.Call(ctx, uint64(len(input)))
	if err != nil {
		return 0, fmt.Errorf("allocating %d bytes in guest: %w", len(input), err)
	}
	ptr := uint32(res[0])
	if !g.module.Memory().Write(ptr, input) {
		return 0, fmt.Errorf("writing %d bytes at guest offset %d out of bounds", len(input), ptr)
	}
	return uint64(ptr), nil
}

func (g *wazeroGuest) free(ctx context.Context, dealloc api.Function, ptr uint64, length uint32) {
	if length == 0 {
		return
	}
	_, _ = dealloc.Call(ctx, ptr, uint64(length))
}

func unpackPtrLen(packed uint64) (uint32, uint32) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], packed)
	ptr := binary.BigEndian.Uint32(buf[0:4])
	length := binary.BigEndian.Uint32(buf[4:8])
	return ptr, length
}
