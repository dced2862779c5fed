package runner

import (
	"context"
	"fmt"

	"github.com/sovereign-ubl/ubl/pkg/sandbox"
	"lukechampine.com/blake3"
)

// WasmLoader resolves a job's job_type to the WASM module bytes the
// sandbox should execute; left abstract since module resolution (artifact
// store, registry, OCI pull) is deployment-specific.
type WasmLoader interface {
	Load(ctx context.Context, jobType string) ([]byte, error)
}

// Executor runs one Job to completion under the sandbox and produces a
// Receipt, the sole external-effect boundary in the kernel's control flow
// (spec §2).
type Executor struct {
	sandbox *sandbox.Sandbox
	loader  WasmLoader
}

func NewExecutor(sb *sandbox.Sandbox, loader WasmLoader) *Executor {
	return &Executor{sandbox: sb, loader: loader}
}

// Execute runs j, hashing stdout and stderr into the returned Receipt and
// recording stdout as its one artifact. A load, encode or sandbox error
// still produces a Receipt (marked Failure), returned together with the
// error, so the caller can commit the receipt as a new atom either way
// (spec §4.10).
func (e *Executor) Execute(ctx context.Context, j *Job, executionID string, startedAtNS int64, nowNS func() int64) (*Receipt, error) {
	receipt := NewReceipt(j.ContainerID, j.TriggerLinkHash, executionID, startedAtNS)

	wasmBytes, err := e.loader.Load(ctx, j.JobType)
	if err != nil {
		receipt.MarkFailed(nowNS())
		return receipt, fmt.Errorf("runner: load module for %s: %w", j.JobType, err)
	}

	input, err := encodePayload(j.Payload)
	if err != nil {
		receipt.MarkFailed(nowNS())
		return receipt, fmt.Errorf("runner: encode payload: %w", err)
	}

	result, err := e.sandbox.Run(ctx, wasmBytes, input)
	if err != nil {
		receipt.MarkFailed(nowNS())
		return receipt, &Error{Code: ExecutionFailed, Reason: err.Error()}
	}

	receipt.SetStdoutHash(contentHash(result.Stdout))
	receipt.SetStderrHash(contentHash(result.Stderr))
	receipt.AddArtifact(Artifact{
		ArtifactID:   executionID + ":stdout",
		ArtifactType: "stdout",
		Size:         int64(len(result.Stdout)),
		ContentHash:  contentHash(result.Stdout),
	})
	receipt.Finish(nowNS())
	return receipt, nil
}

func contentHash(b []byte) string {
	sum := blake3.Sum256(b)
	return fmt.Sprintf("%x", sum[:])
}

func encodePayload(payload map[string]any) ([]byte, error) {
	// Deterministic key order matters for reproducible input hashing;
	// reuse the canonicalization rules C1 already defines rather than a
	// second bespoke encoder.
	return canonicalizePayload(payload)
}
