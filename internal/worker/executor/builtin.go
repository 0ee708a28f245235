package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"fleet/pkg/model"
)

const (
	TypePrime  = "prime_calculation"
	TypeHash   = "hash_computation"
	TypeMatrix = "matrix_multiplication"

	maxPrimeRange  = 10_000_000
	maxIterations  = 10_000_000
	maxMatrixSize  = 512
	checkCtxStride = 4096
)

// RegisterBuiltins adds the CPU-bound task types every agent supports.
func RegisterBuiltins(s *Set) {
	s.Register(TypePrime, ExecutorFunc(primeCalculation))
	s.Register(TypeHash, ExecutorFunc(hashComputation))
	s.Register(TypeMatrix, ExecutorFunc(matrixMultiplication))
}

type primeArgs struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type primeResult struct {
	Start   int `json:"start"`
	End     int `json:"end"`
	Count   int `json:"count"`
	Largest int `json:"largest,omitempty"`
}

// primeCalculation counts the primes in [start, end] with a sieve.
func primeCalculation(ctx context.Context, task *model.TaskAssignment) (json.RawMessage, error) {
	args := primeArgs{Start: 1, End: 10000}
	if err := decode(task, &args); err != nil {
		return nil, err
	}
	if args.Start < 0 || args.End < args.Start {
		return nil, fmt.Errorf("invalid range [%d, %d]", args.Start, args.End)
	}
	if args.End-args.Start > maxPrimeRange || args.End > maxPrimeRange {
		return nil, fmt.Errorf("range [%d, %d] exceeds %d", args.Start, args.End, maxPrimeRange)
	}

	composite := make([]bool, args.End+1)
	res := primeResult{Start: args.Start, End: args.End}
	for i := 2; i <= args.End; i++ {
		if i%checkCtxStride == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if composite[i] {
			continue
		}
		if i >= args.Start {
			res.Count++
			res.Largest = i
		}
		for j := i * i; j <= args.End; j += i {
			composite[j] = true
		}
	}
	return json.Marshal(res)
}

type hashArgs struct {
	Data       string `json:"data"`
	Iterations int    `json:"iterations"`
}

type hashResult struct {
	Hash       string `json:"hash"`
	Iterations int    `json:"iterations"`
}

// hashComputation applies SHA-256 iteratively to data.
func hashComputation(ctx context.Context, task *model.TaskAssignment) (json.RawMessage, error) {
	args := hashArgs{Data: task.TaskID, Iterations: 1000}
	if err := decode(task, &args); err != nil {
		return nil, err
	}
	if args.Iterations <= 0 || args.Iterations > maxIterations {
		return nil, fmt.Errorf("iterations must be in (0, %d]", maxIterations)
	}

	sum := sha256.Sum256([]byte(args.Data))
	for i := 1; i < args.Iterations; i++ {
		if i%checkCtxStride == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		sum = sha256.Sum256(sum[:])
	}
	return json.Marshal(hashResult{Hash: hex.EncodeToString(sum[:]), Iterations: args.Iterations})
}

type matrixArgs struct {
	Size int `json:"size"`
}

type matrixResult struct {
	Size     int   `json:"size"`
	Trace    int64 `json:"trace"`
	Checksum int64 `json:"checksum"`
}

// matrixMultiplication multiplies two deterministic size×size matrices and
// reports the trace and element sum of the product.
func matrixMultiplication(ctx context.Context, task *model.TaskAssignment) (json.RawMessage, error) {
	args := matrixArgs{Size: 100}
	if err := decode(task, &args); err != nil {
		return nil, err
	}
	n := args.Size
	if n <= 0 || n > maxMatrixSize {
		return nil, fmt.Errorf("size must be in (0, %d]", maxMatrixSize)
	}

	a := make([]int64, n*n)
	b := make([]int64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a[i*n+j] = int64((i + j) % 10)
			b[i*n+j] = int64((i * j) % 10)
		}
	}

	res := matrixResult{Size: n}
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for j := 0; j < n; j++ {
			var c int64
			for k := 0; k < n; k++ {
				c += a[i*n+k] * b[k*n+j]
			}
			res.Checksum += c
			if i == j {
				res.Trace += c
			}
		}
	}
	return json.Marshal(res)
}
