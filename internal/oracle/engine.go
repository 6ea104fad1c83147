package oracle

import (
	"fmt"
	"sync"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// EngineParams selects the CKKS ring and modulus chain.
type EngineParams struct {
	LogN            int
	LogQ            []int
	LogP            []int
	LogDefaultScale int
}

// Engine is a CKKS context holding the oracle's secret key.
//
// lattigo encoders and evaluators keep scratch buffers, so every operation
// holds mu.
type Engine struct {
	params ckks.Parameters

	mu        sync.Mutex
	encoder   *ckks.Encoder
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor
	evaluator *ckks.Evaluator
}

// NewParameters instantiates and checks CKKS parameters.
func NewParameters(p EngineParams) (ckks.Parameters, error) {
	params, err := ckks.NewParametersFromLiteral(ckks.ParametersLiteral{
		LogN:            p.LogN,
		LogQ:            p.LogQ,
		LogP:            p.LogP,
		LogDefaultScale: p.LogDefaultScale,
	})
	if err != nil {
		return ckks.Parameters{}, fmt.Errorf("ckks parameters: %w", err)
	}
	return params, nil
}

// NewEngine generates a fresh key set for p.
func NewEngine(p EngineParams) (*Engine, error) {
	params, err := NewParameters(p)
	if err != nil {
		return nil, err
	}

	kgen := rlwe.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPairNew()
	rlk := kgen.GenRelinearizationKeyNew(sk)
	evk := rlwe.NewMemEvaluationKeySet(rlk)

	return &Engine{
		params:    params,
		encoder:   ckks.NewEncoder(params),
		encryptor: rlwe.NewEncryptor(params, pk),
		decryptor: rlwe.NewDecryptor(params, sk),
		evaluator: ckks.NewEvaluator(params, evk),
	}, nil
}

// MaxLevel is the number of rescales a fresh ciphertext can absorb.
func (e *Engine) MaxLevel() int {
	return e.params.MaxLevel()
}

// Encrypt encodes v into every slot and encrypts it at the top level.
func (e *Engine) Encrypt(v float64) (*rlwe.Ciphertext, error) {
	values := make([]float64, e.params.MaxSlots())
	for i := range values {
		values[i] = v
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pt := ckks.NewPlaintext(e.params, e.params.MaxLevel())
	if err := e.encoder.Encode(values, pt); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	ct, err := e.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return ct, nil
}

// Square returns ct*ct, relinearized and rescaled.
func (e *Engine) Square(ct *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	return e.Mul(ct, ct)
}

// Mul returns a*b, relinearized and rescaled.
func (e *Engine) Mul(a, b *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	if a.Level() == 0 || b.Level() == 0 {
		return nil, fmt.Errorf("multiply: ciphertext at level 0 cannot be rescaled")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := e.evaluator.MulRelinNew(a, b)
	if err != nil {
		return nil, fmt.Errorf("multiply: %w", err)
	}
	if err := e.evaluator.Rescale(out, out); err != nil {
		return nil, fmt.Errorf("rescale: %w", err)
	}
	return out, nil
}

// Add returns a+b.
func (e *Engine) Add(a, b *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := e.evaluator.AddNew(a, b)
	if err != nil {
		return nil, fmt.Errorf("add: %w", err)
	}
	return out, nil
}

// Decrypt returns the decoded value of slot 0, including its residual noise.
func (e *Engine) Decrypt(ct *rlwe.Ciphertext) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pt := e.decryptor.DecryptNew(ct)
	values := make([]float64, e.params.MaxSlots())
	if err := e.encoder.Decode(pt, values); err != nil {
		return 0, fmt.Errorf("decode: %w", err)
	}
	return values[0], nil
}
