// Package solver plays one round of the noise-distinguishing game against the oracle.
package solver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/rbright/noiseprobe/internal/wire"
	"github.com/sirupsen/logrus"
)

// ErrRoundLost is returned when the oracle rejects a guess.
var ErrRoundLost = errors.New("round lost")

// Caller is the request/reply subset of a wire connection.
type Caller interface {
	Call(wire.Command) (wire.Response, error)
}

// Params are the attack constants for one round.
type Params struct {
	M0        float64
	M1        float64
	Squarings int
	Probes    int
	Threshold int
}

// DefaultParams returns the constants that separate 0 from 100 after two squarings.
func DefaultParams() Params {
	return Params{
		M0:        0.0,
		M1:        100.0,
		Squarings: 2,
		Probes:    40,
		Threshold: 8,
	}
}

// Outcome is the record of one completed round.
type Outcome struct {
	Round   int
	SetBits int
	Probes  int
	Guess   int
	Result  string
}

// Classify guesses the larger plaintext when the set-bit count exceeds threshold.
func Classify(setBits, threshold int) int {
	if setBits > threshold {
		return 1
	}
	return 0
}

// Solver runs rounds over a single connection.
type Solver struct {
	conn   Caller
	params Params
	diag   logrus.FieldLogger
	logger *slog.Logger
}

// New builds a Solver. Nil loggers discard output.
func New(conn Caller, params Params, diag logrus.FieldLogger, logger *slog.Logger) *Solver {
	if diag == nil {
		discard := logrus.New()
		discard.Out = io.Discard
		diag = discard
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Solver{conn: conn, params: params, diag: diag, logger: logger}
}

// SolveRound encrypts, squares, probes, and guesses for one round.
func (s *Solver) SolveRound(round int) (Outcome, error) {
	outcome := Outcome{Round: round, Probes: s.params.Probes}

	resp, err := s.conn.Call(wire.Encrypt(s.params.M0, s.params.M1))
	if err != nil {
		return outcome, err
	}
	handle, err := stateIndex(wire.CommandEncrypt, resp)
	if err != nil {
		return outcome, err
	}

	for i := 0; i < s.params.Squarings; i++ {
		resp, err := s.conn.Call(wire.Eval(wire.FunctionSquare, handle))
		if err != nil {
			return outcome, err
		}
		if handle, err = stateIndex(wire.CommandEval, resp); err != nil {
			return outcome, err
		}
	}

	for position := 0; position < s.params.Probes; position++ {
		resp, err := s.conn.Call(wire.Decrypt(handle, position))
		if err != nil {
			return outcome, err
		}
		if resp.Status != wire.StatusOK {
			continue
		}
		if resp.Bit == nil {
			return outcome, fmt.Errorf("%w: decrypt position %d: ok response without bit", wire.ErrMalformed, position)
		}
		if *resp.Bit == 1 {
			outcome.SetBits++
		}
	}

	outcome.Guess = Classify(outcome.SetBits, s.params.Threshold)
	s.diag.WithFields(logrus.Fields{
		"round":    round,
		"set_bits": outcome.SetBits,
		"probes":   outcome.Probes,
		"guess":    outcome.Guess,
	}).Infof("Round %d: %d/%d bits set -> Guessed %d", round, outcome.SetBits, outcome.Probes, outcome.Guess)

	resp, err = s.conn.Call(wire.Guess(outcome.Guess))
	if err != nil {
		return outcome, err
	}
	if resp.Result == "" {
		return outcome, fmt.Errorf("%w: guess: response without result", wire.ErrMalformed)
	}
	outcome.Result = resp.Result

	s.logger.Info("round finished",
		"round", round,
		"set_bits", outcome.SetBits,
		"probes", outcome.Probes,
		"guess", outcome.Guess,
		"result", outcome.Result,
	)

	if outcome.Result != wire.ResultWin {
		return outcome, fmt.Errorf("%w: round %d (result %q)", ErrRoundLost, round, outcome.Result)
	}
	return outcome, nil
}

func stateIndex(command string, resp wire.Response) (wire.Handle, error) {
	if len(resp.StateIndex) == 0 {
		if resp.Error != "" {
			return nil, fmt.Errorf("%w: %s: response without state_index (%s)", wire.ErrMalformed, command, resp.Error)
		}
		return nil, fmt.Errorf("%w: %s: response without state_index", wire.ErrMalformed, command)
	}
	return resp.StateIndex, nil
}
