// Package oracle serves a local CKKS guessing game that leaks decryption noise bit by bit.
package oracle

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/rbright/noiseprobe/internal/wire"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
)

// MaxPosition is the highest bit position a decrypt query may address.
const MaxPosition = 63

// Options configures one Oracle.
type Options struct {
	Rounds int
	Flag   string
	// Choose picks the secret plaintext index (0 or 1) for a round. Nil uses crypto/rand.
	Choose func() (int, error)
	Logger *slog.Logger
}

// Oracle plays the game once per accepted connection.
type Oracle struct {
	engine *Engine
	rounds int
	flag   string
	choose func() (int, error)
	logger *slog.Logger
}

// New builds an Oracle over engine.
func New(engine *Engine, opts Options) *Oracle {
	choose := opts.Choose
	if choose == nil {
		choose = randomChoice
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Oracle{
		engine: engine,
		rounds: opts.Rounds,
		flag:   opts.Flag,
		choose: choose,
		logger: logger,
	}
}

// ServeConn runs rounds until a lost guess, a hangup, or the flag is sent.
func (o *Oracle) ServeConn(ctx context.Context, conn *wire.Conn) error {
	g := &game{engine: o.engine, conn: conn}
	logger := o.logger.With("remote", conn.RemoteAddr().String())

	for round := 1; round <= o.rounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		choice, err := o.choose()
		if err != nil {
			return fmt.Errorf("choose secret: %w", err)
		}
		g.reset(choice)

		if err := conn.Send(wire.NewRound(round)); err != nil {
			return err
		}

		won, err := g.play()
		if err != nil {
			if errors.Is(err, wire.ErrConnectionLost) {
				logger.Info("client left", "round", round)
				return nil
			}
			return fmt.Errorf("round %d: %w", round, err)
		}
		logger.Info("round played", "round", round, "choice", choice, "won", won, "queries", g.queries)
		if !won {
			return nil
		}
	}

	logger.Info("flag released", "rounds", o.rounds)
	return conn.Send(wire.FlagMessage(o.flag))
}

// game is the per-connection ciphertext store for the current round.
type game struct {
	engine  *Engine
	conn    *wire.Conn
	choice  int
	states  map[int]*rlwe.Ciphertext
	nextID  int
	queries int
}

func (g *game) reset(choice int) {
	g.choice = choice
	g.states = make(map[int]*rlwe.Ciphertext)
	g.queries = 0
}

// play answers commands until the client guesses.
func (g *game) play() (bool, error) {
	for {
		cmd, err := g.conn.ReceiveCommand()
		if err != nil {
			if errors.Is(err, wire.ErrMalformed) {
				if err := g.conn.Send(wire.ErrorResponse("%v", err)); err != nil {
					return false, err
				}
				continue
			}
			return false, err
		}
		g.queries++

		if cmd.Command == wire.CommandGuess {
			if cmd.Bit == nil || (*cmd.Bit != 0 && *cmd.Bit != 1) {
				if err := g.conn.Send(wire.ErrorResponse("guess: bit must be 0 or 1")); err != nil {
					return false, err
				}
				continue
			}
			won := *cmd.Bit == g.choice
			result := wire.ResultLose
			if won {
				result = wire.ResultWin
			}
			return won, g.conn.Send(wire.Response{Result: result})
		}

		if err := g.conn.Send(g.handle(cmd)); err != nil {
			return false, err
		}
	}
}

func (g *game) handle(cmd wire.Command) wire.Response {
	switch cmd.Command {
	case wire.CommandEncrypt:
		return g.encrypt(cmd)
	case wire.CommandEval:
		return g.eval(cmd)
	case wire.CommandDecrypt:
		return g.decrypt(cmd)
	default:
		return wire.ErrorResponse("unknown command: %q", cmd.Command)
	}
}

func (g *game) encrypt(cmd wire.Command) wire.Response {
	if cmd.M0 == nil || cmd.M1 == nil {
		return wire.ErrorResponse("encrypt: m0 and m1 are required")
	}
	plaintext := *cmd.M0
	if g.choice == 1 {
		plaintext = *cmd.M1
	}

	ct, err := g.engine.Encrypt(plaintext)
	if err != nil {
		return wire.ErrorResponse("%v", err)
	}
	return g.store(ct)
}

func (g *game) eval(cmd wire.Command) wire.Response {
	operands := make([]*rlwe.Ciphertext, 0, len(cmd.Indices))
	for _, h := range cmd.Indices {
		ct, err := g.lookup(h)
		if err != nil {
			return wire.ErrorResponse("eval: %v", err)
		}
		operands = append(operands, ct)
	}

	var (
		out *rlwe.Ciphertext
		err error
	)
	switch cmd.Function {
	case wire.FunctionSquare:
		if len(operands) != 1 {
			return wire.ErrorResponse("eval: square takes 1 index, got %d", len(operands))
		}
		out, err = g.engine.Square(operands[0])
	case wire.FunctionMul, wire.FunctionAdd:
		if len(operands) != 2 {
			return wire.ErrorResponse("eval: %s takes 2 indices, got %d", cmd.Function, len(operands))
		}
		if cmd.Function == wire.FunctionMul {
			out, err = g.engine.Mul(operands[0], operands[1])
		} else {
			out, err = g.engine.Add(operands[0], operands[1])
		}
	default:
		return wire.ErrorResponse("eval: unknown function %q", cmd.Function)
	}
	if err != nil {
		return wire.ErrorResponse("eval: %v", err)
	}
	return g.store(out)
}

func (g *game) decrypt(cmd wire.Command) wire.Response {
	ct, err := g.lookup(cmd.Index)
	if err != nil {
		return wire.ErrorResponse("decrypt: %v", err)
	}
	if cmd.Position == nil || *cmd.Position < 0 || *cmd.Position > MaxPosition {
		return wire.ErrorResponse("decrypt: position must be in 0..%d", MaxPosition)
	}

	value, err := g.engine.Decrypt(ct)
	if err != nil {
		return wire.ErrorResponse("decrypt: %v", err)
	}
	bit := LeakedBit(value, *cmd.Position)
	return wire.Response{Status: wire.StatusOK, Bit: &bit}
}

func (g *game) store(ct *rlwe.Ciphertext) wire.Response {
	g.nextID++
	g.states[g.nextID] = ct
	return wire.Response{Status: wire.StatusOK, StateIndex: wire.IntHandle(g.nextID)}
}

func (g *game) lookup(h wire.Handle) (*rlwe.Ciphertext, error) {
	id, err := h.Int()
	if err != nil {
		return nil, err
	}
	ct, ok := g.states[id]
	if !ok {
		return nil, fmt.Errorf("unknown state_index %d", id)
	}
	return ct, nil
}

// LeakedBit returns bit position of the rounded magnitude of a decrypted value.
func LeakedBit(value float64, position int) int {
	magnitude := math.Round(math.Abs(value))
	var n uint64
	switch {
	case math.IsNaN(magnitude):
		n = 0
	case magnitude >= math.MaxUint64:
		n = math.MaxUint64
	default:
		n = uint64(magnitude)
	}
	return int((n >> uint(position)) & 1)
}

func randomChoice() (int, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return int(b[0] & 1), nil
}
