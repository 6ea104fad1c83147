// Package session drives the oracle conversation from the first line to the flag.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/rbright/noiseprobe/internal/fsm"
	"github.com/rbright/noiseprobe/internal/solver"
	"github.com/rbright/noiseprobe/internal/wire"
	"github.com/sirupsen/logrus"
)

// ErrUnexpectedMessage is returned in strict mode for lines that are neither a round nor a flag.
var ErrUnexpectedMessage = errors.New("unexpected message")

// Conn is the session-facing subset of a wire connection.
type Conn interface {
	Call(wire.Command) (wire.Response, error)
	Receive() (wire.Response, error)
	Close() error
}

// Options configures one Loop.
type Options struct {
	Params solver.Params
	// StrictMessages fails the session on unknown server lines instead of skipping them.
	StrictMessages bool
	// Stdout receives round progress and the flag.
	Stdout io.Writer
	Diag   logrus.FieldLogger
	Logger *slog.Logger
}

// Result is the complete output of one Run.
type Result struct {
	State      fsm.State
	Flag       string
	Rounds     []solver.Outcome
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Loop reads server messages and solves each announced round.
type Loop struct {
	conn    Conn
	opts    Options
	logger  *slog.Logger
	machine *fsm.Machine
}

// New builds a Loop over conn. The caller keeps ownership of conn.
func New(conn Conn, opts Options) *Loop {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Loop{
		conn:    conn,
		opts:    opts,
		logger:  logger,
		machine: fsm.New(fsm.StateWaiting, logger),
	}
}

// State returns the current FSM state.
func (l *Loop) State() fsm.State {
	return l.machine.Current()
}

// Run plays until the flag arrives, the peer hangs up, or an error occurs.
//
// Cancelling ctx closes the connection so a blocked read returns.
func (l *Loop) Run(ctx context.Context) Result {
	result := Result{StartedAt: time.Now()}

	stop := context.AfterFunc(ctx, func() { _ = l.conn.Close() })
	defer stop()

	s := solver.New(l.conn, l.opts.Params, l.opts.Diag, l.logger)

	for {
		msg, err := l.conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return l.fail(ctx, result, ctx.Err())
			}
			if errors.Is(err, wire.ErrConnectionLost) {
				if err := l.machine.Fire(ctx, fsm.EventHangup); err != nil {
					return l.fail(ctx, result, err)
				}
				l.logger.Warn("server closed the connection before sending a flag")
				return l.finish(result)
			}
			return l.fail(ctx, result, err)
		}

		switch {
		case msg.IsNewRound():
			if msg.Round == nil {
				return l.fail(ctx, result, fmt.Errorf("%w: new_round without round", wire.ErrMalformed))
			}
			round := *msg.Round
			if err := l.machine.Fire(ctx, fsm.EventNewRound); err != nil {
				return l.fail(ctx, result, err)
			}

			fmt.Fprintf(l.opts.Stdout, "[*] Round %d... ", round)
			outcome, err := s.SolveRound(round)
			if outcome.Result != "" {
				result.Rounds = append(result.Rounds, outcome)
			}
			if err != nil {
				fmt.Fprintln(l.opts.Stdout)
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				return l.fail(ctx, result, fmt.Errorf("round %d: %w", round, err))
			}
			fmt.Fprintln(l.opts.Stdout, outcome.Result)

			if err := l.machine.Fire(ctx, fsm.EventRoundWon); err != nil {
				return l.fail(ctx, result, err)
			}
		case msg.HasFlag():
			if err := l.machine.Fire(ctx, fsm.EventFlag); err != nil {
				return l.fail(ctx, result, err)
			}
			result.Flag = *msg.Flag
			fmt.Fprintf(l.opts.Stdout, "\n[!!!] FLAG: %s\n", result.Flag)
			return l.finish(result)
		default:
			if l.opts.StrictMessages {
				return l.fail(ctx, result, fmt.Errorf("%w (status %q)", ErrUnexpectedMessage, msg.Status))
			}
			l.logger.Warn("ignoring unexpected message", "status", msg.Status, "error", msg.Error)
		}
	}
}

// fail records err and moves the machine to failed. The transition ignores
// ctx cancellation so a cancelled session still ends in a terminal state.
func (l *Loop) fail(ctx context.Context, result Result, err error) Result {
	result.Err = err
	if !l.machine.Terminal() {
		if fireErr := l.machine.Fire(context.WithoutCancel(ctx), fsm.EventFail); fireErr != nil {
			result.Err = errors.Join(err, fireErr)
		}
	}
	return l.finish(result)
}

func (l *Loop) finish(result Result) Result {
	result.State = l.machine.Current()
	result.FinishedAt = time.Now()
	return result
}
