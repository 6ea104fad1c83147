// Package wire implements the line-delimited JSON protocol spoken with the oracle.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

const (
	CommandEncrypt = "encrypt"
	CommandEval    = "eval"
	CommandDecrypt = "decrypt"
	CommandGuess   = "guess"

	FunctionSquare = "square"
	FunctionMul    = "mul"
	FunctionAdd    = "add"

	StatusOK       = "ok"
	StatusError    = "error"
	StatusNewRound = "new_round"

	ResultWin  = "WIN"
	ResultLose = "LOSE"
)

// Handle is an opaque state_index issued by the oracle.
//
// The raw JSON value is kept so integer and string handles echo back unchanged.
type Handle []byte

// IntHandle builds the integer handle used by the local oracle.
func IntHandle(n int) Handle {
	return Handle(strconv.Itoa(n))
}

// Int parses an integer handle.
func (h Handle) Int() (int, error) {
	n, err := strconv.Atoi(string(bytes.TrimSpace(h)))
	if err != nil {
		return 0, fmt.Errorf("handle %s is not an integer", string(h))
	}
	return n, nil
}

func (h Handle) String() string {
	return string(h)
}

func (h Handle) MarshalJSON() ([]byte, error) {
	if len(h) == 0 {
		return []byte("null"), nil
	}
	return h, nil
}

func (h *Handle) UnmarshalJSON(data []byte) error {
	if h == nil {
		return errors.New("wire.Handle: UnmarshalJSON on nil pointer")
	}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*h = nil
		return nil
	}
	*h = append((*h)[0:0], data...)
	return nil
}

// Command is one client request line.
type Command struct {
	Command  string   `json:"command"`
	M0       *float64 `json:"m0,omitempty"`
	M1       *float64 `json:"m1,omitempty"`
	Function string   `json:"function,omitempty"`
	Indices  []Handle `json:"indices,omitempty"`
	Index    Handle   `json:"index,omitempty"`
	Position *int     `json:"position,omitempty"`
	Bit      *int     `json:"bit,omitempty"`
}

// Response is one server line: either a reply to a Command or a server-initiated message.
type Response struct {
	Status     string  `json:"status,omitempty"`
	Round      *int    `json:"round,omitempty"`
	StateIndex Handle  `json:"state_index,omitempty"`
	Bit        *int    `json:"bit,omitempty"`
	Result     string  `json:"result,omitempty"`
	Flag       *string `json:"flag,omitempty"`
	Error      string  `json:"error,omitempty"`
}

func Encrypt(m0, m1 float64) Command {
	return Command{Command: CommandEncrypt, M0: &m0, M1: &m1}
}

func Eval(function string, indices ...Handle) Command {
	return Command{Command: CommandEval, Function: function, Indices: indices}
}

func Decrypt(index Handle, position int) Command {
	return Command{Command: CommandDecrypt, Index: index, Position: &position}
}

func Guess(bit int) Command {
	return Command{Command: CommandGuess, Bit: &bit}
}

func NewRound(round int) Response {
	return Response{Status: StatusNewRound, Round: &round}
}

func FlagMessage(flag string) Response {
	return Response{Flag: &flag}
}

func ErrorResponse(format string, args ...any) Response {
	return Response{Status: StatusError, Error: fmt.Sprintf(format, args...)}
}

// IsNewRound reports whether r announces a new round.
func (r Response) IsNewRound() bool {
	return r.Status == StatusNewRound
}

// HasFlag reports whether r carries the flag field.
func (r Response) HasFlag() bool {
	return r.Flag != nil
}
