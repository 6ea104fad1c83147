package oracle

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rbright/noiseprobe/internal/wire"
	"github.com/stretchr/testify/require"
)

var (
	sharedEngine    *Engine
	sharedEngineErr error
	sharedOnce      sync.Once
)

func testParams() EngineParams {
	return EngineParams{LogN: 12, LogQ: []int{60, 30, 30}, LogP: []int{61}, LogDefaultScale: 30}
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	sharedOnce.Do(func() {
		sharedEngine, sharedEngineErr = NewEngine(testParams())
	})
	require.NoError(t, sharedEngineErr)
	return sharedEngine
}

func countLeakedBits(value float64, probes int) int {
	set := 0
	for i := 0; i < probes; i++ {
		set += LeakedBit(value, i)
	}
	return set
}

func TestLeakedBit(t *testing.T) {
	require.Equal(t, 0, LeakedBit(0.3, 0))
	require.Equal(t, 1, LeakedBit(0.7, 0))
	require.Equal(t, 1, LeakedBit(-5, 0))
	require.Equal(t, 0, LeakedBit(-5, 1))
	require.Equal(t, 1, LeakedBit(-5, 2))
	require.Equal(t, 12, countLeakedBits(1e8, 40))
	require.Equal(t, 1, LeakedBit(1e30, 63))
}

func TestNewParametersRejectsBadRing(t *testing.T) {
	_, err := NewParameters(EngineParams{LogN: 2, LogQ: []int{60}, LogP: []int{61}, LogDefaultScale: 30})
	require.Error(t, err)
	require.Contains(t, err.Error(), "ckks parameters")
}

func TestEngineDoubleSquaringSeparatesPlaintexts(t *testing.T) {
	engine := testEngine(t)
	require.Equal(t, 2, engine.MaxLevel())

	squareTwice := func(v float64) float64 {
		ct, err := engine.Encrypt(v)
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			ct, err = engine.Square(ct)
			require.NoError(t, err)
		}
		out, err := engine.Decrypt(ct)
		require.NoError(t, err)
		return out
	}

	zero := squareTwice(0)
	require.InDelta(t, 0, zero, 0.4)
	require.Equal(t, 0, countLeakedBits(zero, 40))

	hundred := squareTwice(100)
	require.InDelta(t, 1e8, hundred, 1e3)
	require.Greater(t, countLeakedBits(hundred, 40), 8)
}

func TestEngineSquareAtLevelZeroFails(t *testing.T) {
	engine := testEngine(t)

	ct, err := engine.Encrypt(3)
	require.NoError(t, err)
	for i := 0; i < engine.MaxLevel(); i++ {
		ct, err = engine.Square(ct)
		require.NoError(t, err)
	}

	_, err = engine.Square(ct)
	require.Error(t, err)
	require.Contains(t, err.Error(), "level 0")
}

func TestEngineAdd(t *testing.T) {
	engine := testEngine(t)

	a, err := engine.Encrypt(2)
	require.NoError(t, err)
	b, err := engine.Encrypt(5)
	require.NoError(t, err)

	sum, err := engine.Add(a, b)
	require.NoError(t, err)
	got, err := engine.Decrypt(sum)
	require.NoError(t, err)
	require.InDelta(t, 7, got, 1e-3)
}

// startOracle serves o on a loopback port and returns a dialed client.
func startOracle(t *testing.T, o *Oracle) *wire.Conn {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- wire.Serve(ctx, listener, o, wire.ServeOptions{})
	}()

	conn, err := wire.Dial(context.Background(), listener.Addr().String(), wire.DialOptions{
		DialTimeout: time.Second,
		ReadTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		require.NoError(t, <-serveDone)
	})
	return conn
}

func fixedChoices(choices ...int) func() (int, error) {
	i := 0
	return func() (int, error) {
		c := choices[i%len(choices)]
		i++
		return c, nil
	}
}

func expectRound(t *testing.T, conn *wire.Conn, round int) {
	t.Helper()
	msg, err := conn.Receive()
	require.NoError(t, err)
	require.True(t, msg.IsNewRound())
	require.Equal(t, round, *msg.Round)
}

func TestOracleReleasesFlagAfterAllWins(t *testing.T) {
	o := New(testEngine(t), Options{Rounds: 2, Flag: "FLAG{unit}", Choose: fixedChoices(1, 0)})
	conn := startOracle(t, o)

	for round, choice := range []int{1, 0} {
		expectRound(t, conn, round+1)

		resp, err := conn.Call(wire.Encrypt(0, 100))
		require.NoError(t, err)
		require.Equal(t, wire.StatusOK, resp.Status)
		require.NotEmpty(t, resp.StateIndex)

		resp, err = conn.Call(wire.Guess(choice))
		require.NoError(t, err)
		require.Equal(t, wire.ResultWin, resp.Result)
	}

	msg, err := conn.Receive()
	require.NoError(t, err)
	require.True(t, msg.HasFlag())
	require.Equal(t, "FLAG{unit}", *msg.Flag)

	_, err = conn.Receive()
	require.ErrorIs(t, err, wire.ErrConnectionLost)
}

func TestOracleWrongGuessEndsGame(t *testing.T) {
	o := New(testEngine(t), Options{Rounds: 3, Flag: "FLAG{never}", Choose: fixedChoices(0)})
	conn := startOracle(t, o)

	expectRound(t, conn, 1)
	resp, err := conn.Call(wire.Guess(1))
	require.NoError(t, err)
	require.Equal(t, wire.ResultLose, resp.Result)

	_, err = conn.Receive()
	require.ErrorIs(t, err, wire.ErrConnectionLost)
}

func TestOracleDecryptLeaksNoiseBits(t *testing.T) {
	o := New(testEngine(t), Options{Rounds: 1, Flag: "FLAG{x}", Choose: fixedChoices(1)})
	conn := startOracle(t, o)
	expectRound(t, conn, 1)

	resp, err := conn.Call(wire.Encrypt(0, 100))
	require.NoError(t, err)
	handle := resp.StateIndex
	for i := 0; i < 2; i++ {
		resp, err = conn.Call(wire.Eval(wire.FunctionSquare, handle))
		require.NoError(t, err)
		require.Equal(t, wire.StatusOK, resp.Status, resp.Error)
		handle = resp.StateIndex
	}

	set := 0
	for position := 0; position < 40; position++ {
		resp, err := conn.Call(wire.Decrypt(handle, position))
		require.NoError(t, err)
		require.Equal(t, wire.StatusOK, resp.Status)
		require.NotNil(t, resp.Bit)
		set += *resp.Bit
	}
	require.Greater(t, set, 8)
}

func TestOracleErrorResponses(t *testing.T) {
	o := New(testEngine(t), Options{Rounds: 1, Flag: "FLAG{x}", Choose: fixedChoices(0)})
	conn := startOracle(t, o)
	expectRound(t, conn, 1)

	resp, err := conn.Call(wire.Encrypt(0, 100))
	require.NoError(t, err)
	valid := resp.StateIndex

	tests := []struct {
		name    string
		cmd     wire.Command
		wantErr string
	}{
		{name: "unknown command", cmd: wire.Command{Command: "rotate"}, wantErr: "unknown command"},
		{name: "encrypt missing m1", cmd: wire.Command{Command: wire.CommandEncrypt, M0: new(float64)}, wantErr: "m0 and m1"},
		{name: "unknown function", cmd: wire.Eval("sqrt", valid), wantErr: "unknown function"},
		{name: "square arity", cmd: wire.Eval(wire.FunctionSquare, valid, valid), wantErr: "takes 1 index"},
		{name: "mul arity", cmd: wire.Eval(wire.FunctionMul, valid), wantErr: "takes 2 indices"},
		{name: "unknown handle", cmd: wire.Decrypt(wire.IntHandle(999), 0), wantErr: "unknown state_index"},
		{name: "string handle", cmd: wire.Decrypt(wire.Handle(`"x"`), 0), wantErr: "not an integer"},
		{name: "position too high", cmd: wire.Decrypt(valid, 64), wantErr: "position"},
		{name: "bad guess bit", cmd: wire.Guess(2), wantErr: "bit must be 0 or 1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := conn.Call(tc.cmd)
			require.NoError(t, err)
			require.Equal(t, wire.StatusError, resp.Status)
			require.Contains(t, resp.Error, tc.wantErr)
		})
	}
}

func TestOracleAnswersMalformedLines(t *testing.T) {
	o := New(testEngine(t), Options{Rounds: 1, Flag: "FLAG{x}", Choose: fixedChoices(0)})
	conn := startOracle(t, o)
	expectRound(t, conn, 1)

	require.NoError(t, conn.Send(map[string]any{"command": 7}))
	resp, err := conn.Receive()
	require.NoError(t, err)
	require.Equal(t, wire.StatusError, resp.Status)
	require.Contains(t, resp.Error, "decode command")
}
