package scall

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFibonacci(t *testing.T) {
	require.Equal(t, -1, Fibonacci(0))
	require.Equal(t, -1, Fibonacci(-3))
	require.Equal(t, 1, Fibonacci(1))
	require.Equal(t, 1, Fibonacci(2))
	require.Equal(t, 2, Fibonacci(3))
	require.Equal(t, 55, Fibonacci(10))
}

func TestMaxOfFourInt(t *testing.T) {
	require.Equal(t, 9, MaxOfFourInt(7, 2, 9, 4))
	require.Equal(t, -1, MaxOfFourInt(-1, -2, -3, -4))
	require.Equal(t, 5, MaxOfFourInt(5, 5, 5, 5))
}

func TestSyscallStringNames(t *testing.T) {
	require.Equal(t, "halt", SysHalt.String())
	require.Equal(t, "fibonacci", SysFibonacci.String())
	require.Equal(t, "unknown", Syscall(9999).String())
}
