// Package caller prints Go call stacks for diagnosing fatal kernel
// invariant violations (magic-cookie mismatches, duplicate open inodes,
// unreachable scheduler states). It is invoked right before a panic so
// the printed stack reflects the offending call site, not recover().
package caller

import (
	"fmt"
	"runtime"
	"strings"
)

// Dump returns the call stack starting at the given depth as a single
// string, one frame per line.
func Dump(start int) string {
	var b strings.Builder
	i := start
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fmt.Fprintf(&b, "%s:%d\n", f, l)
		i++
	}
	return b.String()
}

// Panicf dumps the call stack starting above this function and then
// panics with the formatted message.
func Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	panic(fmt.Sprintf("%s\n%s", msg, Dump(2)))
}
