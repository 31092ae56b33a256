//go:build tools

package fakefuse

// Keeps the fuzzing binaries pinned in go.mod.
import (
	_ "github.com/dvyukov/go-fuzz/go-fuzz"
	_ "github.com/dvyukov/go-fuzz/go-fuzz-build"
)
