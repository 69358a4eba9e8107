package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/jkaninda/ngome/internal/sandbox"
)

// builtinFuncs is the registry shared by sandbox.Init and the process
// backend. Both sides must see the same names.
var builtinFuncs = sync.OnceValue(func() *sandbox.FuncRegistry {
	r := sandbox.NewFuncRegistry()
	r.MustRegister("ping", ping)
	r.MustRegister("checksum", checksum)
	r.MustRegister("sum", sum)
	return r
})

// ping reports the pid it ran under, which differs from the caller's.
func ping(context.Context, sandbox.Arguments) (any, error) {
	return map[string]any{"pong": true, "pid": os.Getpid()}, nil
}

// checksum returns the hex SHA-256 of its first argument.
func checksum(_ context.Context, args sandbox.Arguments) (any, error) {
	var s string
	if err := args.Arg(0, &s); err != nil {
		return nil, err
	}
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:]), nil
}

// sum adds its numeric arguments, multiplied by the optional scale keyword.
func sum(_ context.Context, args sandbox.Arguments) (any, error) {
	var total float64
	for i := range args.Len() {
		var v float64
		if err := args.Arg(i, &v); err != nil {
			return nil, err
		}
		total += v
	}
	scale := 1.0
	if err := args.Kwarg("scale", &scale); err != nil && !errors.Is(err, sandbox.ErrMissingArgument) {
		return nil, fmt.Errorf("scale: %w", err)
	}
	return total * scale, nil
}
