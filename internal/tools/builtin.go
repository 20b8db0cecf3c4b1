package tools

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/offbeam/conductor/internal/llm"
)

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty"`
}

type calculateArgs struct {
	Operation string  `json:"operation"`
	A         float64 `json:"a"`
	B         float64 `json:"b"`
}

// RegisterBuiltins adds the stock tools every deployment gets.
func RegisterBuiltins(m *Manager) {
	m.Register(MustNew("current_time",
		"Returns the current date and time, optionally in a specific IANA timezone.",
		func(_ context.Context, args currentTimeArgs, _ *llm.AuthContext) (string, error) {
			loc := time.Local
			if args.Timezone != "" {
				var err error
				loc, err = time.LoadLocation(args.Timezone)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q: %w", args.Timezone, err)
				}
			}
			return time.Now().In(loc).Format(time.RFC1123), nil
		}))

	m.Register(MustNew("calculate",
		"Performs basic arithmetic: operation is one of add, subtract, multiply, divide.",
		func(_ context.Context, args calculateArgs, _ *llm.AuthContext) (string, error) {
			var result float64
			switch args.Operation {
			case "add":
				result = args.A + args.B
			case "subtract":
				result = args.A - args.B
			case "multiply":
				result = args.A * args.B
			case "divide":
				if args.B == 0 {
					return "", fmt.Errorf("division by zero")
				}
				result = args.A / args.B
			default:
				return "", fmt.Errorf("unknown operation %q", args.Operation)
			}
			return strconv.FormatFloat(result, 'f', -1, 64), nil
		}))
}
