package plugins

import (
	"context"

	"gokernel/internal/kernel"
)

type operands struct {
	A float64 `json:"a" jsonschema:"first operand"`
	B float64 `json:"b" jsonschema:"second operand"`
}

// Math returns a plugin with basic arithmetic.
func Math() (*kernel.Plugin, error) {
	add, err := kernel.NewFunction("add", "Adds two numbers.", func(ctx context.Context, args operands) (any, error) {
		return args.A + args.B, nil
	})
	if err != nil {
		return nil, err
	}
	multiply, err := kernel.NewFunction("multiply", "Multiplies two numbers.", func(ctx context.Context, args operands) (any, error) {
		return args.A * args.B, nil
	})
	if err != nil {
		return nil, err
	}
	return kernel.NewPlugin("math", "Arithmetic on two numbers.", add, multiply)
}
