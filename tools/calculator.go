package tools

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"strconv"
	"strings"
)

type CalculatorArgs struct {
	Expression string `json:"expression" jsonschema_description:"Arithmetic expression such as (2+3)*4, 2^10 or sqrt(16)."`
}

type CalculatorResult struct {
	Expression string  `json:"expression"`
	Value      float64 `json:"value"`
	Result     string  `json:"result"`
}

var calcConstants = map[string]float64{
	"pi": math.Pi,
	"e":  math.E,
}

var calcFuncs = map[string]struct {
	arity int
	fn    func(args ...float64) (float64, error)
}{
	"sqrt": {1, func(a ...float64) (float64, error) {
		if a[0] < 0 {
			return 0, fmt.Errorf("sqrt of negative number")
		}
		return math.Sqrt(a[0]), nil
	}},
	"abs":   {1, func(a ...float64) (float64, error) { return math.Abs(a[0]), nil }},
	"floor": {1, func(a ...float64) (float64, error) { return math.Floor(a[0]), nil }},
	"ceil":  {1, func(a ...float64) (float64, error) { return math.Ceil(a[0]), nil }},
	"round": {1, func(a ...float64) (float64, error) { return math.Round(a[0]), nil }},
	"pow":   {2, func(a ...float64) (float64, error) { return math.Pow(a[0], a[1]), nil }},
	"min":   {2, func(a ...float64) (float64, error) { return math.Min(a[0], a[1]), nil }},
	"max":   {2, func(a ...float64) (float64, error) { return math.Max(a[0], a[1]), nil }},
}

// NewCalculator evaluates arithmetic with Go operator precedence. ^ is read
// as exponentiation rather than xor.
func NewCalculator() Tool {
	return NewTyped("calculator",
		"Evaluate arithmetic: + - * / % ^, parentheses, pi, e, and sqrt/abs/floor/ceil/round/pow/min/max.",
		func(_ context.Context, in CalculatorArgs) (any, error) {
			expr := strings.TrimSpace(in.Expression)
			if expr == "" {
				return nil, fmt.Errorf("expression is required")
			}
			val, err := Evaluate(expr)
			if err != nil {
				return nil, err
			}
			return CalculatorResult{
				Expression: in.Expression,
				Value:      val,
				Result:     strconv.FormatFloat(val, 'f', -1, 64),
			}, nil
		},
	)
}

// Evaluate computes an arithmetic expression.
func Evaluate(expr string) (float64, error) {
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", expr, err)
	}
	v, err := calc(node)
	if err != nil {
		return 0, err
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("%q does not evaluate to a finite number", expr)
	}
	return v, nil
}

func calc(node ast.Expr) (float64, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return 0, fmt.Errorf("unsupported literal %s", n.Value)
		}
		return strconv.ParseFloat(n.Value, 64)
	case *ast.Ident:
		if v, ok := calcConstants[strings.ToLower(n.Name)]; ok {
			return v, nil
		}
		return 0, fmt.Errorf("unknown name %q", n.Name)
	case *ast.ParenExpr:
		return calc(n.X)
	case *ast.UnaryExpr:
		v, err := calc(n.X)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.ADD:
			return v, nil
		case token.SUB:
			return -v, nil
		}
		return 0, fmt.Errorf("unsupported unary operator %s", n.Op)
	case *ast.BinaryExpr:
		return calcBinary(n)
	case *ast.CallExpr:
		return calcCall(n)
	}
	return 0, fmt.Errorf("unsupported expression %T", node)
}

func calcBinary(n *ast.BinaryExpr) (float64, error) {
	x, err := calc(n.X)
	if err != nil {
		return 0, err
	}
	y, err := calc(n.Y)
	if err != nil {
		return 0, err
	}
	switch n.Op {
	case token.ADD:
		return x + y, nil
	case token.SUB:
		return x - y, nil
	case token.MUL:
		return x * y, nil
	case token.XOR:
		return math.Pow(x, y), nil
	case token.QUO, token.REM:
		if y == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		if n.Op == token.REM {
			return math.Mod(x, y), nil
		}
		return x / y, nil
	}
	return 0, fmt.Errorf("unsupported operator %s", n.Op)
}

func calcCall(n *ast.CallExpr) (float64, error) {
	ident, ok := n.Fun.(*ast.Ident)
	if !ok {
		return 0, fmt.Errorf("unsupported call")
	}
	f, ok := calcFuncs[strings.ToLower(ident.Name)]
	if !ok {
		return 0, fmt.Errorf("unknown function %q", ident.Name)
	}
	if len(n.Args) != f.arity {
		return 0, fmt.Errorf("%s takes %d argument(s), got %d", ident.Name, f.arity, len(n.Args))
	}
	args := make([]float64, len(n.Args))
	for i, a := range n.Args {
		v, err := calc(a)
		if err != nil {
			return 0, err
		}
		args[i] = v
	}
	return f.fn(args...)
}
