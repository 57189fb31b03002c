package raster

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"nbc-viewer/internal/image"
)

var (
	// ErrUnknownIdentifier is returned for names that are neither bands,
	// stored rasters nor functions.
	ErrUnknownIdentifier = errors.New("unknown identifier")
	// ErrNoReflectance means there is nothing to evaluate against yet.
	ErrNoReflectance = errors.New("no reflectance available")
)

// Env maps identifiers to tiles.
type Env map[string]*image.Tile

// BandEnv binds R1..R4 to the reflectance tiles.
func BandEnv(refl [image.BandCount]*image.Tile) (Env, error) {
	env := make(Env, image.BandCount)
	for i, t := range refl {
		if t == nil {
			return nil, ErrNoReflectance
		}
		env[fmt.Sprintf("R%d", i+1)] = t
	}
	return env, nil
}

type unaryFunc func(float64) float64

var functions = map[string]unaryFunc{
	"sqrt": math.Sqrt,
	"abs":  math.Abs,
	"log":  math.Log,
	"exp":  math.Exp,
}

func lookupFunc(name string) (unaryFunc, bool) {
	f, ok := functions[strings.TrimPrefix(name, "np.")]
	return f, ok
}

// Expr is a validated, parsed expression.
type Expr struct {
	src  string
	root node
}

// Compile validates and parses expr.
func Compile(expr string) (*Expr, error) {
	if err := Validate(expr); err != nil {
		return nil, err
	}
	root, err := parse(expr)
	if err != nil {
		return nil, err
	}
	return &Expr{src: strings.TrimSpace(expr), root: root}, nil
}

// Source returns the expression text.
func (e *Expr) Source() string { return e.src }

// String returns the fully parenthesised form.
func (e *Expr) String() string { return e.root.String() }

// Eval evaluates the expression element-wise. Scalars broadcast against
// tiles; a purely scalar result is broadcast to the shape of R1.
func (e *Expr) Eval(env Env) (*image.Tile, error) {
	v, err := eval(e.root, env)
	if err != nil {
		return nil, err
	}
	if v.tile != nil {
		return v.tile, nil
	}
	r1, ok := env["R1"]
	if !ok {
		return nil, ErrNoReflectance
	}
	return image.FilledTile(r1.Rows, r1.Cols, float32(v.scalar)), nil
}

// Evaluate compiles and evaluates expr in one step.
func Evaluate(expr string, env Env) (*image.Tile, error) {
	e, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	return e.Eval(env)
}

// value is either a scalar or a tile.
type value struct {
	scalar float64
	tile   *image.Tile
}

func eval(n node, env Env) (value, error) {
	switch n := n.(type) {
	case numberNode:
		return value{scalar: n.v}, nil
	case identNode:
		t, ok := env[n.name]
		if !ok {
			return value{}, fmt.Errorf("%w: %s", ErrUnknownIdentifier, n.name)
		}
		return value{tile: t}, nil
	case unaryNode:
		x, err := eval(n.x, env)
		if err != nil {
			return value{}, err
		}
		if n.op == "+" {
			return x, nil
		}
		return apply1(x, func(v float64) float64 { return -v }), nil
	case callNode:
		f, ok := lookupFunc(n.fn)
		if !ok {
			return value{}, fmt.Errorf("%w: function %s", ErrUnknownIdentifier, n.fn)
		}
		x, err := eval(n.arg, env)
		if err != nil {
			return value{}, err
		}
		return apply1(x, f), nil
	case binaryNode:
		l, err := eval(n.l, env)
		if err != nil {
			return value{}, err
		}
		r, err := eval(n.r, env)
		if err != nil {
			return value{}, err
		}
		return apply2(l, r, binaryOps[n.op])
	}
	return value{}, fmt.Errorf("%w: unsupported node %T", ErrSyntax, n)
}

var binaryOps = map[string]func(a, b float64) float64{
	"+": func(a, b float64) float64 { return a + b },
	"-": func(a, b float64) float64 { return a - b },
	"*": func(a, b float64) float64 { return a * b },
	"/": func(a, b float64) float64 { return a / b },
	"%": floorMod,
}

// floorMod is the remainder with the sign of the divisor. A zero divisor
// yields NaN.
func floorMod(a, b float64) float64 {
	m := math.Mod(a, b)
	if m != 0 && (m < 0) != (b < 0) {
		m += b
	}
	return m
}

func apply1(x value, f unaryFunc) value {
	if x.tile == nil {
		return value{scalar: f(x.scalar)}
	}
	out := image.NewTile(x.tile.Rows, x.tile.Cols)
	for i, v := range x.tile.Data {
		out.Data[i] = float32(f(float64(v)))
	}
	return value{tile: out}
}

func apply2(l, r value, op func(a, b float64) float64) (value, error) {
	switch {
	case l.tile == nil && r.tile == nil:
		return value{scalar: op(l.scalar, r.scalar)}, nil
	case l.tile != nil && r.tile != nil && !l.tile.SameShape(r.tile):
		return value{}, fmt.Errorf("%w: operands %s and %s", image.ErrShape, l.tile, r.tile)
	}

	shape := l.tile
	if shape == nil {
		shape = r.tile
	}
	out := image.NewTile(shape.Rows, shape.Cols)
	for i := range out.Data {
		a, b := l.scalar, r.scalar
		if l.tile != nil {
			a = float64(l.tile.Data[i])
		}
		if r.tile != nil {
			b = float64(r.tile.Data[i])
		}
		out.Data[i] = float32(op(a, b))
	}
	return value{tile: out}, nil
}
