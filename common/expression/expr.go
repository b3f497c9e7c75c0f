package expression

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	errors2 "gitlab.com/meridian-workflow/meridian/server/errors"
)

// ExprEngine is an implementation of the expr-lang expression engine.
type ExprEngine struct {
}

// Eval takes a context, an expression string, and a map of variables.  It
// returns the result of the expression evaluation.  An empty expression
// evaluates to nil.  A leading "=" is stripped.  Compilation failures are
// modeling errors and are wrapped with ErrWorkflowFatal.
func (e *ExprEngine) Eval(ctx context.Context, exp string, vars map[string]interface{}) (interface{}, error) {
	if len(exp) == 0 {
		return nil, nil
	}
	exp = strings.TrimPrefix(exp, "=")
	ex, err := expr.Compile(exp)
	if err != nil {
		return nil, fmt.Errorf(err.Error()+": %w", &errors2.ErrWorkflowFatal{Err: err})
	}

	res, err := expr.Run(ex, vars)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression: %w", err)
	}

	return res, nil
}

// GetVariables returns the identifiers mentioned in an expression.
func (e *ExprEngine) GetVariables(ctx context.Context, exp string) ([]Variable, error) {
	exp = strings.TrimSpace(exp)
	if len(exp) == 0 {
		return nil, nil
	}
	exp = strings.TrimPrefix(exp, "=")
	c, err := parser.Parse(exp)
	if err != nil {
		return nil, fmt.Errorf("get variables failed to parse expression: %w", err)
	}

	g := &exprVariableWalker{v: make([]Variable, 0)}
	ast.Walk(&c.Node, g)
	return g.v, nil
}

type exprVariableWalker struct {
	v []Variable
}

// Visit is called from the visitor to collect all IdentifierNode types.
func (w *exprVariableWalker) Visit(n *ast.Node) {
	switch t := (*n).(type) {
	case *ast.IdentifierNode:
		w.v = append(w.v, Variable{Name: t.Value})
	}
}
