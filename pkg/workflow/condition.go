// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"fmt"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/ragrunner/pkg/errors"
)

// Condition is a compiled step predicate.
//
// Predicates are a restricted expression language: field access on steps
// and input, literals, comparisons, boolean logic, membership tests and the
// functions succeeded(name), failed(name) and skipped(name). Anything else
// is rejected at load time.
//
//	failed("retrieve") || steps.retrieve.output.count == 0
type Condition struct {
	source  string
	program *vm.Program
	refs    map[string]map[string]bool
}

var allowedOperators = map[string]bool{
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
	"and": true, "or": true, "&&": true, "||": true, "not": true, "!": true,
	"in": true, "contains": true, "startsWith": true, "endsWith": true,
	"??": true, "-": true,
}

var predicateFuncs = map[string]bool{
	"succeeded": true,
	"failed":    true,
	"skipped":   true,
}

var rootIdentifiers = map[string]bool{
	"steps":  true,
	"input":  true,
	"inputs": true,
}

// compileEnv types the environment at compile time. Real values are
// supplied by ExecutionContext.ConditionEnv.
var compileEnv = map[string]interface{}{
	"steps":     map[string]interface{}{},
	"input":     map[string]interface{}{},
	"inputs":    map[string]interface{}{},
	"succeeded": func(string) bool { return false },
	"failed":    func(string) bool { return false },
	"skipped":   func(string) bool { return false },
}

// CompileCondition parses and checks a predicate.
func CompileCondition(source string) (*Condition, error) {
	tree, err := parser.Parse(source)
	if err != nil {
		return nil, conditionError(source, err.Error())
	}

	v := &conditionVisitor{refs: make(map[string]map[string]bool)}
	ast.Walk(&tree.Node, v)
	if v.err != "" {
		return nil, conditionError(source, v.err)
	}

	program, err := expr.Compile(source, expr.Env(compileEnv), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, conditionError(source, err.Error())
	}

	return &Condition{source: source, program: program, refs: v.refs}, nil
}

func conditionError(source, msg string) error {
	return &errors.ValidationError{
		Field:      "condition",
		Message:    fmt.Sprintf("%q: %s", source, msg),
		Suggestion: "use comparisons, and/or/not, in, and succeeded/failed/skipped(\"step\")",
	}
}

// String returns the predicate source.
func (c *Condition) String() string {
	return c.source
}

// Eval runs the predicate against env.
func (c *Condition) Eval(env map[string]interface{}) (bool, error) {
	out, err := expr.Run(c.program, env)
	if err != nil {
		return false, &errors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("%q: %s", c.source, err.Error()),
		}
	}
	result, ok := out.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("%q: evaluated to %T, not bool", c.source, out),
		}
	}
	return result, nil
}

// StepRefs returns the sorted names of steps the predicate reads.
func (c *Condition) StepRefs() []string {
	names := make([]string, 0, len(c.refs))
	for name := range c.refs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HandlesFailure reports whether the predicate inspects the failure of
// step: failed("step"), steps.step.status or steps.step.error.
func (c *Condition) HandlesFailure(step string) bool {
	fields, ok := c.refs[step]
	if !ok {
		return false
	}
	return fields["failed()"] || fields["status"] || fields["error"]
}

type conditionVisitor struct {
	refs map[string]map[string]bool
	err  string
}

func (v *conditionVisitor) ref(step, field string) {
	if v.refs[step] == nil {
		v.refs[step] = make(map[string]bool)
	}
	if field != "" {
		v.refs[step][field] = true
	}
}

func (v *conditionVisitor) fail(format string, args ...interface{}) {
	if v.err == "" {
		v.err = fmt.Sprintf(format, args...)
	}
}

func (v *conditionVisitor) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.NilNode, *ast.IntegerNode, *ast.FloatNode, *ast.BoolNode,
		*ast.StringNode, *ast.ArrayNode, *ast.ChainNode:
	case *ast.IdentifierNode:
		if !rootIdentifiers[n.Value] && !predicateFuncs[n.Value] {
			v.fail("unknown identifier %q", n.Value)
		}
	case *ast.UnaryNode:
		if !allowedOperators[n.Operator] {
			v.fail("operator %q is not allowed", n.Operator)
		}
	case *ast.BinaryNode:
		if !allowedOperators[n.Operator] {
			v.fail("operator %q is not allowed", n.Operator)
		}
	case *ast.MemberNode:
		v.visitMember(n)
	case *ast.CallNode:
		v.visitCall(n)
	default:
		v.fail("unsupported expression %T", n)
	}
}

// visitMember records steps.<name>.<field> references.
func (v *conditionVisitor) visitMember(n *ast.MemberNode) {
	if _, ok := n.Property.(*ast.StringNode); !ok {
		v.fail("computed member access is not allowed")
		return
	}
	inner, ok := n.Node.(*ast.MemberNode)
	if !ok {
		if root, ok := n.Node.(*ast.IdentifierNode); ok && root.Value == "steps" {
			v.ref(n.Property.(*ast.StringNode).Value, "")
		}
		return
	}
	root, ok := inner.Node.(*ast.IdentifierNode)
	if !ok || root.Value != "steps" {
		return
	}
	step, ok := inner.Property.(*ast.StringNode)
	if !ok {
		return
	}
	v.ref(step.Value, n.Property.(*ast.StringNode).Value)
}

func (v *conditionVisitor) visitCall(n *ast.CallNode) {
	callee, ok := n.Callee.(*ast.IdentifierNode)
	if !ok || !predicateFuncs[callee.Value] {
		v.fail("only succeeded, failed and skipped may be called")
		return
	}
	if len(n.Arguments) != 1 {
		v.fail("%s takes exactly one step name", callee.Value)
		return
	}
	arg, ok := n.Arguments[0].(*ast.StringNode)
	if !ok {
		v.fail("%s takes a string literal step name", callee.Value)
		return
	}
	v.ref(arg.Value, callee.Value+"()")
}
