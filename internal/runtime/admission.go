package runtime

import (
	"fmt"
	"reflect"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
)

// Admission rules. Admission is a deny list: the identifiers and
// members below, double-underscore members and `with` statements are
// rejected statically. Every other name is admitted, including the
// standard built-ins the VM provides beside `browser` and `console`.
// The hardened VM is the second line, not the first.

// blockedIdentifiers can never be referenced, even shadowed; admission
// is deliberately conservative.
var blockedIdentifiers = map[string]string{
	"eval":           "no-eval",
	"Function":       "no-eval",
	"require":        "blocked-import",
	"importScripts":  "blocked-import",
	"process":        "host-access",
	"globalThis":     "host-access",
	"XMLHttpRequest": "raw-network",
	"fetch":          "raw-network",
	"WebSocket":      "raw-network",
}

// blockedMembers can never be accessed as properties.
var blockedMembers = map[string]string{
	"constructor": "prototype-escape",
	"prototype":   "prototype-escape",
}

type admissionWalk struct {
	errs []ValidationError
}

// Validate parses source into an AST and walks it. The returned slice
// is empty for admissible code; any entry refuses execution.
func Validate(src string) []ValidationError {
	prog, err := parser.ParseFile(nil, "agent.js", src, 0)
	if err != nil {
		return []ValidationError{{
			Rule:    "syntax",
			Message: err.Error(),
		}}
	}

	w := &admissionWalk{}
	w.walk(reflect.ValueOf(prog))
	return w.errs
}

func (w *admissionWalk) reject(rule string, offset int, format string, args ...any) {
	w.errs = append(w.errs, ValidationError{
		Rule:    rule,
		Message: fmt.Sprintf(format, args...),
		Offset:  offset,
	})
}

func (w *admissionWalk) inspect(node any) {
	switch n := node.(type) {
	case *ast.Identifier:
		name := n.Name.String()
		if rule, ok := blockedIdentifiers[name]; ok {
			w.reject(rule, int(n.Idx0()), "use of %q is not permitted", name)
		}
	case *ast.DotExpression:
		w.checkMember(n.Identifier.Name.String(), int(n.Identifier.Idx0()))
	case *ast.BracketExpression:
		if lit, ok := n.Member.(*ast.StringLiteral); ok {
			w.checkMember(lit.Value.String(), int(lit.Idx0()))
		}
	case *ast.WithStatement:
		w.reject("no-with", int(n.Idx0()), "with statements are not permitted")
	}
}

func (w *admissionWalk) checkMember(name string, offset int) {
	if rule, ok := blockedMembers[name]; ok {
		w.reject(rule, offset, "access to %q is not permitted", name)
		return
	}
	if len(name) >= 2 && name[0] == '_' && name[1] == '_' {
		w.reject("dunder-access", offset, "access to %q is not permitted", name)
	}
}

// walk traverses the AST generically via reflection so the admission
// rules survive grammar additions; inspect handles the node kinds the
// rules care about.
func (w *admissionWalk) walk(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return
		}
		if v.Kind() == reflect.Ptr && v.CanInterface() {
			w.inspect(v.Interface())
		}
		w.walk(v.Elem())
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			f := v.Field(i)
			if f.CanInterface() {
				w.walk(f)
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			w.walk(v.Index(i))
		}
	case reflect.Map:
		for _, k := range v.MapKeys() {
			w.walk(v.MapIndex(k))
		}
	}
}
