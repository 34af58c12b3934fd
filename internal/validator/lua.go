package validator

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"

	"github.com/basket/kaihost/internal/extension"
)

const (
	entryName      = "activate"
	deactivateName = "deactivate"
)

type luaType struct {
	name    string
	local   bool
	line    int
	methods map[string]int
}

// luaDecls is what a top-level walk of a chunk declares.
type luaDecls struct {
	types   map[string]*luaType
	order   []string
	funcs   map[string][]int
	imports []string
}

func newLuaDecls() *luaDecls {
	return &luaDecls{types: map[string]*luaType{}, funcs: map[string][]int{}}
}

func (d *luaDecls) table(name string, local bool, line int) *luaType {
	if t, ok := d.types[name]; ok {
		return t
	}
	t := &luaType{name: name, local: local, line: line, methods: map[string]int{}}
	d.types[name] = t
	d.order = append(d.order, name)
	return t
}

func (v *Validator) validateLua(unit extension.SourceUnit) (extension.EntryPoint, error) {
	chunkName := unit.FileName
	if chunkName == "" {
		chunkName = "<generated>"
	}
	chunk, err := parse.Parse(bytes.NewReader(unit.Code), chunkName)
	if err != nil {
		verr := &extension.ValidationError{Rule: extension.RuleSyntax, Detail: strings.TrimSpace(err.Error())}
		var perr *parse.Error
		if errors.As(err, &perr) {
			verr.Line = perr.Pos.Line
			verr.Detail = strings.TrimSpace(perr.Message)
			if perr.Token != "" {
				verr.Detail += fmt.Sprintf(" near '%s'", perr.Token)
			}
		}
		return extension.EntryPoint{}, verr
	}

	decls := newLuaDecls()
	for _, stmt := range chunk {
		decls.visit(stmt)
	}

	var eligible, unsuffixed []*luaType
	for _, name := range decls.order {
		t := decls.types[name]
		if _, ok := t.methods[entryName]; !ok {
			continue
		}
		if extension.HasEligibleSuffix(t.name) {
			eligible = append(eligible, t)
		} else {
			unsuffixed = append(unsuffixed, t)
		}
	}
	freestanding := decls.funcs[entryName]

	// (a) exactly one eligible type or a freestanding entry point.
	if len(eligible) == 0 && len(freestanding) == 0 {
		if len(unsuffixed) > 0 {
			t := unsuffixed[0]
			return extension.EntryPoint{}, &extension.ValidationError{
				Rule:   extension.RuleSuffix,
				Line:   t.line,
				Detail: fmt.Sprintf("type %s implements activate but its name does not end in %s", t.name, strings.Join(extension.EligibleSuffixes, ", ")),
			}
		}
		detail := "no eligible type with an activate method and no freestanding activate function"
		if near := decls.nearMiss(entryName); near != "" {
			detail += fmt.Sprintf(" (found %q, did you mean %q?)", near, entryName)
		}
		return extension.EntryPoint{}, &extension.ValidationError{Rule: extension.RuleNoEntryPoint, Detail: detail}
	}
	if len(eligible) > 1 {
		names := make([]string, 0, len(eligible))
		for _, t := range eligible {
			names = append(names, t.name)
		}
		return extension.EntryPoint{}, &extension.ValidationError{
			Rule:   extension.RuleMultipleTypes,
			Line:   eligible[1].line,
			Detail: fmt.Sprintf("unit declares %d eligible types (%s); exactly one is allowed", len(eligible), strings.Join(names, ", ")),
		}
	}

	// (b) reserved host names.
	if len(eligible) == 1 && v.isReserved(eligible[0].name) {
		return extension.EntryPoint{}, &extension.ValidationError{
			Rule:   extension.RuleReservedName,
			Line:   eligible[0].line,
			Detail: fmt.Sprintf("type name %s is reserved by the host", eligible[0].name),
		}
	}

	// (c) no second conflicting entry point.
	if len(eligible) == 1 && len(freestanding) > 0 {
		return extension.EntryPoint{}, &extension.ValidationError{
			Rule:   extension.RuleConflictingEntry,
			Line:   freestanding[0],
			Detail: fmt.Sprintf("type %s and a freestanding activate function both declare an entry point", eligible[0].name),
		}
	}
	if len(freestanding) > 1 {
		return extension.EntryPoint{}, &extension.ValidationError{
			Rule:   extension.RuleConflictingEntry,
			Line:   freestanding[1],
			Detail: fmt.Sprintf("activate is defined %d times", len(freestanding)),
		}
	}

	ep := extension.EntryPoint{Imports: decls.imports}
	if len(eligible) == 1 {
		t := eligible[0]
		_, hasDeactivate := t.methods[deactivateName]
		ep.Style = extension.EntryMethod
		ep.TypeName = t.name
		ep.TypeIsLocal = t.local
		ep.HasDeactivate = hasDeactivate
		ep.Name = extension.NameFromType(t.name)
		return ep, nil
	}
	ep.Style = extension.EntryFunction
	ep.HasDeactivate = len(decls.funcs[deactivateName]) > 0
	return ep, nil
}

func (d *luaDecls) visit(stmt ast.Stmt) {
	switch s := stmt.(type) {
	case *ast.AssignStmt:
		for i, lhs := range s.Lhs {
			var rhs ast.Expr
			if i < len(s.Rhs) {
				rhs = s.Rhs[i]
			}
			d.assign(lhs, rhs, s.Line())
		}
		d.scanImports(s.Rhs)
	case *ast.LocalAssignStmt:
		for i, name := range s.Names {
			if i < len(s.Exprs) && isTableConstructor(s.Exprs[i]) {
				d.table(name, true, s.Line())
			}
		}
		d.scanImports(s.Exprs)
	case *ast.FuncDefStmt:
		d.funcDef(s)
	case *ast.FuncCallStmt:
		d.scanImports([]ast.Expr{s.Expr})
	}
}

func (d *luaDecls) assign(lhs, rhs ast.Expr, line int) {
	switch target := lhs.(type) {
	case *ast.IdentExpr:
		switch {
		case isTableConstructor(rhs):
			d.table(target.Value, false, line)
		case isFunction(rhs):
			d.funcs[target.Value] = append(d.funcs[target.Value], line)
		}
	case *ast.AttrGetExpr:
		owner, key, ok := attrName(target)
		if ok && isFunction(rhs) {
			d.table(owner, false, line).methods[key] = line
		}
	}
}

func (d *luaDecls) funcDef(s *ast.FuncDefStmt) {
	if s.Name == nil {
		return
	}
	line := s.Line()
	if s.Name.Receiver != nil {
		if recv, ok := s.Name.Receiver.(*ast.IdentExpr); ok {
			d.table(recv.Value, false, line).methods[s.Name.Method] = line
		}
		return
	}
	switch fn := s.Name.Func.(type) {
	case *ast.IdentExpr:
		d.funcs[fn.Value] = append(d.funcs[fn.Value], line)
	case *ast.AttrGetExpr:
		if owner, key, ok := attrName(fn); ok {
			d.table(owner, false, line).methods[key] = line
		}
	}
}

// scanImports records literal require("x") calls in exprs.
func (d *luaDecls) scanImports(exprs []ast.Expr) {
	for _, e := range exprs {
		call, ok := e.(*ast.FuncCallExpr)
		if !ok {
			continue
		}
		fn, ok := call.Func.(*ast.IdentExpr)
		if !ok || fn.Value != "require" || len(call.Args) == 0 {
			continue
		}
		if lit, ok := call.Args[0].(*ast.StringExpr); ok && lit.Value != "" {
			d.imports = append(d.imports, lit.Value)
		}
	}
}

// nearMiss returns a declared function or method name within edit distance 2
// of want, if any.
func (d *luaDecls) nearMiss(want string) string {
	var names []string
	for name := range d.funcs {
		names = append(names, name)
	}
	for _, t := range d.types {
		for m := range t.methods {
			names = append(names, m)
		}
	}
	sort.Strings(names)
	for _, n := range names {
		if n != want && n != deactivateName && editDistance(strings.ToLower(n), want) <= 2 {
			return n
		}
	}
	return ""
}

func attrName(e *ast.AttrGetExpr) (owner, key string, ok bool) {
	obj, ok1 := e.Object.(*ast.IdentExpr)
	k, ok2 := e.Key.(*ast.StringExpr)
	if !ok1 || !ok2 {
		return "", "", false
	}
	return obj.Value, k.Value, true
}

func isTableConstructor(e ast.Expr) bool {
	switch x := e.(type) {
	case *ast.TableExpr:
		return true
	case *ast.FuncCallExpr:
		// setmetatable({}, mt) is the usual class idiom.
		fn, ok := x.Func.(*ast.IdentExpr)
		if ok && fn.Value == "setmetatable" && len(x.Args) > 0 {
			_, isTable := x.Args[0].(*ast.TableExpr)
			return isTable
		}
	}
	return false
}

func isFunction(e ast.Expr) bool {
	_, ok := e.(*ast.FunctionExpr)
	return ok
}

func editDistance(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
