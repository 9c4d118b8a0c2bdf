// Package kernels holds the kernel source resources of the offload pipeline and
// a front end that extracts kernel entry points and their parameter lists from
// OpenCL C or OKL source.
//
// The front end is not a compiler. It catches the structural errors a device
// compiler would reject first (unbalanced delimiters, unterminated comments and
// literals, missing statement terminators, malformed kernel declarations) and
// renders them as a compiler-style build log.
package kernels

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/notargets/offload/runner/builder"
)

// Dialect selects the kernel language.
type Dialect = builder.Dialect

const (
	OpenCL = builder.OpenCL
	OKL    = builder.OKL
)

// DialectFor guesses the dialect from a file name.
func DialectFor(path string) Dialect {
	if strings.EqualFold(filepath.Ext(path), ".okl") {
		return OKL
	}
	return OpenCL
}

// AddressSpace of a pointer parameter.
type AddressSpace int

const (
	Private AddressSpace = iota
	Global
	Constant
	Local
)

func (a AddressSpace) String() string {
	switch a {
	case Global:
		return "__global"
	case Constant:
		return "__constant"
	case Local:
		return "__local"
	default:
		return "__private"
	}
}

// Param is one declared kernel parameter.
type Param struct {
	Name     string
	TypeName string           // element type for pointers, value type otherwise
	Type     builder.DataType // 0 when the type cannot be bound from the host
	Pointer  bool
	Const    bool // pointee is const for pointers
	Space    AddressSpace
}

// Format renders the parameter in the syntax of dialect d.
func (p Param) Format(d Dialect) string {
	if d == OKL {
		return builder.FormatParam(p.Name, p.TypeName, p.Pointer, p.Const, d)
	}
	return p.String()
}

func (p Param) String() string {
	var sb strings.Builder
	if p.Pointer {
		sb.WriteString(p.Space.String())
		sb.WriteByte(' ')
	}
	if p.Const {
		sb.WriteString("const ")
	}
	sb.WriteString(p.TypeName)
	if p.Pointer {
		sb.WriteByte('*')
	}
	sb.WriteByte(' ')
	sb.WriteString(p.Name)
	return sb.String()
}

// Signature is the declaration of one kernel entry point.
type Signature struct {
	Name    string
	Dialect Dialect
	Params  []Param
	Line    int
	Col     int

	body []token // from '{' to the closing '}', comments and layout dropped
}

// Bindable returns the parameters the host must supply, dropping the reserved
// launch-geometry parameters.
func (s Signature) Bindable() []Param {
	out := make([]Param, 0, len(s.Params))
	for _, p := range s.Params {
		if !strings.HasPrefix(p.Name, ReservedPrefix) {
			out = append(out, p)
		}
	}
	return out
}

// MatchBody compares the body of s with the body of ref token by token. When
// they differ it returns the position in s of the first token that does not
// match.
func (s Signature) MatchBody(ref Signature) (line, col int, ok bool) {
	for i, t := range s.body {
		if i >= len(ref.body) || t.kind != ref.body[i].kind || t.text != ref.body[i].text {
			return t.line, t.col, false
		}
	}
	if len(s.body) != len(ref.body) {
		return s.Line, s.Col, false
	}
	return 0, 0, true
}

func (s Signature) String() string {
	params := make([]string, len(s.Params))
	for i, p := range s.Params {
		params[i] = p.Format(s.Dialect)
	}
	return fmt.Sprintf("%s(%s)", s.Name, strings.Join(params, ", "))
}

// Severity of a diagnostic.
const (
	SeverityError = "error"
	SeverityNote  = "note"
)

// Diagnostic is one compiler message.
type Diagnostic struct {
	File     string
	Line     int
	Col      int
	Severity string
	Msg      string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s:%d:%d: %s: %s", d.File, d.Line, d.Col, d.Severity, d.Msg)
}

// Unit is the result of parsing one source text.
type Unit struct {
	File        string
	Dialect     Dialect
	Kernels     []Signature
	Diagnostics []Diagnostic

	lines []string
}

// Failed reports whether any error was diagnosed.
func (u *Unit) Failed() bool {
	return u.ErrorCount() > 0
}

// ErrorCount returns the number of error diagnostics.
func (u *Unit) ErrorCount() int {
	n := 0
	for _, d := range u.Diagnostics {
		if d.Severity == SeverityError {
			n++
		}
	}
	return n
}

// Lookup returns the signature of the named kernel.
func (u *Unit) Lookup(name string) (Signature, bool) {
	for _, k := range u.Kernels {
		if k.Name == name {
			return k, true
		}
	}
	return Signature{}, false
}

// KernelNames lists the kernels in declaration order.
func (u *Unit) KernelNames() []string {
	names := make([]string, len(u.Kernels))
	for i, k := range u.Kernels {
		names[i] = k.Name
	}
	return names
}

// Log renders the diagnostics as a compiler build log, with the offending
// source line and a caret under each location.
func (u *Unit) Log() string {
	var sb strings.Builder
	for _, d := range u.Diagnostics {
		sb.WriteString(d.String())
		sb.WriteByte('\n')
		if d.Line >= 1 && d.Line <= len(u.lines) {
			src := strings.TrimRight(u.lines[d.Line-1], "\r")
			sb.WriteString(src)
			sb.WriteByte('\n')
			pad := d.Col - 1
			if pad > len(src) {
				pad = len(src)
			}
			if pad < 0 {
				pad = 0
			}
			for _, r := range src[:pad] {
				if r == '\t' {
					sb.WriteByte('\t')
				} else {
					sb.WriteByte(' ')
				}
			}
			sb.WriteString("^\n")
		}
	}
	if n := u.ErrorCount(); n > 0 {
		if n == 1 {
			sb.WriteString("1 error generated.\n")
		} else {
			fmt.Fprintf(&sb, "%d errors generated.\n", n)
		}
	}
	return sb.String()
}

// Parse scans src and extracts every kernel definition.
func Parse(file string, src []byte, dialect Dialect) *Unit {
	if file == "" {
		file = "<source>"
	}
	u := &Unit{File: file, Dialect: dialect, lines: strings.Split(string(src), "\n")}
	toks := u.scan(src)
	u.checkStructure(toks)
	u.extractKernels(toks)
	return u
}

var qualifiers = map[string]bool{
	"const": true, "volatile": true, "restrict": true, "__restrict": true,
	"unsigned": true, "signed": true, "static": true, "inline": true,
}

var addressSpaces = map[string]AddressSpace{
	"__global": Global, "global": Global,
	"__constant": Constant, "constant": Constant,
	"__local": Local, "local": Local,
	"__private": Private, "private": Private,
}

var knownTypes = map[string]bool{
	"bool": true, "char": true, "uchar": true, "short": true, "ushort": true,
	"int": true, "uint": true, "long": true, "ulong": true, "float": true,
	"double": true, "half": true, "size_t": true, "void": true,
	"int_t": true, "real_t": true, "dfloat": true, "dlong": true,
}

func (u *Unit) extractKernels(toks []token) {
	depth := 0
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.is("{"):
			depth++
			continue
		case t.is("}"):
			if depth > 0 {
				depth--
			}
			continue
		}
		if depth != 0 {
			continue
		}
		start := -1
		switch u.Dialect {
		case OpenCL:
			if t.kind == tokIdent && (t.text == "__kernel" || t.text == "kernel") {
				start = i + 1
			}
		case OKL:
			if t.is("@") && i+1 < len(toks) && toks[i+1].text == "kernel" {
				start = i + 2
			}
		}
		if start < 0 {
			continue
		}
		next, sig, ok := u.parseKernel(toks, start, t)
		if ok {
			if _, dup := u.Lookup(sig.Name); dup {
				u.errorAt(sig.Line, sig.Col, "redefinition of '%s'", sig.Name)
			} else {
				u.Kernels = append(u.Kernels, sig)
			}
		}
		i = next - 1
	}
}

// parseKernel parses "void name(params) {" starting at toks[i]. It returns the
// index to resume scanning from.
func (u *Unit) parseKernel(toks []token, i int, kw token) (int, Signature, bool) {
	// Skip __attribute__((...)) and further qualifiers.
	for i < len(toks) && toks[i].kind == tokIdent && (toks[i].text == "__attribute__" || qualifiers[toks[i].text]) {
		if toks[i].text == "__attribute__" {
			i = skipGroup(toks, i+1)
			continue
		}
		i++
	}
	if i >= len(toks) {
		u.errorAt(kw.line, kw.col, "expected kernel declaration")
		return i, Signature{}, false
	}
	if toks[i].text != "void" {
		u.errorAt(toks[i].line, toks[i].col, "kernel functions must have void return type")
		return i + 1, Signature{}, false
	}
	i++
	if i >= len(toks) || toks[i].kind != tokIdent {
		line, col := kw.line, kw.col
		if i < len(toks) {
			line, col = toks[i].line, toks[i].col
		}
		u.errorAt(line, col, "expected identifier")
		return i, Signature{}, false
	}
	sig := Signature{Name: toks[i].text, Dialect: u.Dialect, Line: toks[i].line, Col: toks[i].col}
	i++
	if i >= len(toks) || !toks[i].is("(") {
		u.errorAt(sig.Line, sig.Col+len(sig.Name), "expected '(' after kernel name")
		return i, Signature{}, false
	}
	end := skipGroup(toks, i)
	if end > len(toks) || !toks[end-1].is(")") {
		// checkStructure has already reported the imbalance.
		return len(toks), Signature{}, false
	}
	sig.Params = u.parseParams(toks[i+1 : end-1])
	if end >= len(toks) {
		u.errorAt(toks[end-1].line, toks[end-1].col+1, "expected function body after kernel declarator")
		return end, Signature{}, false
	}
	if toks[end].is(";") {
		// Forward declaration.
		return end + 1, Signature{}, false
	}
	if !toks[end].is("{") {
		u.errorAt(toks[end].line, toks[end].col, "expected function body after kernel declarator")
		return end, Signature{}, false
	}
	if bodyEnd := skipGroup(toks, end); bodyEnd <= len(toks) {
		sig.body = toks[end:bodyEnd]
	}
	return end, sig, true
}

// skipGroup returns the index just past the delimiter group opening at toks[i].
func skipGroup(toks []token, i int) int {
	if i >= len(toks) {
		return i
	}
	open := toks[i].text
	closeText, ok := closerFor[open]
	if !ok {
		return i + 1
	}
	depth := 0
	for ; i < len(toks); i++ {
		switch {
		case toks[i].is(open):
			depth++
		case toks[i].is(closeText):
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return len(toks) + 1
}

func (u *Unit) parseParams(toks []token) []Param {
	if len(toks) == 0 || (len(toks) == 1 && toks[0].text == "void") {
		return nil
	}
	var (
		params []Param
		group  []token
		depth  int
	)
	flush := func(sep token) {
		if len(group) == 0 {
			u.errorAt(sep.line, sep.col, "expected parameter declarator")
			return
		}
		if p, ok := u.parseParam(group); ok {
			for _, prev := range params {
				if prev.Name == p.Name {
					u.errorAt(group[len(group)-1].line, group[len(group)-1].col, "redefinition of parameter '%s'", p.Name)
				}
			}
			params = append(params, p)
		}
		group = group[:0]
	}
	for _, t := range toks {
		switch {
		case t.is("(") || t.is("["):
			depth++
		case t.is(")") || t.is("]"):
			depth--
		case t.is(",") && depth == 0:
			flush(t)
			continue
		}
		group = append(group, t)
	}
	flush(toks[len(toks)-1])
	return params
}

func (u *Unit) parseParam(group []token) (Param, bool) {
	last := group[len(group)-1]
	// Drop OKL attributes such as @restrict.
	toks := make([]token, 0, len(group))
	for k := 0; k < len(group); k++ {
		if group[k].is("@") {
			k++
			continue
		}
		toks = append(toks, group[k])
	}
	if len(toks) == 0 {
		u.errorAt(last.line, last.col, "expected parameter declarator")
		return Param{}, false
	}
	var (
		p         Param
		stars     int
		sawConst  bool
		sawSpace  bool
		typeNames []string
	)
	for k := 0; k < len(toks); k++ {
		t := toks[k]
		switch {
		case t.is("*"):
			stars++
			if sawConst {
				p.Const = true
			}
		case t.kind == tokIdent && t.text == "const":
			if stars == 0 {
				sawConst = true
			}
		case t.kind == tokIdent && qualifiers[t.text]:
			if t.text == "unsigned" {
				typeNames = append(typeNames, "u")
			}
		case t.kind == tokIdent:
			if space, ok := addressSpaces[t.text]; ok {
				p.Space = space
				sawSpace = true
				continue
			}
			if k == len(toks)-1 && len(typeNames) > 0 {
				p.Name = t.text
				continue
			}
			typeNames = append(typeNames, t.text)
		case t.is("["):
			u.errorAt(t.line, t.col, "array parameters are not supported for kernels")
			return p, false
		default:
			u.errorAt(t.line, t.col, "unexpected '%s' in parameter declaration", t.text)
			return p, false
		}
	}
	if p.Name == "" {
		u.errorAt(last.line, last.col+len(last.text), "parameter name omitted")
		return p, false
	}
	// "unsigned" contributes a "u" prefix: unsigned int -> uint.
	if len(typeNames) > 2 || (len(typeNames) == 2 && typeNames[0] != "u") {
		u.errorAt(toks[0].line, toks[0].col, "expected a single type in declaration of '%s'", p.Name)
		return p, false
	}
	typeName := strings.Join(typeNames, "")
	if typeName == "u" {
		typeName = "uint"
	}
	if !knownTypes[typeName] {
		u.errorAt(toks[0].line, toks[0].col, "unknown type name '%s'", typeName)
		return p, false
	}
	p.TypeName = typeName
	p.Pointer = stars > 0
	if !p.Pointer {
		p.Const = sawConst
	}
	if stars > 1 {
		u.errorAt(toks[0].line, toks[0].col, "kernel parameter '%s' cannot be a pointer to a pointer", p.Name)
		return p, false
	}
	if p.Pointer {
		switch {
		case u.Dialect == OKL && !sawSpace:
			p.Space = Global
		case p.Space == Private:
			u.errorAt(toks[0].line, toks[0].col,
				"kernel parameter '%s' cannot be declared as a pointer to the __private address space", p.Name)
			return p, false
		}
	} else if sawSpace && p.Space != Private {
		u.errorAt(toks[0].line, toks[0].col, "kernel parameter '%s' with address space must be a pointer", p.Name)
		return p, false
	}
	p.Type = builder.ParseTypeName(typeName)
	switch typeName {
	case "real_t", "dfloat":
		p.Type = builder.Float64
	case "int_t", "dlong":
		p.Type = builder.INT64
	}
	return p, true
}

// Errorf adds an error diagnostic. Backends use it to reject kernels the front
// end accepted.
func (u *Unit) Errorf(line, col int, format string, args ...interface{}) {
	u.errorAt(line, col, format, args...)
}

// Detect guesses the dialect of a source text.
func Detect(src []byte) Dialect {
	if strings.Contains(string(src), "@kernel") {
		return OKL
	}
	return OpenCL
}
