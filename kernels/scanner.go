package kernels

import (
	"fmt"
	"strings"
)

type tokKind int

const (
	tokIdent tokKind = iota
	tokNumber
	tokString
	tokPunct
)

type token struct {
	kind tokKind
	text string
	line int
	col  int
}

func (t token) is(text string) bool { return t.kind == tokPunct && t.text == text }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentChar(c byte) bool { return isIdentStart(c) || isDigit(c) }

// scan splits src into tokens. Comments and preprocessor lines are dropped;
// lexical errors are reported on u.
func (u *Unit) scan(src []byte) []token {
	var (
		toks        []token
		line, col   = 1, 1
		lineStarted bool
		i           int
	)
	advance := func(n int) {
		for k := 0; k < n && i < len(src); k++ {
			if src[i] == '\n' {
				line++
				col = 1
				lineStarted = false
			} else {
				col++
			}
			i++
		}
	}
	for i < len(src) {
		c := src[i]
		switch {
		case c == '\n' || c == ' ' || c == '\t' || c == '\r' || c == '\f' || c == '\v':
			advance(1)

		case c == '#' && !lineStarted:
			// Preprocessor directive, possibly continued with backslash-newline.
			for i < len(src) && src[i] != '\n' {
				if src[i] == '\\' && i+1 < len(src) && src[i+1] == '\n' {
					advance(2)
					continue
				}
				advance(1)
			}

		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				advance(1)
			}

		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			startLine, startCol := line, col
			end := strings.Index(string(src[i+2:]), "*/")
			if end < 0 {
				u.errorAt(startLine, startCol, "unterminated /* comment")
				return toks
			}
			advance(end + 4)

		case c == '"' || c == '\'':
			startLine, startCol, start := line, col, i
			lineStarted = true
			advance(1)
			closed := false
			for i < len(src) && src[i] != '\n' {
				if src[i] == '\\' {
					advance(2)
					continue
				}
				if src[i] == c {
					advance(1)
					closed = true
					break
				}
				advance(1)
			}
			if !closed {
				u.errorAt(startLine, startCol, "missing terminating %c character", c)
				continue
			}
			toks = append(toks, token{kind: tokString, text: string(src[start:i]), line: startLine, col: startCol})

		case isIdentStart(c):
			startLine, startCol, start := line, col, i
			lineStarted = true
			for i < len(src) && isIdentChar(src[i]) {
				advance(1)
			}
			toks = append(toks, token{kind: tokIdent, text: string(src[start:i]), line: startLine, col: startCol})

		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			startLine, startCol, start := line, col, i
			lineStarted = true
			for i < len(src) {
				d := src[i]
				if isIdentChar(d) || d == '.' {
					advance(1)
					continue
				}
				if (d == '+' || d == '-') && i > start && strings.ContainsRune("eEpP", rune(src[i-1])) {
					advance(1)
					continue
				}
				break
			}
			toks = append(toks, token{kind: tokNumber, text: string(src[start:i]), line: startLine, col: startCol})

		case c < 0x20 || c >= 0x7f || c == '`' || c == '$':
			u.errorAt(line, col, "invalid character %q in source", rune(c))
			lineStarted = true
			advance(1)

		default:
			lineStarted = true
			toks = append(toks, token{kind: tokPunct, text: string(c), line: line, col: col})
			advance(1)
		}
	}
	return toks
}

var closerFor = map[string]string{"(": ")", "[": "]", "{": "}"}

var controlKeywords = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "__attribute__": true,
}

// Identifiers that may legitimately end a line in the middle of a statement.
var continuingKeywords = map[string]bool{
	"else": true, "do": true, "return": true, "const": true, "unsigned": true,
	"signed": true, "volatile": true, "restrict": true, "static": true,
	"inline": true, "struct": true, "union": true, "enum": true, "typedef": true,
	"__global": true, "global": true, "__local": true, "local": true,
	"__constant": true, "constant": true, "__private": true, "private": true,
	"__kernel": true, "kernel": true, "case": true, "default": true, "goto": true,
}

// checkStructure reports unbalanced delimiters and statements inside blocks
// that are missing their terminating semicolon.
func (u *Unit) checkStructure(toks []token) {
	type opener struct {
		tok         token
		initializer bool
		control     bool
	}
	var (
		stack       []opener
		lastControl bool // the most recent ')' closed an if/for/while condition
	)
	inBlock := func() bool {
		return len(stack) > 0 && stack[len(stack)-1].tok.text == "{" && !stack[len(stack)-1].initializer
	}
	for idx, t := range toks {
		if t.kind != tokPunct {
			if idx > 0 && inBlock() {
				prev := toks[idx-1]
				if prev.line < t.line && endsStatement(prev, lastControl) {
					u.errorAt(prev.line, prev.col+len(prev.text), "expected ';' after expression")
				}
			}
			continue
		}
		switch t.text {
		case "(", "[", "{":
			init, control := false, false
			if idx > 0 {
				prev := toks[idx-1]
				switch t.text {
				case "{":
					switch {
					case prev.is("="):
						init = true
					case prev.kind == tokIdent && (prev.text == "enum" || (idx > 1 && toks[idx-2].text == "enum")):
						// enumerator lists end without a semicolon
						init = true
					case prev.is(",") || prev.is("{"):
						init = len(stack) > 0 && stack[len(stack)-1].initializer
					}
				case "(":
					control = prev.kind == tokIdent && controlKeywords[prev.text]
				}
			}
			stack = append(stack, opener{tok: t, initializer: init, control: control})

		case ")", "]", "}":
			if len(stack) == 0 {
				u.errorAt(t.line, t.col, "extraneous closing '%s'", t.text)
				continue
			}
			top := stack[len(stack)-1]
			if closerFor[top.tok.text] != t.text {
				u.errorAt(t.line, t.col, "expected '%s'", closerFor[top.tok.text])
				u.noteAt(top.tok.line, top.tok.col, "to match this '%s'", top.tok.text)
				// Assume the closer belongs to an outer opener and resynchronise.
				for len(stack) > 0 && closerFor[stack[len(stack)-1].tok.text] != t.text {
					stack = stack[:len(stack)-1]
				}
				if len(stack) > 0 {
					stack = stack[:len(stack)-1]
				}
				continue
			}
			stack = stack[:len(stack)-1]
			if t.text == ")" {
				lastControl = top.control
			}
			if t.text == "}" && !top.initializer && idx > 0 {
				prev := toks[idx-1]
				if !(prev.is(";") || prev.is("{") || prev.is("}") || prev.is(":")) {
					u.errorAt(prev.line, prev.col+len(prev.text), "expected ';' after expression")
				}
			}
		}
	}
	for k := len(stack) - 1; k >= 0; k-- {
		o := stack[k].tok
		line, col := 1, 1
		if n := len(toks); n > 0 {
			line, col = toks[n-1].line, toks[n-1].col+len(toks[n-1].text)
		}
		u.errorAt(line, col, "expected '%s'", closerFor[o.text])
		u.noteAt(o.line, o.col, "to match this '%s'", o.text)
	}
}

// endsStatement reports whether prev can only be the last token of an
// expression, so that a following identifier on a new line starts a new
// statement.
func endsStatement(prev token, closedControl bool) bool {
	switch {
	case prev.is(")"):
		return !closedControl
	case prev.is("]"), prev.kind == tokNumber, prev.kind == tokString:
		return true
	case prev.kind == tokIdent:
		return !continuingKeywords[prev.text] && !knownTypes[prev.text]
	}
	return false
}

func (u *Unit) errorAt(line, col int, format string, args ...interface{}) {
	u.Diagnostics = append(u.Diagnostics, Diagnostic{
		File: u.File, Line: line, Col: col, Severity: SeverityError, Msg: fmt.Sprintf(format, args...),
	})
}

func (u *Unit) noteAt(line, col int, format string, args ...interface{}) {
	u.Diagnostics = append(u.Diagnostics, Diagnostic{
		File: u.File, Line: line, Col: col, Severity: SeverityNote, Msg: fmt.Sprintf(format, args...),
	})
}
