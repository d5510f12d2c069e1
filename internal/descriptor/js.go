package descriptor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

var errNoObjectLiteral = errors.New("no object literal found")

// dirnameValue stands in for __dirname. LoadFile resolves relative paths
// against the file's directory, so "." becomes that directory.
const dirnameValue = "."

// objectLiteral extracts the exported object literal from a pm2
// ecosystem.config.js file: comments are dropped and everything outside the
// outermost braces (module.exports =, trailing semicolon) is ignored.
// Only static literals are supported; expressions are not evaluated.
func objectLiteral(src []byte) ([]byte, error) {
	clean := stripComments(src)
	start := bytes.IndexByte(clean, '{')
	end := bytes.LastIndexByte(clean, '}')
	if start < 0 || end < start {
		return nil, errNoObjectLiteral
	}
	return clean[start : end+1], nil
}

// stripComments removes // and /* */ comments outside string literals.
func stripComments(src []byte) []byte {
	out := make([]byte, 0, len(src))
	var quote byte
	for i := 0; i < len(src); i++ {
		c := src[i]
		if quote != 0 {
			out = append(out, c)
			if c == '\\' && i+1 < len(src) {
				i++
				out = append(out, src[i])
				continue
			}
			if c == quote {
				quote = 0
			}
			continue
		}
		switch {
		case c == '\'' || c == '"' || c == '`':
			quote = c
			out = append(out, c)
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}
			if i < len(src) {
				out = append(out, '\n')
			}
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			i += 2
			for i+1 < len(src) && !(src[i] == '*' && src[i+1] == '/') {
				if src[i] == '\n' {
					out = append(out, '\n')
				}
				i++
			}
			i++
		default:
			out = append(out, c)
		}
	}
	return out
}

// jsonLiteral rewrites a static object literal as JSON. Keys may be bare
// identifiers, strings may use any JS quote style, trailing commas are
// dropped. Identifiers other than true, false, null, undefined and __dirname
// are rejected since they would need evaluation.
func jsonLiteral(lit []byte) ([]byte, error) {
	var out bytes.Buffer
	out.Grow(len(lit))
	for i := 0; i < len(lit); {
		c := lit[i]
		switch {
		case isJSSpace(c):
			out.WriteByte(c)
			i++
		case c == '{' || c == '}' || c == '[' || c == ']' || c == ':':
			out.WriteByte(c)
			i++
		case c == ',':
			if next := nextToken(lit, i+1); next != '}' && next != ']' {
				out.WriteByte(c)
			}
			i++
		case c == '\'' || c == '"' || c == '`':
			s, n, err := jsString(lit[i:])
			if err != nil {
				return nil, fmt.Errorf("offset %d: %w", i, err)
			}
			writeJSONString(&out, s)
			i += n
		case isIdentStart(c):
			j := i + 1
			for j < len(lit) && isIdentPart(lit[j]) {
				j++
			}
			word := string(lit[i:j])
			if nextToken(lit, j) == ':' {
				writeJSONString(&out, word)
			} else if err := writeIdent(&out, word); err != nil {
				return nil, fmt.Errorf("offset %d: %w", i, err)
			}
			i = j
		case c == '-' || c == '+' || c == '.' || isDigit(c):
			j := i + 1
			for j < len(lit) && (isIdentPart(lit[j]) || lit[j] == '.' ||
				((lit[j] == '-' || lit[j] == '+') && (lit[j-1] == 'e' || lit[j-1] == 'E'))) {
				j++
			}
			num, err := jsNumber(string(lit[i:j]))
			if err != nil {
				return nil, fmt.Errorf("offset %d: %w", i, err)
			}
			out.WriteString(num)
			i = j
		default:
			return nil, fmt.Errorf("offset %d: %w: unexpected %q", i, ErrUnsupportedJS, c)
		}
	}
	return out.Bytes(), nil
}

func writeIdent(out *bytes.Buffer, word string) error {
	switch word {
	case "true", "false", "null":
		out.WriteString(word)
	case "undefined":
		out.WriteString("null")
	case "__dirname":
		writeJSONString(out, dirnameValue)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedJS, word)
	}
	return nil
}

func writeJSONString(out *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	out.Write(b)
}

// jsNumber normalizes a numeric literal (hex, separators, leading dot) to JSON.
func jsNumber(tok string) (string, error) {
	s := strings.ReplaceAll(tok, "_", "")
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		return strconv.FormatInt(n, 10), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedJS, tok)
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}

// jsString decodes the quoted string at the start of src and returns it with
// the number of bytes consumed.
func jsString(src []byte) (string, int, error) {
	quote := src[0]
	var sb strings.Builder
	for i := 1; i < len(src); i++ {
		c := src[i]
		switch {
		case c == quote:
			return sb.String(), i + 1, nil
		case c == '$' && quote == '`' && i+1 < len(src) && src[i+1] == '{':
			return "", 0, fmt.Errorf("%w: template substitution", ErrUnsupportedJS)
		case c == '\n' && quote != '`':
			return "", 0, errors.New("unterminated string")
		case c != '\\':
			sb.WriteByte(c)
			continue
		}
		i++
		if i >= len(src) {
			break
		}
		switch e := src[i]; e {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case 'b':
			sb.WriteByte('\b')
		case 'f':
			sb.WriteByte('\f')
		case 'v':
			sb.WriteByte('\v')
		case '0':
			sb.WriteByte(0)
		case '\n':
		case 'x':
			r, n, err := hexEscape(src[i+1:], 2)
			if err != nil {
				return "", 0, err
			}
			sb.WriteRune(r)
			i += n
		case 'u':
			if i+1 < len(src) && src[i+1] == '{' {
				end := bytes.IndexByte(src[i+1:], '}')
				if end < 0 {
					return "", 0, errors.New("bad unicode escape")
				}
				r, _, err := hexEscape(src[i+2:i+1+end], end-1)
				if err != nil {
					return "", 0, err
				}
				sb.WriteRune(r)
				i += end + 1
				continue
			}
			r, n, err := hexEscape(src[i+1:], 4)
			if err != nil {
				return "", 0, err
			}
			sb.WriteRune(r)
			i += n
		default:
			sb.WriteByte(e)
		}
	}
	return "", 0, errors.New("unterminated string")
}

func hexEscape(src []byte, n int) (rune, int, error) {
	if n <= 0 || len(src) < n {
		return 0, 0, errors.New("bad escape")
	}
	v, err := strconv.ParseUint(string(src[:n]), 16, 32)
	if err != nil || !utf8.ValidRune(rune(v)) {
		return 0, 0, errors.New("bad escape")
	}
	return rune(v), n, nil
}

// nextToken returns the first non-space byte at or after i, or 0.
func nextToken(src []byte, i int) byte {
	for ; i < len(src); i++ {
		if !isJSSpace(src[i]) {
			return src[i]
		}
	}
	return 0
}

func isJSSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }
