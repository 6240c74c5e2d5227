package build

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// BuildSpec is the ordered directive sequence parsed from one description
// file. It is immutable once parsed.
type BuildSpec struct {
	File       string
	Directives []Directive
}

// ParseFile reads a build description file into a BuildSpec. Unknown
// directive names and out-of-range argument counts fail the parse, so every
// handler can rely on the arity it was declared with.
func ParseFile(path string) (*BuildSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, DirectiveError(path, 0, "", fmt.Errorf("cannot read description file: %w", err))
	}
	defer f.Close()

	spec := &BuildSpec{File: path}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		name, rest := splitDirective(trimmed)
		entry, ok := directiveTable[name]
		if !ok {
			return nil, DirectiveErrorf(path, lineNo, name, "invalid directive")
		}

		var args []string
		if entry.raw {
			if rest != "" {
				args = []string{rest}
			}
		} else {
			args = tokenize(rest)
		}

		if len(args) < entry.min {
			return nil, DirectiveErrorf(path, lineNo, name,
				"expects at least %d argument(s), got %d", entry.min, len(args))
		}
		if entry.max >= 0 && len(args) > entry.max {
			return nil, DirectiveErrorf(path, lineNo, name,
				"expects at most %d argument(s), got %d", entry.max, len(args))
		}

		spec.Directives = append(spec.Directives, Directive{
			Kind: entry.kind,
			Name: name,
			Args: args,
			Line: lineNo,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, DirectiveError(path, lineNo, "", fmt.Errorf("reading description file: %w", err))
	}

	return spec, nil
}

// splitDirective separates the directive name from the remainder of the line.
func splitDirective(line string) (string, string) {
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return line, ""
	}
	return line[:idx], strings.TrimLeft(line[idx:], " \t")
}

// tokenize splits s on unescaped whitespace. A backslash escapes the next
// character, so "a\ b" is the single token "a b" and "a\\ b" is the token
// "a\" followed by "b".
func tokenize(s string) []string {
	var tokens []string
	var current strings.Builder
	inToken := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			i++
			current.WriteByte(s[i])
			inToken = true
		case c == ' ' || c == '\t':
			if inToken {
				tokens = append(tokens, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteByte(c)
			inToken = true
		}
	}
	if inToken {
		tokens = append(tokens, current.String())
	}
	return tokens
}
