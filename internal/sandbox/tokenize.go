package sandbox

import "fmt"

// Tokenize splits a command line into argv without invoking a shell. Single
// quotes are literal, double quotes allow backslash escapes, a bare
// backslash escapes the next character. Unterminated quotes are an error.
func Tokenize(command string) ([]string, error) {
	var argv []string
	var cur []rune
	inToken := false

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch c {
		case ' ', '\t', '\n':
			if inToken {
				argv = append(argv, string(cur))
				cur = cur[:0]
				inToken = false
			}
		case '\'':
			inToken = true
			i++
			for i < len(runes) && runes[i] != '\'' {
				cur = append(cur, runes[i])
				i++
			}
			if i >= len(runes) {
				return nil, fmt.Errorf("unterminated single quote")
			}
		case '"':
			inToken = true
			i++
			for i < len(runes) && runes[i] != '"' {
				if runes[i] == '\\' && i+1 < len(runes) {
					i++
				}
				cur = append(cur, runes[i])
				i++
			}
			if i >= len(runes) {
				return nil, fmt.Errorf("unterminated double quote")
			}
		case '\\':
			if i+1 >= len(runes) {
				return nil, fmt.Errorf("trailing backslash")
			}
			inToken = true
			i++
			cur = append(cur, runes[i])
		default:
			inToken = true
			cur = append(cur, c)
		}
	}
	if inToken {
		argv = append(argv, string(cur))
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return argv, nil
}
