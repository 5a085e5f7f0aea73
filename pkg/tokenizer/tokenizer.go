// Package tokenizer splits a free-text command line into a salt function
// name and its positional arguments, honouring quotes and escaped quotes.
package tokenizer

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	ErrMalformedCommand = errors.New("malformed command")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// Config describes the character classes used while scanning.
type Config struct {
	IsDelimiter func(r rune) bool
	Quotes      string
	Escape      rune
}

// Default treats whitespace as delimiter, ' and " as quotes and \ as escape.
var Default = Config{
	IsDelimiter: unicode.IsSpace,
	Quotes:      `'"`,
	Escape:      '\\',
}

// Tokenize splits command using the Default configuration.
func Tokenize(command string) ([]string, error) {
	return Default.Tokenize(command)
}

// Tokenize scans command left to right and returns the non-empty tokens.
func (c Config) Tokenize(command string) ([]string, error) {
	var (
		tokens  []string
		current strings.Builder
		quoting bool
		closer  rune
	)
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == c.Escape && i+1 < len(runes) && c.isQuote(runes[i+1]):
			current.WriteRune(runes[i+1])
			i++
		case c.isQuote(r):
			switch {
			case !quoting:
				flush()
				quoting = true
				closer = r
			case r == closer:
				flush()
				quoting = false
			default:
				current.WriteRune(r)
			}
		case !quoting && c.IsDelimiter != nil && c.IsDelimiter(r):
			flush()
		default:
			current.WriteRune(r)
		}
	}
	if quoting {
		return nil, fmt.Errorf("%w: unbalanced %c in %q", ErrMalformedCommand, closer, command)
	}
	flush()
	return tokens, nil
}

func (c Config) isQuote(r rune) bool {
	return strings.ContainsRune(c.Quotes, r)
}

// Split tokenizes command and returns the function name and its arguments.
func Split(command string) (function string, args []string, err error) {
	if strings.TrimSpace(command) == "" {
		return "", nil, fmt.Errorf("%w: empty command", ErrInvalidArgument)
	}
	tokens, err := Tokenize(command)
	if err != nil {
		return "", nil, err
	}
	if len(tokens) == 0 {
		return "", nil, fmt.Errorf("%w: command %q has no function", ErrInvalidArgument, command)
	}
	return tokens[0], tokens[1:], nil
}
