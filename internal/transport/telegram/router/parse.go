package router

import (
	"strings"

	"github.com/google/uuid"
)

func newReqID() string { return uuid.NewString()[:8] }

// tokenizeCommandLine splits a message into words. Single or double quotes
// group words and a backslash escapes the next byte:
//
//	/task delay "weekly digest" 15
func tokenizeCommandLine(s string) []string {
	var (
		out   []string
		buf   strings.Builder
		quote byte
		esc   bool
		open  bool
	)
	flush := func() {
		if open {
			out = append(out, buf.String())
			buf.Reset()
			open = false
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			buf.WriteByte(ch)
			esc = false
		case ch == '\\':
			esc, open = true, true
		case quote != 0:
			if ch == quote {
				quote = 0
				continue
			}
			buf.WriteByte(ch)
		case ch == '"' || ch == '\'':
			quote, open = ch, true
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteByte(ch)
			open = true
		}
	}
	flush()
	return out
}

// parseFlags separates positionals from --key=value, --key value, --flag and
// -abc style flags. A lone "-" and negative numbers are positionals.
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !isFlag(a) {
			pos = append(pos, a)
			continue
		}
		long := strings.HasPrefix(a, "--")
		key := strings.TrimLeft(a, "-")
		if k, v, ok := strings.Cut(key, "="); ok {
			flags[k] = v
			continue
		}
		if long || len(key) == 1 {
			if i+1 < len(args) && !isFlag(args[i+1]) {
				flags[key] = args[i+1]
				i++
				continue
			}
			bools[key] = true
			continue
		}
		for j := 0; j < len(key); j++ {
			bools[key[j:j+1]] = true
		}
	}
	return pos, flags, bools
}

func isFlag(a string) bool {
	if len(a) < 2 || a[0] != '-' {
		return false
	}
	if a == "--" {
		return false
	}
	c := a[1]
	return !(c >= '0' && c <= '9')
}
