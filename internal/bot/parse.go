package bot

import (
	"strings"

	"github.com/google/uuid"
)

// newReqID returns a short request id for log correlation.
func newReqID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:12]
}

// tokenizeCommandLine splits command text into tokens while supporting quotes.
// Examples:
//
//	/broadcast --button="Open site|https://x" "hello there"
func tokenizeCommandLine(s string) []string {
	var out []string
	for i := skipSpace(s, 0); i < len(s); i = skipSpace(s, i) {
		tok, end, ok := scanToken(s, i)
		if ok {
			out = append(out, tok)
		}
		i = end
	}
	return out
}

// scanToken reads the token starting at s[i]. Quotes group words and a
// backslash escapes the next byte. end is the index just past the token;
// ok is false when nothing but escapes was read.
func scanToken(s string, i int) (tok string, end int, ok bool) {
	var (
		buf    strings.Builder
		inQ    bool
		qChar  byte
		esc    bool
		quoted bool
	)
	for ; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			buf.WriteByte(ch)
			esc = false
		case ch == '\\':
			esc = true
		case inQ:
			if ch == qChar {
				inQ = false
			} else {
				buf.WriteByte(ch)
			}
		case ch == '"' || ch == '\'':
			inQ, quoted, qChar = true, true, ch
		case isSpace(ch):
			return buf.String(), i, buf.Len() > 0 || quoted
		default:
			buf.WriteByte(ch)
		}
	}
	return buf.String(), i, buf.Len() > 0 || quoted
}

func isSpace(ch byte) bool { return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' }

func skipSpace(s string, i int) int {
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	return i
}

// argsText returns what follows the command word of text, untouched.
func argsText(text string) string {
	i := skipSpace(text, 0)
	if i == len(text) {
		return ""
	}
	_, end, _ := scanToken(text, i)
	return text[end:]
}

// leadingFlags tokenizes only the flags at the start of s and returns the
// remainder verbatim, so free text keeps its quotes and line breaks. A
// lone "--" ends the flags.
func leadingFlags(s string) (flags []string, rest string) {
	i := skipSpace(s, 0)
	for i < len(s) && s[i] == '-' {
		tok, end, _ := scanToken(s, i)
		if tok == "-" {
			break
		}
		i = skipSpace(s, end)
		if tok == "--" {
			break
		}
		flags = append(flags, tok)
		key := strings.TrimLeft(tok, "-")
		if strings.Contains(key, "=") {
			continue
		}
		if _, isBool := boolFlags[key]; !isBool && i < len(s) && s[i] != '-' {
			val, end, _ := scanToken(s, i)
			flags = append(flags, val)
			i = skipSpace(s, end)
		}
	}
	return flags, strings.TrimSpace(s[i:])
}

// parseFlags splits raw args into positionals and flags.
//
// Supported:
//
//	--k=v, --k v, --flag (bool)
//	-k=v, -k v
//
// A lone "--" ends flag parsing.
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			pos = append(pos, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(a, "-") || a == "-" {
			pos = append(pos, a)
			continue
		}
		key := strings.TrimLeft(a, "-")
		if eq := strings.IndexByte(key, '='); eq >= 0 {
			flags[key[:eq]] = key[eq+1:]
			continue
		}
		if _, isBool := boolFlags[key]; !isBool && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			flags[key] = args[i+1]
			i++
			continue
		}
		bools[key] = true
	}
	return pos, flags, bools
}

// boolFlags never consume the following token.
var boolFlags = map[string]struct{}{
	"wait": {},
}

// commandWord extracts the command name from the first token, dropping the
// leading slash and a "@botname" suffix. ok is false for non-commands.
func commandWord(tok string) (string, bool) {
	if !strings.HasPrefix(tok, "/") || len(tok) < 2 {
		return "", false
	}
	word := tok[1:]
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	return strings.ToLower(word), word != ""
}
