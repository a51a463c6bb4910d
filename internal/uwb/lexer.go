package uwb

import (
	"strings"
)

// Session notifications from the ranging peer look like:
//
//	SESSION_INFO_NTF: {session_handle=1, sequence_number=12, block_index=12, n_measurements=2
//	 [mac_address=0x0001, status="SUCCESS", distance[cm]=245];
//	 [mac_address=0x0002, status="RX_TIMEOUT"]}
//
// The lexer reduces that text to start, field, record and end tokens.
const (
	StartMarker = "SESSION_INFO_NTF"
	endMarker   = '}'
)

type tokenKind int

const (
	tokSessionStart tokenKind = iota
	tokField
	tokRecord
	tokSessionEnd
	tokText
)

func (k tokenKind) String() string {
	switch k {
	case tokSessionStart:
		return "SESSION_START"
	case tokField:
		return "FIELD"
	case tokRecord:
		return "RECORD"
	case tokSessionEnd:
		return "SESSION_END"
	default:
		return "TEXT"
	}
}

type token struct {
	kind  tokenKind
	key   string
	value string
	// broken marks a record whose closing bracket never arrived.
	broken bool
}

// lex tokenizes session text. Text before the start marker and after the
// first closing brace is ignored.
func lex(src string) []token {
	idx := strings.Index(src, StartMarker)
	if idx < 0 {
		return nil
	}
	toks := []token{{kind: tokSessionStart}}
	pos := idx + len(StartMarker)
	if brace := strings.IndexByte(src[pos:], '{'); brace >= 0 {
		pos += brace + 1
	}
	for pos < len(src) {
		switch c := src[pos]; c {
		case '[':
			body, next, ok := scanRecord(src, pos)
			toks = append(toks, token{kind: tokRecord, value: body, broken: !ok})
			pos = next
		case endMarker:
			return append(toks, token{kind: tokSessionEnd})
		case ',', ';', ' ', '\t', '\r', '\n', ']', ':':
			pos++
		default:
			end := pos
			for end < len(src) && !strings.ContainsRune(",;[]{}\r\n", rune(src[end])) {
				end++
				// keep suffixes such as [cm] attached to their key
				if end < len(src) && src[end] == '[' {
					if close := strings.IndexAny(src[end:], "]\n"); close > 0 && src[end+close] == ']' {
						end += close + 1
					}
				}
			}
			if end == pos {
				end++
			}
			word := strings.TrimSpace(src[pos:end])
			if key, value, ok := strings.Cut(word, "="); ok {
				toks = append(toks, token{kind: tokField, key: strings.ToLower(strings.TrimSpace(key)), value: strings.TrimSpace(value)})
			} else if word != "" {
				toks = append(toks, token{kind: tokText, value: word})
			}
			pos = end
		}
	}
	return toks
}

// scanRecord reads a bracketed record starting at src[start] == '['.
// Brackets nest so that keys such as distance[cm] stay inside the record.
// A record must close on its own line; a newline or closing brace first
// yields a broken record and scanning resumes at that character.
func scanRecord(src string, start int) (string, int, bool) {
	depth := 0
	for i := start; i < len(src); i++ {
		switch src[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return src[start+1 : i], i + 1, true
			}
		case '\n', endMarker:
			return src[start+1 : i], i, false
		}
	}
	return src[start+1:], len(src), false
}

type lineMarkers struct {
	start int
	end   int
}

// markers reports the byte offsets of the start marker and of the first
// closing brace in line, or -1 for either when absent.
func markers(line string) lineMarkers {
	return lineMarkers{
		start: strings.Index(line, StartMarker),
		end:   strings.IndexByte(line, endMarker),
	}
}
