package app

import (
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	ansiReset   = "\x1b[0m"
	ansiDim     = "\x1b[2m"
	ansiBright  = "\x1b[1m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

const ellipsis = "…"

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// visualLen is the printed width of s, ignoring color escapes.
func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

func truncateVisual(s string, limit int) string {
	if visualLen(s) <= limit {
		return s
	}
	if limit <= 1 {
		return ellipsis
	}
	plain := []rune(stripANSI(s))
	return string(plain[:limit-1]) + ellipsis
}

// wrapSegments packs segs into lines no wider than width. Continuation lines
// start with indent; a segment that cannot fit on a line of its own is cut.
func wrapSegments(segs []string, sep string, width int, indent string) []string {
	var (
		lines  []string
		cur    strings.Builder
		curLen int
		prefix string
	)

	start := func(s string) {
		cur.Reset()
		cur.WriteString(prefix)
		s = truncateVisual(s, width-visualLen(prefix))
		cur.WriteString(s)
		curLen = visualLen(prefix) + visualLen(s)
	}

	for _, s := range segs {
		if s == "" {
			continue
		}
		switch {
		case curLen == 0:
			start(s)
		case curLen+visualLen(sep)+visualLen(s) <= width:
			cur.WriteString(sep)
			cur.WriteString(s)
			curLen += visualLen(sep) + visualLen(s)
		default:
			lines = append(lines, cur.String())
			prefix = indent
			start(s)
		}
	}
	if curLen > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}

// terminalWidth resolves the wrap width: PORTAL_LOG_WIDTH, then COLUMNS, then a default.
func (h *prettyHandler) terminalWidth() int {
	for _, key := range []string{"PORTAL_LOG_WIDTH", "COLUMNS"} {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err == nil && n >= minLogWidth {
			return n
		}
	}
	return defaultLogWidth
}

func colorizeHTTPMethod(method string, color bool) string {
	if !color {
		return method
	}
	switch method {
	case "GET", "HEAD":
		return ansiGreen + method + ansiReset
	case "POST":
		return ansiBlue + method + ansiReset
	case "PUT", "PATCH":
		return ansiYellow + method + ansiReset
	case "DELETE":
		return ansiRed + method + ansiReset
	default:
		return ansiMagenta + method + ansiReset
	}
}

func colorizeStatusCode(code int, color bool) string {
	s := strconv.Itoa(code)
	if !color {
		return s
	}
	return statusColor(code) + s + ansiReset
}

func colorizeStatusClass(class string, color bool) string {
	if !color || class == "" {
		return class
	}
	switch class[0] {
	case '2':
		return ansiGreen + class + ansiReset
	case '3':
		return ansiCyan + class + ansiReset
	case '4':
		return ansiYellow + class + ansiReset
	case '5':
		return ansiRed + class + ansiReset
	default:
		return class
	}
}

func statusColor(code int) string {
	switch {
	case code >= 500:
		return ansiRed
	case code >= 400:
		return ansiYellow
	case code >= 300:
		return ansiCyan
	default:
		return ansiGreen
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	if !color {
		return s
	}
	switch {
	case ms >= 1000:
		return ansiRed + s + ansiReset
	case ms >= 250:
		return ansiYellow + s + ansiReset
	default:
		return ansiDim + s + ansiReset
	}
}

func colorizeResult(result string, color bool) string {
	if !color {
		return result
	}
	switch result {
	case "success":
		return ansiGreen + result + ansiReset
	case "redirect":
		return ansiCyan + result + ansiReset
	case "client_error":
		return ansiYellow + result + ansiReset
	case "server_error":
		return ansiRed + result + ansiReset
	default:
		return result
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
