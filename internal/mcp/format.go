package mcp

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const labelWidth = 20

// count renders a JSON number with thousands separators. Fractions keep one
// decimal and are not grouped.
func count(v float64) string {
	if v != float64(int64(v)) {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	digits := strconv.FormatInt(int64(v), 10)
	sign := ""
	if digits[0] == '-' {
		sign, digits = "-", digits[1:]
	}
	if len(digits) <= 3 {
		return sign + digits
	}

	var b strings.Builder
	b.WriteString(sign)
	lead := len(digits) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(digits[:lead])
	for i := lead; i < len(digits); i += 3 {
		b.WriteByte(',')
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}

// ratio renders "used / total" counts such as permits or healthy proxies.
func ratio(used, total float64) string {
	return count(used) + " / " + count(total)
}

// successRate is the share of finished tasks that succeeded.
func successRate(succeeded, failed, timedOut float64) string {
	total := succeeded + failed + timedOut
	if total == 0 {
		return "n/a"
	}
	return strconv.FormatFloat(succeeded/total*100, 'f', 1, 64) + "%"
}

// latency renders a task duration, which the API encodes in nanoseconds.
func latency(ns float64) string {
	return time.Duration(ns).Round(100 * time.Microsecond).String()
}

// proxyLabel matches the zero-padded egress column of the result log.
func proxyLabel(index float64) string {
	return fmt.Sprintf("[%03d]", int64(index))
}

func shortWallet(addr string) string {
	if len(addr) > 10 {
		return addr[:10] + "..."
	}
	return addr
}

// timeOfDay trims an RFC 3339 timestamp to its wall-clock part.
func timeOfDay(ts string) string {
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t.Format(time.TimeOnly)
	}
	return ts
}

func field(label string, value any) string {
	return fmt.Sprintf("%-*s %v", labelWidth, label+":", value)
}

func heading(title string) string {
	return "## " + title
}

// report joins lines, keeping blank separators but dropping a trailing one.
func report(lines ...string) string {
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

func getStr(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func getNum(m map[string]any, key string) float64 {
	n, _ := m[key].(float64)
	return n
}
