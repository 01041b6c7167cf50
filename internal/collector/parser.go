// Package collector ingests key-matrix log lines and aggregates them into sessions.
package collector

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/verte-zerg/keyheat/internal/model"
)

var (
	ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

	// [00:00:12.345,678] <dbg> zmk: zmk_physical_layouts_kscan_process_msgq: Row: 0, col: 3, position: 3, pressed: true
	zmkPattern = regexp.MustCompile(
		`(?:\[(\d+):(\d+):(\d+)\.(\d+),(\d+)\]\s*)?.*?\w*kscan_process_msgq:\s*` +
			`Row:\s*(\d+),\s*col:\s*(\d+),\s*position:\s*(\d+),\s*pressed:\s*(true|false)`)

	// <prefix> row=<int> col=<int> state=<pressed|released> [timestamp=<float>]
	fieldPattern = regexp.MustCompile(
		`(?:^|\s)row=(\d+)\s+col=(\d+)(?:\s+position=(\d+))?\s+state=(pressed|released)` +
			`(?:\s+timestamp=(\d+(?:\.\d+)?|\.\d+))?(?:\s|$)`)
)

// ParseLine extracts a key transition from one log line. It reports false for
// lines that carry no recognisable transition.
func ParseLine(line string) (model.KeyEvent, bool) {
	line = strings.TrimSpace(ansiEscape.ReplaceAllString(strings.ToValidUTF8(line, ""), ""))
	if line == "" {
		return model.KeyEvent{}, false
	}
	if m := zmkPattern.FindStringSubmatch(line); m != nil {
		return zmkEvent(m)
	}
	if m := fieldPattern.FindStringSubmatch(line); m != nil {
		return fieldEvent(m)
	}
	return model.KeyEvent{}, false
}

func zmkEvent(m []string) (model.KeyEvent, bool) {
	row, err1 := strconv.Atoi(m[6])
	col, err2 := strconv.Atoi(m[7])
	pos, err3 := strconv.Atoi(m[8])
	if err1 != nil || err2 != nil || err3 != nil {
		return model.KeyEvent{}, false
	}
	ev := model.KeyEvent{MatrixRow: row, MatrixCol: col, Position: pos, Transition: model.Released}
	if m[9] == "true" {
		ev.Transition = model.Pressed
	}
	if m[1] != "" {
		ev.Timestamp = uptimeSeconds(m[1], m[2], m[3], m[4], m[5])
	}
	return ev, true
}

// uptimeSeconds converts the HH:MM:SS.mmm,uuu log prefix to seconds.
func uptimeSeconds(h, mi, s, ms, us string) float64 {
	hours, _ := strconv.Atoi(h)
	minutes, _ := strconv.Atoi(mi)
	seconds, _ := strconv.Atoi(s)
	millis, _ := strconv.Atoi(ms)
	micros, _ := strconv.Atoi(us)
	return float64(hours*3600+minutes*60+seconds) + float64(millis)/1e3 + float64(micros)/1e6
}

func fieldEvent(m []string) (model.KeyEvent, bool) {
	row, err1 := strconv.Atoi(m[1])
	col, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil {
		return model.KeyEvent{}, false
	}
	ev := model.KeyEvent{MatrixRow: row, MatrixCol: col, Transition: model.Pressed}
	if m[3] != "" {
		pos, err := strconv.Atoi(m[3])
		if err != nil {
			return model.KeyEvent{}, false
		}
		ev.Position = pos
	}
	if m[4] == "released" {
		ev.Transition = model.Released
	}
	if m[5] != "" {
		ts, err := strconv.ParseFloat(m[5], 64)
		if err != nil {
			return model.KeyEvent{}, false
		}
		ev.Timestamp = ts
	}
	return ev, true
}
