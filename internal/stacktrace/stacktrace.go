// Package stacktrace parses Java exception text into ordered frame sequences.
package stacktrace

import (
	"regexp"
	"strconv"
	"strings"

	rcerrors "github.com/phobologic/rootcause/internal/errors"
	"github.com/phobologic/rootcause/internal/model"
)

var (
	// at [loader/][module@version/]pkg.Class.method(location) [~[jar:version]]
	frameRe = regexp.MustCompile(`^\s*at\s+((?:[^\s/()]*/){0,2})([\w$.]+)\.([\w$<>\-]+)\((.*)\)\s*(?:~?\[[^\]]*\])?\s*$`)

	locationRe = regexp.MustCompile(`^([^:()]+?)(?::(\d+))?$`)

	headerRe = regexp.MustCompile(`^(?:Exception in thread "[^"]*"\s+)?((?:[\w$]+\.)+[\w$]+|[\w$]*(?:Exception|Error|Throwable))(?::\s*(.*))?$`)

	causedByRe   = regexp.MustCompile(`^\s*Caused by:\s*(.*)$`)
	suppressedRe = regexp.MustCompile(`^\s*Suppressed:\s*(.*)$`)
	moreRe       = regexp.MustCompile(`^\s*\.\.\.\s*\d+\s+(?:more|common frames omitted)\s*$`)
)

const (
	nativeMethod  = "Native Method"
	unknownSource = "Unknown Source"
)

// Parse turns raw exception text into a Trace. The primary section comes
// first, followed by "Caused by:" sections in order and then any
// "Suppressed:" sections. Lines that look like neither a frame nor a header
// are skipped and recorded as warnings. Parse fails with an EMPTY_TRACE error
// when no frame at all is recognized.
func Parse(text string) (*model.Trace, error) {
	var (
		primary    = model.TraceSection{Kind: model.Primary}
		causes     []model.TraceSection
		suppressed []model.TraceSection
		warnings   []model.Warning
	)

	// current points at the section that receives frames.
	current := &primary

	// Lines are cut from text directly so no line is too long to read.
	lineNo := 0
	for rest := text; rest != ""; {
		var line string
		line, rest, _ = strings.Cut(rest, "\n")
		lineNo++
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || moreRe.MatchString(line) {
			continue
		}

		if strings.HasPrefix(trimmed, "at ") {
			frame, ok := parseFrame(line)
			if !ok {
				warnings = append(warnings, model.Warning{
					Kind:    model.TraceParseWarning,
					Line:    lineNo,
					Message: "malformed frame: " + truncate(trimmed, 120),
				})
				continue
			}
			current.Frames = append(current.Frames, frame)
			continue
		}

		if m := causedByRe.FindStringSubmatch(line); m != nil {
			sec := newSection(model.CausedBy, m[1])
			causes = append(causes, sec)
			current = &causes[len(causes)-1]
			continue
		}

		if m := suppressedRe.FindStringSubmatch(line); m != nil {
			sec := newSection(model.Suppressed, m[1])
			suppressed = append(suppressed, sec)
			current = &suppressed[len(suppressed)-1]
			continue
		}

		// The exception header of the primary section.
		if current == &primary && len(primary.Frames) == 0 && primary.ExceptionType == "" {
			if m := headerRe.FindStringSubmatch(trimmed); m != nil {
				primary.ExceptionType = m[1]
				primary.Message = strings.TrimSpace(m[2])
				continue
			}
		}

		warnings = append(warnings, model.Warning{
			Kind:    model.TraceParseWarning,
			Line:    lineNo,
			Message: "unrecognized line: " + truncate(trimmed, 120),
		})
	}

	trace := &model.Trace{Warnings: warnings}
	trace.Sections = append(trace.Sections, primary)
	trace.Sections = append(trace.Sections, causes...)
	trace.Sections = append(trace.Sections, suppressed...)

	if trace.FrameCount() == 0 {
		return nil, rcerrors.New(rcerrors.EmptyTrace, "no stack frames recognized in input", nil).
			WithDetails(map[string]interface{}{"lines": lineNo, "warnings": len(warnings)})
	}
	return trace, nil
}

func newSection(kind model.SectionKind, header string) model.TraceSection {
	sec := model.TraceSection{Kind: kind}
	if m := headerRe.FindStringSubmatch(strings.TrimSpace(header)); m != nil {
		sec.ExceptionType = m[1]
		sec.Message = strings.TrimSpace(m[2])
	}
	return sec
}

func parseFrame(line string) (model.StackFrame, bool) {
	m := frameRe.FindStringSubmatch(line)
	if m == nil {
		return model.StackFrame{}, false
	}

	frame := model.StackFrame{
		DeclaringClass: m[2],
		MethodName:     m[3],
		Module:         moduleName(m[1]),
		Raw:            strings.TrimSpace(line),
	}

	loc := strings.TrimSpace(m[4])
	switch loc {
	case nativeMethod, unknownSource:
		return frame, true
	case "":
		return model.StackFrame{}, false
	}

	lm := locationRe.FindStringSubmatch(loc)
	if lm == nil {
		return model.StackFrame{}, false
	}
	if lm[1] != unknownSource && lm[1] != nativeMethod {
		frame.FileHint = lm[1]
	}
	if lm[2] != "" {
		n, err := strconv.Atoi(lm[2])
		if err != nil || n <= 0 {
			return model.StackFrame{}, false
		}
		frame.LineHint = n
	}
	return frame, true
}

// moduleName extracts the module from a "loader/module@version/" prefix.
func moduleName(prefix string) string {
	parts := strings.Split(strings.Trim(prefix, "/"), "/")
	name := parts[len(parts)-1]
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return name
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
