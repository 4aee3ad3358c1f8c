// Package toon implements TOON (Token-Oriented Object Notation) encoding.
package toon

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/phobologic/rootcause/internal/graph"
	"github.com/phobologic/rootcause/internal/index"
	"github.com/phobologic/rootcause/internal/model"
)

var (
	needsQuoting = regexp.MustCompile(`[,:"\\{}\[\]]`)
	looksNumeric = regexp.MustCompile(`^-?(?:0|[1-9]\d*)(?:\.\d+)?$`)
	keywords     = map[string]struct{}{
		"true":  {},
		"false": {},
		"null":  {},
	}
)

// Encode converts an analysis report into TOON format.
func Encode(r *model.Report) string {
	var parts []string

	parts = append(parts, fmt.Sprintf("id: %s", encodeValue(r.ID)))
	parts = append(parts, fmt.Sprintf("snapshot: %s", encodeValue(r.Snapshot)))
	parts = append(parts, fmt.Sprintf("hash: %s", encodeValue(r.SnapshotHash)))
	if r.ExceptionType != "" {
		parts = append(parts, fmt.Sprintf("exception: %s", encodeValue(r.ExceptionType)))
	}
	if r.Message != "" {
		parts = append(parts, fmt.Sprintf("message: %s", encodeValue(r.Message)))
	}
	parts = append(parts, fmt.Sprintf("confidence: %s", encodeValue(string(r.Confidence))))

	var winnerRows, whyRows [][]string
	if w := r.Winner; w != nil {
		winnerRows = append(winnerRows, []string{
			w.MethodID,
			w.File,
			strconv.Itoa(w.StartLine),
			strconv.Itoa(w.EndLine),
			fmt.Sprintf("%.4f", w.Score),
		})
		for _, e := range w.Explanation {
			whyRows = append(whyRows, []string{e})
		}
	}
	parts = append(parts, formatTabular("winner", []string{"method", "file", "start", "end", "score"}, winnerRows))
	parts = append(parts, formatTabular("explanation", []string{"signal"}, whyRows))

	var frameRows [][]string
	for i := range r.Frames {
		f := &r.Frames[i]
		frameRows = append(frameRows, []string{
			strconv.Itoa(f.Section),
			f.Frame.String(),
			strconv.Itoa(f.Candidates),
			fmt.Sprintf("%.4f", f.TopScore),
		})
	}
	parts = append(parts, formatTabular("frames", []string{"section", "frame", "candidates", "top"}, frameRows))

	if len(r.Related) > 0 {
		var relRows [][]string
		for _, rel := range r.Related {
			days := ""
			if rel.LastChange != nil {
				days = strconv.FormatFloat(rel.LastChange.DaysBeforeHead, 'f', -1, 64)
			}
			relRows = append(relRows, []string{
				rel.MethodID,
				rel.Direction,
				strconv.Itoa(rel.Depth),
				strconv.FormatBool(rel.HasExceptionHandling),
				strconv.FormatBool(rel.HasNullCheck),
				days,
			})
		}
		parts = append(parts, formatTabular("related",
			[]string{"method", "direction", "depth", "handling", "nullcheck", "days"}, relRows))
	}

	if len(r.Handlers) > 0 {
		var rows [][]string
		for _, h := range r.Handlers {
			rows = append(rows, []string{h.MethodID, h.Caught, h.File, strconv.Itoa(h.StartLine), strconv.Itoa(h.EndLine)})
		}
		parts = append(parts, formatTabular("handlers", []string{"method", "caught", "file", "start", "end"}, rows))
	}

	if len(r.Warnings) > 0 {
		parts = append(parts, formatWarnings(r.Warnings))
	}

	return strings.Join(parts, "\n")
}

// EncodeIndex renders a snapshot's index and call graph: its files, the
// methods they declare and the resolved call edges.
func EncodeIndex(name, hash string, ix *index.Index, g *graph.CallGraph, warnings []model.Warning) string {
	var parts []string

	parts = append(parts, fmt.Sprintf("snapshot: %s", encodeValue(name)))
	parts = append(parts, fmt.Sprintf("hash: %s", encodeValue(hash)))

	var fileRows [][]string
	for i := range ix.Files {
		f := &ix.Files[i]
		fileRows = append(fileRows, []string{f.Path, f.Package, strconv.Itoa(len(f.Classes))})
	}
	parts = append(parts, formatTabular("files", []string{"path", "package", "classes"}, fileRows))

	var methodRows [][]string
	for i := range ix.Methods {
		m := &ix.Methods[i]
		methodRows = append(methodRows, []string{
			m.File,
			m.ID(),
			fmt.Sprintf("%d-%d", m.StartLine, m.EndLine),
			strconv.Itoa(g.FanIn(m.ID())),
		})
	}
	parts = append(parts, formatTabular("methods", []string{"file", "method", "lines", "fanin"}, methodRows))

	var callRows [][]string
	for _, e := range g.Edges {
		callRows = append(callRows, []string{e.Caller, e.Callee, strconv.Itoa(e.Line), strconv.FormatBool(e.Speculative)})
	}
	parts = append(parts, formatTabular("calls", []string{"caller", "callee", "line", "speculative"}, callRows))

	if len(g.Externals) > 0 {
		var extRows [][]string
		for _, x := range g.Externals {
			extRows = append(extRows, []string{x.Caller, x.Name, strconv.Itoa(x.Line)})
		}
		parts = append(parts, formatTabular("externals", []string{"caller", "name", "line"}, extRows))
	}

	if len(warnings) > 0 {
		parts = append(parts, formatWarnings(warnings))
	}

	return strings.Join(parts, "\n")
}

func formatWarnings(warnings []model.Warning) string {
	rows := make([][]string, len(warnings))
	for i, w := range warnings {
		rows[i] = []string{string(w.Kind), w.Path, strconv.Itoa(w.Line), w.Message}
	}
	return formatTabular("warnings", []string{"kind", "path", "line", "message"}, rows)
}

func formatTabular(name string, columns []string, rows [][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%d]{%s}:", name, len(rows), strings.Join(columns, ","))
	for _, row := range rows {
		encoded := make([]string, len(row))
		for i, cell := range row {
			encoded[i] = encodeValue(cell)
		}
		fmt.Fprintf(&b, "\n  %s", strings.Join(encoded, ","))
	}
	return b.String()
}

func encodeValue(value string) string {
	if value == "" {
		return `""`
	}

	if value != strings.TrimSpace(value) {
		return quote(value)
	}

	if strings.ContainsAny(value, "\n\r\t") {
		return quote(value)
	}

	if _, ok := keywords[strings.ToLower(value)]; ok {
		return quote(value)
	}

	if looksNumeric.MatchString(value) {
		return value
	}

	if needsQuoting.MatchString(value) {
		return quote(value)
	}

	if strings.HasPrefix(value, "-") {
		return quote(value)
	}

	return value
}

func quote(value string) string {
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	escaped = strings.ReplaceAll(escaped, "\n", `\n`)
	escaped = strings.ReplaceAll(escaped, "\r", `\r`)
	escaped = strings.ReplaceAll(escaped, "\t", `\t`)
	return `"` + escaped + `"`
}
