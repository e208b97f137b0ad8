// Package diagnostics extracts compiler and Gradle errors from toolchain
// output so a failed job can carry a one-line summary.
package diagnostics

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

type Diagnostic struct {
	Severity Severity `json:"severity"`
	Tool     string   `json:"tool"`
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
	Column   int      `json:"column,omitempty"`
	Message  string   `json:"message"`
	Raw      string   `json:"raw"`
}

type Report struct {
	ErrorCount   int          `json:"error_count"`
	WarningCount int          `json:"warning_count"`
	Diagnostics  []Diagnostic `json:"diagnostics"`
}

var (
	// e: file:///src/Main.kt:12:5 Unresolved reference: foo
	kotlinRe = regexp.MustCompile(`^([ew]): (?:file://)?(\S+?):(\d+):(\d+) (.+)$`)
	// e: /src/Main.kt: (12, 5): Unresolved reference: foo
	kotlinOldRe = regexp.MustCompile(`^([ew]): (\S+?): \((\d+), (\d+)\): (.+)$`)
	// lib/main.dart:12:5: Error: Undefined name 'x'.
	dartRe = regexp.MustCompile(`^(\S+\.dart):(\d+):(\d+): (Error|Warning): (.+)$`)
	// /src/Foo.java:12: error: cannot find symbol
	javaRe = regexp.MustCompile(`^(\S+\.java):(\d+): (error|warning): (.+)$`)
	// Gradle task assembleRelease failed with exit code 1
	gradleTaskRe = regexp.MustCompile(`^Gradle task (\S+) failed with exit code (\d+)`)
)

// Scan parses toolchain output. Duplicate diagnostics are reported once.
func Scan(raw []byte) Report {
	report := Report{Diagnostics: make([]Diagnostic, 0)}
	seen := map[string]struct{}{}
	add := func(d Diagnostic) {
		key := fmt.Sprintf("%s|%s|%s|%d|%d|%s", d.Severity, d.Tool, d.File, d.Line, d.Column, d.Message)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		report.Diagnostics = append(report.Diagnostics, d)
		if d.Severity == SeverityError {
			report.ErrorCount++
		} else {
			report.WarningCount++
		}
	}

	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	wentWrong := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if wentWrong {
			wentWrong = false
			add(Diagnostic{Severity: SeverityError, Tool: "gradle", Message: line, Raw: line})
			continue
		}
		if line == "* What went wrong:" {
			wentWrong = true
			continue
		}
		if d, ok := parseLine(line); ok {
			add(d)
		}
	}
	return report
}

func parseLine(line string) (Diagnostic, bool) {
	if m := kotlinRe.FindStringSubmatch(line); m != nil {
		return located("kotlin", kotlinSeverity(m[1]), m[2], m[3], m[4], m[5], line), true
	}
	if m := kotlinOldRe.FindStringSubmatch(line); m != nil {
		return located("kotlin", kotlinSeverity(m[1]), m[2], m[3], m[4], m[5], line), true
	}
	if m := dartRe.FindStringSubmatch(line); m != nil {
		sev := SeverityError
		if m[4] == "Warning" {
			sev = SeverityWarning
		}
		return located("dart", sev, m[1], m[2], m[3], m[5], line), true
	}
	if m := javaRe.FindStringSubmatch(line); m != nil {
		return located("javac", Severity(m[3]), m[1], m[2], "", m[4], line), true
	}
	if m := gradleTaskRe.FindStringSubmatch(line); m != nil {
		return Diagnostic{
			Severity: SeverityError,
			Tool:     "flutter",
			Message:  fmt.Sprintf("gradle task %s failed with exit code %s", m[1], m[2]),
			Raw:      line,
		}, true
	}
	return Diagnostic{}, false
}

func kotlinSeverity(tag string) Severity {
	if tag == "w" {
		return SeverityWarning
	}
	return SeverityError
}

func located(tool string, sev Severity, file, line, col, msg, raw string) Diagnostic {
	ln, _ := strconv.Atoi(line)
	cn, _ := strconv.Atoi(col)
	return Diagnostic{
		Severity: sev,
		Tool:     tool,
		File:     file,
		Line:     ln,
		Column:   cn,
		Message:  strings.TrimSpace(msg),
		Raw:      raw,
	}
}

// Summary returns a one-line description of the first source-level error,
// falling back to Gradle's own explanation and then to fallback.
func Summary(report Report, fallback string) string {
	var gradle *Diagnostic
	for i := range report.Diagnostics {
		d := &report.Diagnostics[i]
		if d.Severity != SeverityError {
			continue
		}
		if d.File != "" {
			return format(*d)
		}
		if gradle == nil {
			gradle = d
		}
	}
	if gradle != nil {
		return format(*gradle)
	}
	if msg := strings.TrimSpace(fallback); msg != "" {
		return msg
	}
	return "build failed"
}

func format(d Diagnostic) string {
	where := ""
	switch {
	case d.File != "" && d.Line > 0:
		where = fmt.Sprintf(" (%s:%d)", d.File, d.Line)
	case d.File != "":
		where = fmt.Sprintf(" (%s)", d.File)
	}
	return fmt.Sprintf("[%s] %s%s", d.Tool, d.Message, where)
}
