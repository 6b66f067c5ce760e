package notifier

import (
	"fmt"
	"strings"
	"time"

	"klinevault/internal/pkg/text"
)

// telegram 单条消息上限 4096，留出 Markdown 余量
const maxAlertLen = 3800

type Level int

const (
	LevelWarn Level = iota
	LevelCritical
)

func (l Level) icon() string {
	if l == LevelCritical {
		return "🚨"
	}
	return "⚠️"
}

func (l Level) String() string {
	if l == LevelCritical {
		return "CRITICAL"
	}
	return "WARN"
}

// Field is one "name: value" row of the alert body.
type Field struct {
	Name  string
	Value string
}

// Alert 是一条针对某个序列的告警。
type Alert struct {
	Level   Level
	Series  string
	Summary string
	Fields  []Field
	Hint    string
	At      time.Time
}

// Markdown renders the alert for Telegram's legacy Markdown mode. Fields go into a code block
// with names padded to one column; empty values are skipped.
func (a Alert) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s* %s", a.Level.icon(), a.Level, escape(a.Summary))
	if a.Series != "" {
		fmt.Fprintf(&b, "\n`%s`", strings.ReplaceAll(a.Series, "`", "'"))
	}
	if rows := a.rows(); len(rows) > 0 {
		b.WriteString("\n```\n")
		b.WriteString(strings.Join(rows, "\n"))
		b.WriteString("\n```")
	}
	if hint := strings.TrimSpace(a.Hint); hint != "" {
		b.WriteString("\n" + escape(hint))
	}
	if !a.At.IsZero() {
		b.WriteString("\n" + a.At.UTC().Format("2006-01-02 15:04:05Z"))
	}
	return text.Truncate(b.String(), maxAlertLen)
}

func (a Alert) rows() []string {
	width := 0
	for _, f := range a.Fields {
		if strings.TrimSpace(f.Value) != "" && len(f.Name) > width {
			width = len(f.Name)
		}
	}
	out := make([]string, 0, len(a.Fields))
	for _, f := range a.Fields {
		v := strings.TrimSpace(f.Value)
		if v == "" {
			continue
		}
		out = append(out, fmt.Sprintf("%-*s  %s", width, f.Name, strings.ReplaceAll(v, "```", "'''")))
	}
	return out
}

var mdEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "'", "[", "\\[")

// escape neutralises the legacy Markdown markers outside code blocks.
func escape(s string) string { return mdEscaper.Replace(strings.TrimSpace(s)) }
