package app

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

type StartupSummary struct {
	Storage StorageSummary
	Sources []SourceSummary
	Series  []SeriesDetail
	HTTP    string
}

type StorageSummary struct {
	BaseDir     string
	CatalogPath string
	WorkingSet  int
	FlushEvery  int
	FlushEach   time.Duration
	FlushCron   string
	Aliases     map[string][]string
}

type SourceSummary struct {
	Name   string
	Kind   string
	Stream bool
}

type SeriesDetail struct {
	Key  string
	Path string
}

func (s *StartupSummary) Print() {
	s.Fprint(stdout)
}

// Fprint 输出启动配置摘要。
func (s *StartupSummary) Fprint(w io.Writer) {
	title := "启动配置摘要 (STARTUP SUMMARY)"
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len(title)/2, title)
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintln(w, "[存储 (STORAGE)]")
	fmt.Fprintf(w, "  数据目录: %s\n", s.Storage.BaseDir)
	fmt.Fprintf(w, "  Catalog: %s\n", s.Storage.CatalogPath)
	fmt.Fprintf(w, "  工作集: %d\n", s.Storage.WorkingSet)
	fmt.Fprintf(w, "  落盘策略: every=%d interval=%s cron=%s\n", s.Storage.FlushEvery, s.Storage.FlushEach, orDash(s.Storage.FlushCron))
	if len(s.Storage.Aliases) > 0 {
		venues := make([]string, 0, len(s.Storage.Aliases))
		for v := range s.Storage.Aliases {
			venues = append(venues, v)
		}
		sort.Strings(venues)
		for _, v := range venues {
			fmt.Fprintf(w, "  副本: %s -> %s\n", v, formatList(s.Storage.Aliases[v]))
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[行情来源 (SOURCES)]")
	if len(s.Sources) == 0 {
		fmt.Fprintln(w, "  (无配置)")
	}
	for _, src := range s.Sources {
		stream := "rest"
		if src.Stream {
			stream = "rest+ws"
		}
		fmt.Fprintf(w, "  > %s (%s, %s)\n", src.Name, src.Kind, stream)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[托管序列 (SERIES)]")
	if len(s.Series) == 0 {
		fmt.Fprintln(w, "  (无配置)")
	}
	for _, d := range s.Series {
		fmt.Fprintf(w, "  > %-28s %s\n", d.Key, d.Path)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "[HTTP] %s\n", orDash(s.HTTP))
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
