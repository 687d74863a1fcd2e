package history

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/rodaine/table"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	bold  = color.New(color.Bold).SprintFunc()
)

// Print renders entries as a table to stdout, most recent first.
func Print(entries []Entry) {
	if len(entries) == 0 {
		fmt.Println("no test runs recorded yet")
		return
	}

	headerFmt := color.New(color.FgCyan, color.Underline).SprintfFunc()
	tbl := table.New("ID", "When", "Role", "Peer", "Streams", "Mbps", "Latency", "Loss", "Status")
	tbl.WithHeaderFormatter(headerFmt)

	for _, e := range entries {
		status := green("ok")
		if e.Partial {
			status = color.New(color.FgYellow).SprintFunc()("partial")
		}
		if e.Error != "" {
			status = red("failed")
		}
		tbl.AddRow(
			e.ID,
			e.Timestamp.Format("2006-01-02 15:04"),
			e.Role,
			e.Peer,
			e.Streams,
			fmt.Sprintf("%.1f", e.AvgThroughputMb),
			fmt.Sprintf("%.1fms", e.AvgLatencyMs),
			fmt.Sprintf("%.2f%%", e.LossPct),
			status,
		)
	}
	tbl.Print()
}

// PrintDetail renders a single entry's full detail.
func PrintDetail(e Entry) {
	fmt.Println()
	fmt.Println(bold("RUN " + e.ID))
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("%-16s %s\n", "When:", e.Timestamp.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("%-16s %s\n", "Role:", e.Role)
	fmt.Printf("%-16s %s\n", "Peer:", e.Peer)
	fmt.Printf("%-16s %d\n", "Streams:", e.Streams)
	fmt.Printf("%-16s %.1fs\n", "Load duration:", e.LoadDuration)
	fmt.Printf("%-16s %.2f Mbps\n", "Throughput:", e.AvgThroughputMb)
	fmt.Printf("%-16s %.2f ms\n", "Latency:", e.AvgLatencyMs)
	fmt.Printf("%-16s %.2f%%\n", "Loss:", e.LossPct)
	if e.ResultPath != "" {
		fmt.Printf("%-16s %s\n", "Result file:", e.ResultPath)
	}
	if e.Error != "" {
		fmt.Println()
		fmt.Println(red("Error:"), e.Error)
	}
	fmt.Println()
}
