package provision

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// MergeStats summarizes a delta-master merge for a batch's result payload.
type MergeStats struct {
	MasterRows  int
	Patched     int
	Omitted     int
	Appended    int
	TotalRows   int
	ColumnCount int
}

// mergeMaster reads masterPath line-by-line and produces the merged
// rows: deleted_hosts rows are omitted, delta rows patch columns 0-4 of
// a matching master row, unmatched delta rows are appended in
// deltaOrder, everything else passes through verbatim.
func mergeMaster(masterPath string, deltaRows map[string]Row, deltaOrder []string, deletedHosts map[string]struct{}) (merged [][]string, stats MergeStats, err error) {
	masterLines, err := readMasterLines(masterPath)
	if err != nil {
		return nil, stats, err
	}

	columnCount := 5
	parsedRows := make([][]string, 0, len(masterLines))
	seen := make(map[string]bool, len(deltaRows))

	for _, line := range masterLines {
		fields := strings.Split(line, ";")
		if len(fields) > columnCount {
			columnCount = len(fields)
		}
		parsedRows = append(parsedRows, fields)
	}

	stats.MasterRows = len(parsedRows)
	stats.ColumnCount = columnCount

	for _, fields := range parsedRows {
		if len(fields) < 2 {
			merged = append(merged, fields)
			continue
		}
		hostname := fields[1]
		if _, deleted := deletedHosts[strings.ToLower(hostname)]; deleted {
			stats.Omitted++
			continue
		}
		if delta, ok := deltaRows[hostname]; ok {
			seen[hostname] = true
			merged = append(merged, patchRow(fields, delta, columnCount))
			stats.Patched++
			continue
		}
		merged = append(merged, fields)
	}

	for _, hostname := range deltaOrder {
		if seen[hostname] {
			continue
		}
		if _, ok := deltaRows[hostname]; !ok {
			continue
		}
		if _, deleted := deletedHosts[strings.ToLower(hostname)]; deleted {
			continue
		}
		delta := deltaRows[hostname]
		row := make([]string, columnCount)
		for i := 0; i < 5; i++ {
			row[i] = delta[i]
		}
		merged = append(merged, row)
		stats.Appended++
	}

	stats.TotalRows = len(merged)
	return merged, stats, nil
}

func patchRow(master []string, delta Row, columnCount int) []string {
	row := padRow(master, columnCount)
	for i := 0; i < 5; i++ {
		row[i] = delta[i]
	}
	return row
}

func padRow(fields []string, columnCount int) []string {
	if len(fields) >= columnCount {
		return fields
	}
	row := make([]string, columnCount)
	copy(row, fields)
	return row
}

func readMasterLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// writeMaster serializes merged rows back to ';'-joined lines, LF
// terminated.
func writeMaster(rows [][]string) string {
	var b strings.Builder
	for _, row := range rows {
		fmt.Fprintln(&b, strings.Join(row, ";"))
	}
	return b.String()
}
