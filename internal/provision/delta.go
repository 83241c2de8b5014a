package provision

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/linuxmuster-net/dc-authority/internal/jobs"
)

// deltaHeader marks a delta file as managed by this worker.
const deltaHeader = "# managed-by: dc-authority-worker"

// Row is a single 5-column delta entry: col0, hostname, configName (or
// "nopxe"), MAC (uppercased), IP (or "DHCP").
type Row [5]string

const (
	colZero   = 0
	colHost   = 1
	colConfig = 2
	colMAC    = 3
	colIP     = 4
)

// readDelta loads the delta file into a hostname-keyed map, preserving
// insertion order via an accompanying slice. A missing file yields an
// empty map, not an error.
func readDelta(path string) (rows map[string]Row, order []string, err error) {
	rows = make(map[string]Row)

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return rows, order, nil
	}
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			if strings.HasPrefix(line, "#") {
				continue
			}
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, ";")
		var row Row
		for i := 0; i < 5 && i < len(fields); i++ {
			row[i] = fields[i]
		}
		if _, exists := rows[row[colHost]]; !exists {
			order = append(order, row[colHost])
		}
		rows[row[colHost]] = row
	}
	return rows, order, scanner.Err()
}

// writeDelta replaces the delta file contents with the header line
// followed by one row per hostname, in order.
func writeDelta(path string, rows map[string]Row, order []string) error {
	var b strings.Builder
	b.WriteString(deltaHeader + "\n")
	for _, host := range order {
		row, ok := rows[host]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s;%s;%s;%s;%s\n", row[colZero], row[colHost], row[colConfig], row[colMAC], row[colIP])
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// applyJob mutates rows/order and deletedHosts in place for a single
// validated job. It never returns an error for business-level conditions
// (those are caller-visible via job outcomes); it returns an error only
// for conditions that should isolate the job as failed.
func applyJob(rows map[string]Row, order *[]string, deletedHosts map[string]struct{}, job *BatchJob) error {
	opts := job.Options
	switch opts.Action {
	case jobs.ActionDelete:
		removeRow(rows, order, opts.Hostname)
		deletedHosts[strings.ToLower(opts.Hostname)] = struct{}{}
		return nil

	case jobs.ActionUpdate:
		if opts.OldHostname != nil && *opts.OldHostname != "" && !strings.EqualFold(*opts.OldHostname, opts.Hostname) {
			removeRow(rows, order, *opts.OldHostname)
			deletedHosts[strings.ToLower(*opts.OldHostname)] = struct{}{}
		}
		fallthrough

	case jobs.ActionCreate:
		config := opts.ConfigName
		if config == "" {
			config = "nopxe"
		}
		ip := "DHCP"
		if opts.IP != nil && *opts.IP != "" {
			ip = *opts.IP
		}
		col0 := ""
		if opts.CSVCol0 != nil {
			col0 = *opts.CSVCol0
		}
		row := Row{col0, opts.Hostname, config, strings.ToUpper(opts.MAC), ip}
		if _, exists := rows[opts.Hostname]; !exists {
			*order = append(*order, opts.Hostname)
		}
		rows[opts.Hostname] = row
		return nil

	default:
		return fmt.Errorf("unknown provisioning action %q", opts.Action)
	}
}

func removeRow(rows map[string]Row, order *[]string, hostname string) {
	if _, ok := rows[hostname]; !ok {
		return
	}
	delete(rows, hostname)
	out := (*order)[:0]
	for _, h := range *order {
		if h != hostname {
			out = append(out, h)
		}
	}
	*order = out
}
