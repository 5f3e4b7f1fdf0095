package convergence

import "strings"

// StateColumn is the field of a status line holding the protocol state, as in
// the daemon's "show protocols" table:
//
//	Name       Proto      Table      State  Since         Info
//	bgp1       BGP        ---        up     12:01:33.412  Established
const StateColumn = 3

// DownProtocols scrapes a status report and returns the names (lowercased)
// whose line does not show "up" in the state column.
//
// Matching follows the daemon's plain-text output: every line is lowercased
// and trimmed, split on whitespace, and a name matches a line when it is a
// substring of the first field. Names that match no line are not reported.
// A matching line too short to have a state column counts as down.
func DownProtocols(status string, names []string) []string {
	targets := normalize(names)
	var down []string
	for _, line := range strings.Split(status, "\n") {
		fields := strings.Fields(strings.ToLower(strings.TrimSpace(line)))
		if len(fields) == 0 {
			continue
		}
		for _, name := range targets {
			if !strings.Contains(fields[0], name) {
				continue
			}
			if len(fields) <= StateColumn || !strings.Contains(fields[StateColumn], "up") {
				down = append(down, name)
			}
		}
	}
	return down
}

func normalize(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, strings.ToLower(n))
	}
	return out
}
