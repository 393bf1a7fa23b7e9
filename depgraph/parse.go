package depgraph

import (
	"regexp"
	"strconv"
	"strings"
)

var dependsPattern = regexp.MustCompile(`(?i)\(depends:\s*([^)]+)\)`)

// ParseDependencies extracts dependency task ids from the (depends: id, id)
// marker in a task description. Ids are returned in marker order with
// duplicates removed; a description without a marker yields nil.
func ParseDependencies(description string) []string {
	match := dependsPattern.FindStringSubmatch(description)
	if match == nil {
		return nil
	}

	var deps []string
	seen := make(map[string]bool)
	for _, raw := range strings.Split(match[1], ",") {
		id := strings.TrimSpace(raw)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		deps = append(deps, id)
	}
	return deps
}

// compareTaskIDs orders phase.task ids in natural numeric order, so "1.2"
// sorts before "1.10". Non-numeric segments fall back to lexical order.
func compareTaskIDs(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil {
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
			continue
		}
		if as[i] != bs[i] {
			return strings.Compare(as[i], bs[i])
		}
	}
	return len(as) - len(bs)
}
