package hosting

import (
	"regexp"
	"strconv"
)

// Child issues are declared as task-list items in the parent body, the
// tracking-issue convention both hosts render natively:
//
//	- [ ] #123
//	- [x] https://github.com/owner/repo/issues/456
//
// Checked state on the item is ignored; open/closed state comes from the
// issues themselves.
var childRefPattern = regexp.MustCompile(`(?m)^\s*[-*]\s*\[[ xX]\]\s*(?:#(\d+)|\S+/(?:issues|work_items)/(\d+))\s*$`)

// ParseChildRefs extracts child issue numbers from a tracking-issue body.
// Numbers are returned in order of first appearance, deduplicated.
func ParseChildRefs(body string) []int {
	matches := childRefPattern.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[int]bool, len(matches))
	var children []int
	for _, m := range matches {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || seen[n] {
			continue
		}
		seen[n] = true
		children = append(children, n)
	}
	return children
}
