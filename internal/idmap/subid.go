package idmap

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Range is one contiguous block of subordinate ids.
type Range struct {
	Start uint32
	Count uint32
}

func (r Range) End() uint32 { return r.Start + r.Count }

// Overlaps reports whether two ranges share any id.
func (r Range) Overlaps(other Range) bool {
	return r.Start < other.End() && other.Start < r.End()
}

// subIDEntry is one line of /etc/subuid or /etc/subgid, keyed by either a
// user name or a numeric uid.
type subIDEntry struct {
	owner string
	Range
}

// parseSubIDs reads a subordinate-id allocation file. Comments, blank lines
// and malformed entries are skipped: the file is shared with other tools and
// a bad line elsewhere must not break us.
func parseSubIDs(r io.Reader) ([]subIDEntry, error) {
	var entries []subIDEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) != 3 {
			continue
		}
		start, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			continue
		}
		count, err := strconv.ParseUint(parts[2], 10, 32)
		if err != nil || count == 0 {
			continue
		}
		entries = append(entries, subIDEntry{
			owner: parts[0],
			Range: Range{Start: uint32(start), Count: uint32(count)},
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sub-id file: %w", err)
	}
	return entries, nil
}

// rangeFor picks the first range owned by the user (matched by name or by
// numeric uid) that covers at least need ids.
func rangeFor(entries []subIDEntry, username string, uid int, need uint32) (Range, bool) {
	uidStr := strconv.Itoa(uid)
	for _, e := range entries {
		if e.owner != username && e.owner != uidStr {
			continue
		}
		if e.Count >= need {
			return e.Range, true
		}
	}
	return Range{}, false
}

// overlapping returns the owner pairs whose ranges intersect. The shadow
// utilities document that ranges should be disjoint but never enforce it;
// an overlap makes "same owner outside as inside" ambiguous, so it is worth
// a warning.
func overlapping(entries []subIDEntry) []string {
	var pairs []string
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[i].owner == entries[j].owner {
				continue
			}
			if entries[i].Overlaps(entries[j].Range) {
				pairs = append(pairs, fmt.Sprintf("%s and %s", entries[i].owner, entries[j].owner))
			}
		}
	}
	return pairs
}
