package shopware

import (
	"strconv"
	"strings"
)

// LegacyQueueBefore is the first release that serves /api/_info/queue.json.
const LegacyQueueBefore = "6.4.7.0"

// CompareVersions compares two dotted version strings segment by segment
// and returns -1, 0 or 1. Only the common prefix of segments is compared,
// so "6.4.7.0" and "6.4.7" are equal. A numeric segment sorts above a
// non-numeric one; two non-numeric segments compare lexically.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	n := min(len(as), len(bs))
	for i := range n {
		if c := compareSegment(as[i], bs[i]); c != 0 {
			return c
		}
	}
	return 0
}

func compareSegment(a, b string) int {
	an, aErr := strconv.Atoi(a)
	bn, bErr := strconv.Atoi(b)

	switch {
	case aErr == nil && bErr == nil:
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
		return 0
	case aErr == nil:
		return 1
	case bErr == nil:
		return -1
	}
	return strings.Compare(a, b)
}

// UsesLegacyQueueAPI reports whether a shop on version v only exposes queue
// depth through the message-queue-stats search endpoint.
func UsesLegacyQueueAPI(v string) bool {
	return CompareVersions(v, LegacyQueueBefore) < 0
}
