package store

import (
	"strconv"
	"sync/atomic"
	"time"
)

// ETagGenerator issues strictly increasing, time-ordered entity tags.
// The zero value is ready to use.
type ETagGenerator struct {
	last atomic.Int64

	// Now overrides the time source in tests.
	Now func() time.Time
}

// Next returns an entity tag greater than every tag previously returned
// by g.
func (g *ETagGenerator) Next() int64 {
	for {
		n := g.now().UnixNano()
		prev := g.last.Load()
		if n <= prev {
			n = prev + 1
		}
		if g.last.CompareAndSwap(prev, n) {
			return n
		}
	}
}

func (g *ETagGenerator) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// FormatETag renders an index score as an entity tag.
func FormatETag(n int64) string {
	return strconv.FormatInt(n, 10)
}

// ParseETag converts an entity tag back into its index score. Only the
// exact form FormatETag produces is accepted, so "+5" or "05" never alias
// the tag "5". Anything else yields ErrInvalidETag.
func ParseETag(etag string) (int64, error) {
	n, err := strconv.ParseInt(etag, 10, 64)
	if err != nil || n <= 0 || FormatETag(n) != etag {
		return 0, ErrInvalidETag
	}
	return n, nil
}
