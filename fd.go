package daemonize

import (
	"errors"
	"iter"
	"log/slog"
	"math"
	"syscall"

	"github.com/bits-and-blooms/bitset"
)

// DefaultMaxFD is used as the descriptor ceiling when the resource limit is
// unbounded or cannot be read.
const DefaultMaxFD = 2048

// fdCeiling is the largest limit taken at face value. Descriptor numbers are
// C ints, so anything above it is treated as unbounded.
const fdCeiling = math.MaxInt32

// FDSet is a set of file descriptor numbers.
type FDSet struct {
	bits bitset.BitSet
}

// NewFDSet returns a set holding the given descriptors. Negative values are ignored.
func NewFDSet(fds ...int) *FDSet {
	s := &FDSet{}
	for _, fd := range fds {
		s.Add(fd)
	}
	return s
}

// Add inserts fd into the set.
func (s *FDSet) Add(fd int) {
	if fd < 0 {
		return
	}
	s.bits.Set(uint(fd))
}

// Union adds every member of o.
func (s *FDSet) Union(o *FDSet) {
	if o == nil {
		return
	}
	s.bits.InPlaceUnion(&o.bits)
}

// Contains reports whether fd is in the set.
func (s *FDSet) Contains(fd int) bool {
	if s == nil || fd < 0 {
		return false
	}
	return s.bits.Test(uint(fd))
}

// Len returns the number of descriptors in the set.
func (s *FDSet) Len() int {
	if s == nil {
		return 0
	}
	return int(s.bits.Count())
}

// Max returns the highest descriptor in the set, or -1 when empty.
func (s *FDSet) Max() int {
	fds := s.Slice()
	if len(fds) == 0 {
		return -1
	}
	return fds[len(fds)-1]
}

// Slice returns the members in ascending order.
func (s *FDSet) Slice() []int {
	if s == nil {
		return nil
	}
	out := make([]int, 0, s.bits.Count())
	for i, ok := s.bits.NextSet(0); ok; i, ok = s.bits.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}

// next returns the smallest member >= fd.
func (s *FDSet) next(fd int) (int, bool) {
	if s == nil {
		return 0, false
	}
	i, ok := s.bits.NextSet(uint(fd))
	return int(i), ok
}

// FDRange is the half-open descriptor interval [Start, End).
type FDRange struct {
	Start int
	End   int
}

// Len returns the number of descriptors covered by r.
func (r FDRange) Len() int { return r.End - r.Start }

// CandidateRanges yields, in ascending order, the maximal contiguous ranges
// covering [0, maxfd) minus exclude. Every descriptor below maxfd lands in
// exactly one range or in exclude.
func CandidateRanges(exclude *FDSet, maxfd int) iter.Seq[FDRange] {
	return func(yield func(FDRange) bool) {
		start := 0
		for start < maxfd {
			ex, ok := exclude.next(start)
			if !ok || ex >= maxfd {
				yield(FDRange{Start: start, End: maxfd})
				return
			}
			if ex > start && !yield(FDRange{Start: start, End: ex}) {
				return
			}
			start = ex + 1
		}
	}
}

// Inspector reports the shape of the process descriptor table.
type Inspector struct {
	table descriptorTable
}

// MaximumFileDescriptor returns the soft RLIMIT_NOFILE, or DefaultMaxFD when
// the limit is unbounded or unreadable.
func (i *Inspector) MaximumFileDescriptor() int {
	limit, err := i.table.NofileLimit()
	if err != nil || limit == 0 || limit > fdCeiling {
		return DefaultMaxFD
	}
	return int(limit)
}

// OpenDescriptors lists the descriptors currently open. ok is false when the
// OS offers no listing facility.
func (i *Inspector) OpenDescriptors() (fds *FDSet, ok bool) {
	list, err := i.table.ListDescriptors()
	if err != nil {
		return nil, false
	}
	return NewFDSet(list...), true
}

// CloseOnExec reports whether fd carries FD_CLOEXEC. Invalid descriptors report false.
func (i *Inspector) CloseOnExec(fd int) bool {
	cloexec, err := i.table.CloseOnExec(fd)
	return err == nil && cloexec
}

// RuntimeDescriptors returns the descriptors the Go runtime holds for itself,
// such as the network poller and its wakeup descriptor. Files the application
// opened are close-on-exec as well but are never part of the result.
func (i *Inspector) RuntimeDescriptors() *FDSet {
	owned := NewFDSet()
	check := func(fd int) {
		if !i.CloseOnExec(fd) {
			return
		}
		if ok, err := i.table.RuntimeOwned(fd); err == nil && ok {
			owned.Add(fd)
		}
	}

	if open, listed := i.OpenDescriptors(); listed {
		for _, fd := range open.Slice() {
			check(fd)
		}
		return owned
	}
	for fd := range i.MaximumFileDescriptor() {
		check(fd)
	}
	return owned
}

// CloseReport summarises a CloseAll sweep.
type CloseReport struct {
	Attempted int
	Closed    int
	Failed    int
}

// Closer closes every descriptor outside a preserved set.
type Closer struct {
	inspector *Inspector
	logger    *slog.Logger

	// keepRuntime adds the RuntimeDescriptors to every exclude set.
	keepRuntime bool
}

// CloseAll closes every descriptor not in exclude, close-on-exec or not.
// Closing is best effort: EBADF is expected for most candidates and other
// failures are logged and skipped. When the descriptor listing is available
// only listed descriptors are attempted.
func (c *Closer) CloseAll(exclude *FDSet) CloseReport {
	if c.keepRuntime {
		keep := NewFDSet()
		keep.Union(exclude)
		keep.Union(c.inspector.RuntimeDescriptors())
		exclude = keep
	}

	maxfd := c.inspector.MaximumFileDescriptor()
	open, listed := c.inspector.OpenDescriptors()
	if listed {
		maxfd = max(maxfd, open.Max()+1)
	}

	var report CloseReport
	for r := range CandidateRanges(exclude, maxfd) {
		if !listed {
			for fd := r.Start; fd < r.End; fd++ {
				c.closeOne(fd, &report)
			}
			continue
		}
		for fd, ok := open.next(r.Start); ok && fd < r.End; fd, ok = open.next(fd + 1) {
			c.closeOne(fd, &report)
		}
	}

	c.logger.Debug("closed inherited file descriptors",
		slog.Int("maxfd", maxfd),
		slog.Bool("listed", listed),
		slog.Int("attempted", report.Attempted),
		slog.Int("closed", report.Closed),
		slog.Int("failed", report.Failed),
	)
	return report
}

func (c *Closer) closeOne(fd int, report *CloseReport) {
	report.Attempted++
	err := c.inspector.table.Close(fd)
	switch {
	case err == nil:
		report.Closed++
	case errors.Is(err, syscall.EBADF):
	default:
		report.Failed++
		c.logger.Debug("close file descriptor", slog.Int("fd", fd), slog.String("error", err.Error()))
	}
}
