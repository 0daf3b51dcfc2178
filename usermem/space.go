package usermem

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrPMEntryInvalid   = errors.New("maps line invalid")
	ErrFault            = errors.New("bad user address")
	ErrOverlap          = errors.New("region overlaps an existing mapping")
	ErrEmptyRegion      = errors.New("region is empty")
	ErrRegionTooLarge   = errors.New("region too large")
	ErrPermissionDenied = errors.New("permission denied")
)

// MaxRegionSize caps a single mapping; backing memory is allocated on first touch but still has to fit.
const MaxRegionSize = 1 << 26

var PMRegex = regexp.MustCompile(`^([0-9a-f]+)-([0-9a-f]+)\s([rwxsp-]{4})\s[0-9a-f]{8}\s[0-9a-f]+:[0-9a-f]+\s\d+(?:\s+(.*))?$`)

type Perms uint8

const (
	PermRead Perms = 1 << iota
	PermWrite
	PermExec
)

// ParsePerms reads the first three characters of a maps permission field, e.g. "rw-p".
func ParsePerms(s string) Perms {
	var p Perms

	if len(s) > 0 && s[0] == 'r' {
		p |= PermRead
	}
	if len(s) > 1 && s[1] == 'w' {
		p |= PermWrite
	}
	if len(s) > 2 && s[2] == 'x' {
		p |= PermExec
	}

	return p
}

func (p Perms) String() string {
	bts := []byte("---")

	if p&PermRead != 0 {
		bts[0] = 'r'
	}
	if p&PermWrite != 0 {
		bts[1] = 'w'
	}
	if p&PermExec != 0 {
		bts[2] = 'x'
	}

	return string(bts)
}

// Region is one contiguous user mapping, [Start, End).
type Region struct {
	Start uint64
	End   uint64
	Perms Perms
	Name  string

	data []byte
}

func (r *Region) contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

func (r *Region) containsRange(addr, size uint64) bool {
	return r.contains(addr) && size <= r.End-addr
}

func (r *Region) overlaps(o *Region) bool {
	return r.Start < o.End && o.Start < r.End
}

func (r *Region) bytes() []byte {
	if r.data == nil {
		r.data = make([]byte, r.End-r.Start)
	}

	return r.data
}

// Space is a task's user address space. It is safe for concurrent use.
type Space struct {
	logger  *zap.SugaredLogger
	mu      sync.Mutex
	regions []*Region
}

func NewSpace(logger *zap.SugaredLogger) *Space {
	return &Space{logger: logger}
}

// Map adds the region [start, end) to the space.
func (s *Space) Map(start, end uint64, perms Perms, name string) error {
	if end <= start {
		return fmt.Errorf("%w: %#x-%#x", ErrEmptyRegion, start, end)
	}

	if end-start > MaxRegionSize {
		return fmt.Errorf("%w: %#x-%#x", ErrRegionTooLarge, start, end)
	}

	r := &Region{Start: start, End: end, Perms: perms, Name: name}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.regions {
		if existing.overlaps(r) {
			return fmt.Errorf("%w: %#x-%#x and %s", ErrOverlap, start, end, existing.Name)
		}
	}

	s.regions = append(s.regions, r)
	slices.SortFunc(s.regions, func(a, b *Region) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})

	s.logger.Debugw("mapped user region", "start", start, "end", end, "perms", perms.String(), "name", name)

	return nil
}

func (s *Space) parseLine(l string) (*Region, error) {
	res := PMRegex.FindAllStringSubmatch(l, -1)

	if len(res) != 1 || len(res[0]) != 5 {
		return nil, fmt.Errorf("%w: regex didn't match expected fields", ErrPMEntryInvalid)
	}

	start, err := strconv.ParseUint(res[0][1], 16, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse address start %s: %w", res[0][1], err)
	}

	end, err := strconv.ParseUint(res[0][2], 16, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse address end %s: %w", res[0][2], err)
	}

	name := res[0][4]
	if name == "" {
		name = "anonymous"
	}

	return &Region{
		Start: start,
		End:   end,
		Perms: ParsePerms(res[0][3]),
		Name:  name,
	}, nil
}

// LoadMaps maps every region described in /proc/pid/maps format. Lines that don't parse and regions larger than
// MaxRegionSize are skipped.
func (s *Space) LoadMaps(r io.Reader) error {
	scanner := bufio.NewScanner(r)

	n := 0

	for scanner.Scan() {
		l := scanner.Text()

		if l == "" {
			continue
		}

		region, err := s.parseLine(l)
		if errors.Is(err, ErrPMEntryInvalid) {
			s.logger.Warnw("skipping maps line", "line", l)
			continue
		} else if err != nil {
			return fmt.Errorf("failed to parse maps line: %w", err)
		}

		err = s.Map(region.Start, region.End, region.Perms, region.Name)
		if errors.Is(err, ErrRegionTooLarge) {
			s.logger.Warnw("skipping oversized region", "name", region.Name, "size", region.End-region.Start)
			continue
		} else if err != nil {
			return fmt.Errorf("failed to map %s: %w", region.Name, err)
		}

		n++
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read maps: %w", err)
	}

	if n == 0 {
		s.logger.Warnw("no regions loaded from maps")
	}

	return nil
}

// Regions returns a copy of the mappings, ordered by start address.
func (s *Space) Regions() []Region {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Region, 0, len(s.regions))
	for _, r := range s.regions {
		out = append(out, Region{Start: r.Start, End: r.End, Perms: r.Perms, Name: r.Name})
	}

	return out
}

// Find returns the name of the region holding addr.
func (s *Space) Find(addr uint64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.regions {
		if r.contains(addr) {
			return r.Name, true
		}
	}

	return "", false
}

// lookup must be called with s.mu held.
func (s *Space) lookup(addr, size uint64, want Perms) (*Region, error) {
	for _, r := range s.regions {
		if !r.contains(addr) {
			continue
		}

		if !r.containsRange(addr, size) {
			return nil, fmt.Errorf("%w: %#x+%d crosses the end of %s", ErrFault, addr, size, r.Name)
		}

		if r.Perms&want != want {
			return nil, fmt.Errorf("%w: %s is %s, need %s", ErrPermissionDenied, r.Name, r.Perms, want)
		}

		return r, nil
	}

	return nil, fmt.Errorf("%w: %#x is not mapped", ErrFault, addr)
}

func (s *Space) check(addr, size uint64, want Perms) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.lookup(addr, size, want)

	return err
}

// WriteBytes copies p into user memory at addr. The whole range must sit in one writable region.
func (s *Space) WriteBytes(addr uint64, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.lookup(addr, uint64(len(p)), PermWrite)
	if err != nil {
		return err
	}

	copy(r.bytes()[addr-r.Start:], p)

	return nil
}

// ReadBytes copies n bytes of user memory starting at addr.
func (s *Space) ReadBytes(addr uint64, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.lookup(addr, uint64(n), PermRead)
	if err != nil {
		return nil, err
	}

	off := addr - r.Start

	return slices.Clone(r.bytes()[off : off+uint64(n)]), nil
}
