package staging

import (
	"fmt"
	"math/bits"
)

// SizePolicy decides how many bytes to allocate for a request that no free
// buffer can satisfy.
type SizePolicy interface {
	Round(n int) int
}

// ExactSize allocates exactly the requested size.
type ExactSize struct{}

// Round returns n.
func (ExactSize) Round(n int) int { return n }

// AlignedSize rounds up to a multiple of Alignment.
type AlignedSize struct {
	Alignment int
}

// Round returns n rounded up to the next multiple of the alignment.
func (p AlignedSize) Round(n int) int {
	if p.Alignment <= 1 {
		return n
	}
	return (n + p.Alignment - 1) / p.Alignment * p.Alignment
}

// Pow2Size rounds up to the next power of two, never below Floor.
type Pow2Size struct {
	Floor int
}

// Round returns the smallest power of two that is >= max(n, Floor).
func (p Pow2Size) Round(n int) int {
	if n < p.Floor {
		n = p.Floor
	}
	if n <= 1 {
		return 1
	}
	shift := bits.Len(uint(n - 1))
	if shift >= bits.UintSize-2 {
		return n
	}
	return 1 << shift
}

// DefaultPolicy buckets allocations into powers of two from 256 bytes up.
func DefaultPolicy() SizePolicy {
	return Pow2Size{Floor: 256}
}

// Policy names accepted by PolicyByName.
const (
	PolicyExact   = "exact"
	PolicyAligned = "aligned"
	PolicyPow2    = "pow2"
)

// PolicyByName builds a SizePolicy from its configuration name. param is the
// alignment for "aligned" and the floor for "pow2".
func PolicyByName(name string, param int) (SizePolicy, error) {
	if param < 0 {
		return nil, fmt.Errorf("staging: negative size policy parameter %d", param)
	}
	switch name {
	case PolicyExact:
		return ExactSize{}, nil
	case PolicyAligned:
		if param == 0 {
			return nil, fmt.Errorf("staging: aligned policy needs an alignment")
		}
		return AlignedSize{Alignment: param}, nil
	case PolicyPow2, "":
		return Pow2Size{Floor: param}, nil
	default:
		return nil, fmt.Errorf("staging: unknown size policy %q", name)
	}
}
