package index

import (
	"fmt"

	"github.com/yashagw/craneidx/internal/keystring"
	"github.com/yashagw/craneidx/internal/value"
)

// SeekPoint describes a compound seek: the first PrefixLen fields of
// KeyPrefix are matched exactly, and the remaining positions come from
// KeySuffix, each inclusive or exclusive.
//
// When PrefixExclusive is set the seek lands past every key sharing the
// prefix and the suffix is ignored.
type SeekPoint struct {
	KeyPrefix       value.Key
	PrefixLen       int
	PrefixExclusive bool
	KeySuffix       []value.Value
	SuffixInclusive []bool
}

// queryKey builds the boundary values and discriminator for a cursor
// moving in the given direction. Fields after the first exclusive one are
// dropped since an exclusive field never compares equal.
func (sp SeekPoint) queryKey(forward bool) ([]value.Value, keystring.Discriminator, error) {
	exclusive := keystring.ExclusiveBefore
	if forward {
		exclusive = keystring.ExclusiveAfter
	}

	if sp.PrefixLen < 0 || sp.PrefixLen > len(sp.KeyPrefix) {
		return nil, 0, fmt.Errorf("%w: prefix length %d with %d prefix fields", ErrInvalidSeekPoint, sp.PrefixLen, len(sp.KeyPrefix))
	}
	values := make([]value.Value, 0, max(sp.PrefixLen, len(sp.KeySuffix)))
	for i := 0; i < sp.PrefixLen; i++ {
		values = append(values, sp.KeyPrefix[i].Value)
	}
	if sp.PrefixExclusive {
		if sp.PrefixLen == 0 {
			return nil, 0, fmt.Errorf("%w: exclusive prefix of length 0", ErrInvalidSeekPoint)
		}
		return values, exclusive, nil
	}

	if len(sp.KeySuffix) != len(sp.SuffixInclusive) {
		return nil, 0, fmt.Errorf("%w: %d suffix values with %d inclusive flags", ErrInvalidSeekPoint, len(sp.KeySuffix), len(sp.SuffixInclusive))
	}
	for i := sp.PrefixLen; i < len(sp.KeySuffix); i++ {
		values = append(values, sp.KeySuffix[i])
		if !sp.SuffixInclusive[i] {
			return values, exclusive, nil
		}
	}

	// Fully inclusive: land before the key going forward, after it going
	// backward.
	if forward {
		return values, keystring.ExclusiveBefore, nil
	}
	return values, keystring.ExclusiveAfter, nil
}
