package domain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// protoAny is hashed in place of the protocol when the criteria match
// any protocol.
const protoAny = "any"

// ScopeHash computes the canonical fingerprint of the criteria: a
// 128-bit xxh3 over the normalized prefix, the protocol (or a
// sentinel), and the sorted, deduplicated port set, rendered as 32 hex
// characters. Semantically equal criteria always hash identically.
func (m MatchCriteria) ScopeHash() (string, error) {
	n, err := m.Normalize()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(n.DstPrefix)
	b.WriteByte('|')
	if n.Protocol != nil {
		b.WriteString(strconv.Itoa(int(*n.Protocol)))
	} else {
		b.WriteString(protoAny)
	}
	b.WriteByte('|')
	for i, p := range n.DstPorts {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(p)))
	}

	sum := xxh3.Hash128([]byte(b.String()))
	return fmt.Sprintf("%016x%016x", sum.Hi, sum.Lo), nil
}
