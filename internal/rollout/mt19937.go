package rollout

import (
	"crypto/sha512"
	"math/big"
)

// The phased-rollout bucket assignment predates this client: fleet servers
// were dialed up against buckets computed by the original tooling, which
// seeded a Mersenne Twister from the SHA-512-extended seed string
// "{channel}.{target}.{machine_id}" and took the first 7-bit draw below 100.
// A device's bucket must never move when the client is upgraded, so the
// derivation below is frozen. Do not "simplify" it to hash-mod-100.

const (
	mtN         = 624
	mtM         = 397
	mtMatrixA   = 0x9908b0df
	mtUpperMask = 0x80000000
	mtLowerMask = 0x7fffffff
)

type mt19937 struct {
	state [mtN]uint32
	index int
}

func (m *mt19937) seed(s uint32) {
	m.state[0] = s
	for i := 1; i < mtN; i++ {
		m.state[i] = 1812433253*(m.state[i-1]^(m.state[i-1]>>30)) + uint32(i)
	}
	m.index = mtN
}

// seedByArray is the init_by_array initialization, which mixes an arbitrary
// length key into the state after a fixed base seed.
func (m *mt19937) seedByArray(key []uint32) {
	m.seed(19650218)
	i, j := 1, 0
	k := mtN
	if len(key) > k {
		k = len(key)
	}
	for ; k > 0; k-- {
		m.state[i] = (m.state[i]^((m.state[i-1]^(m.state[i-1]>>30))*1664525)) + key[j] + uint32(j)
		i++
		j++
		if i >= mtN {
			m.state[0] = m.state[mtN-1]
			i = 1
		}
		if j >= len(key) {
			j = 0
		}
	}
	for k = mtN - 1; k > 0; k-- {
		m.state[i] = (m.state[i] ^ ((m.state[i-1] ^ (m.state[i-1] >> 30)) * 1566083941)) - uint32(i)
		i++
		if i >= mtN {
			m.state[0] = m.state[mtN-1]
			i = 1
		}
	}
	m.state[0] = 0x80000000
}

func (m *mt19937) next() uint32 {
	if m.index >= mtN {
		for i := 0; i < mtN; i++ {
			y := (m.state[i] & mtUpperMask) | (m.state[(i+1)%mtN] & mtLowerMask)
			next := m.state[(i+mtM)%mtN] ^ (y >> 1)
			if y&1 != 0 {
				next ^= mtMatrixA
			}
			m.state[i] = next
		}
		m.index = 0
	}
	y := m.state[m.index]
	m.index++
	y ^= y >> 11
	y ^= (y << 7) & 0x9d2c5680
	y ^= (y << 15) & 0xefc60000
	y ^= y >> 18
	return y
}

// seedKey turns a seed string into the init_by_array key: the big-endian
// integer formed by the seed bytes followed by their SHA-512 digest, split
// into 32-bit words, least significant word first.
func seedKey(seed string) []uint32 {
	raw := []byte(seed)
	digest := sha512.Sum512(raw)
	n := new(big.Int).SetBytes(append(raw, digest[:]...))

	if n.Sign() == 0 {
		return []uint32{0}
	}
	mask := big.NewInt(0xffffffff)
	var key []uint32
	word := new(big.Int)
	for n.Sign() > 0 {
		word.And(n, mask)
		key = append(key, uint32(word.Uint64()))
		n.Rsh(n, 32)
	}
	return key
}

// bucket returns the first 7-bit draw below 100 from a twister seeded with
// the given seed string. Rejection sampling keeps the result uniform.
func bucket(seed string) int {
	var m mt19937
	m.seedByArray(seedKey(seed))
	for {
		r := m.next() >> 25
		if r < 100 {
			return int(r)
		}
	}
}
