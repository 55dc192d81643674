package cardimage

import "fmt"

// Validate checks every header's XOR, the superblock magic, each
// head's chain (loops, blocks claimed by more than one chain) and each
// head's declared size, and returns every violation found, rather than
// stopping at the first one. The status bits of continuation blocks are
// not checked. cmd/mcfs runs it once at startup so operators see every
// problem up front instead of discovering them lazily the first time a
// bad block is touched.
func (img *Image) Validate() []error {
	var problems []error

	for i := 0; i < BlockCount; i++ {
		if err := img.CheckHeader(i); err != nil {
			problems = append(problems, err)
		}
	}

	hdr0, err := img.readHeader(0)
	if err != nil {
		problems = append(problems, err)
	} else if hdr0[0] != 'M' || hdr0[1] != 'C' {
		problems = append(problems, ErrBadMagic)
	}

	m, err := img.LinkMap()
	if err != nil {
		problems = append(problems, err)
		return problems
	}

	seen := make(map[uint8]bool)
	for block, state := range m {
		if state.Kind != LinkHead {
			continue
		}
		chain, err := img.ResolveChain(int(block))
		if err != nil {
			problems = append(problems, fmt.Errorf("cardimage: chain at head %d: %w", block, err))
			continue
		}
		for _, b := range chain {
			if seen[uint8(b)] {
				problems = append(problems, fmt.Errorf("cardimage: block %d appears in more than one chain", b))
			}
			seen[uint8(b)] = true
		}
		size, err := img.HeaderSize(int(block))
		if err != nil {
			problems = append(problems, err)
			continue
		}
		if want := uint32(len(chain)) * BlockLength; size != want {
			problems = append(problems, fmt.Errorf("cardimage: head %d declares size %d, chain implies %d", block, size, want))
		}
	}

	return problems
}
