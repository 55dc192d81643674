package cardimage

// LinkKind distinguishes the three ways a block can appear in a
// [LinkMap], replacing the "-1 means orphan" sentinel of the original
// source with a proper tagged variant.
type LinkKind int

const (
	// LinkHead: the block is the head of its own save.
	LinkHead LinkKind = iota
	// LinkChild: the block is a non-head continuation of some save;
	// Head names that save's head block.
	LinkChild
	// LinkOrphan: the block has the used|linked status of a chain
	// continuation, but no head block's chain reaches it.
	LinkOrphan
)

// LinkState describes one block's position in the link map.
type LinkState struct {
	Kind LinkKind
	Head uint8 // valid only when Kind == LinkChild
}

// LinkMap maps block index to its [LinkState]. Free blocks, and
// blocks whose status is neither a recognizable head nor a recognizable
// linked continuation, are absent from the map.
type LinkMap map[uint8]LinkState

// LinkMap returns a fresh copy of the cached link map, building it if
// absent.
func (img *Image) LinkMap() (LinkMap, error) {
	img.mu.Lock()
	cached := img.linkMap
	img.mu.Unlock()
	if cached != nil {
		return cached.clone(), nil
	}

	built, err := img.buildLinkMap()
	if err != nil {
		return nil, err
	}

	img.mu.Lock()
	img.linkMap = built
	img.mu.Unlock()
	return built.clone(), nil
}

func (m LinkMap) clone() LinkMap {
	out := make(LinkMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (img *Image) buildLinkMap() (LinkMap, error) {
	m := make(LinkMap)

	// Pass 1: every head block claims its whole chain.
	for i := 1; i < BlockCount; i++ {
		if _, ok := m[uint8(i)]; ok {
			continue
		}
		hdr, err := img.readHeader(i)
		if err != nil {
			return nil, err
		}
		if xorAll(hdr[:]) != 0 {
			return nil, &HeaderCorruptError{Block: i}
		}
		status := headerStatus(hdr)
		if !IsHead(status) {
			continue
		}

		m[uint8(i)] = LinkState{Kind: LinkHead}
		chain, err := img.ResolveChain(i)
		if err != nil {
			return nil, err
		}
		for _, b := range chain[1:] {
			m[uint8(b)] = LinkState{Kind: LinkChild, Head: uint8(i)}
		}
	}

	// Pass 2: anything used|linked but still unclaimed is an orphan.
	for i := 1; i < BlockCount; i++ {
		if _, ok := m[uint8(i)]; ok {
			continue
		}
		hdr, err := img.readHeader(i)
		if err != nil {
			return nil, err
		}
		status := headerStatus(hdr)
		if IsUsed(status) && IsLinked(status) {
			m[uint8(i)] = LinkState{Kind: LinkOrphan}
		}
	}

	return m, nil
}
