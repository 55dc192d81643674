package cardimage

import "encoding/binary"

// CreateSave allocates block as a fresh single-block save. It fails
// with [AlreadyAllocatedError] if the block's status already has the
// used bit set.
func (img *Image) CreateSave(block int) error {
	hdr, err := img.readHeader(block)
	if err != nil {
		return err
	}
	if IsUsed(headerStatus(hdr)) {
		return &AlreadyAllocatedError{Block: block}
	}

	return img.mutateHeader(block, func(h *[headerEntrySize]byte) {
		h[0x00] = 0x51 // used | list-start-or-end
		binary.LittleEndian.PutUint32(h[0x04:], BlockLength)
		binary.LittleEndian.PutUint16(h[0x08:], endOfChain)
		h[0x0A] = 'B'
	})
}

// AppendBlock allocates newBlock as a linked continuation of head's
// chain, then re-links the old tail to point at it and grows head's
// size field by one block.
func (img *Image) AppendBlock(head, newBlock int) error {
	hdr, err := img.readHeader(newBlock)
	if err != nil {
		return err
	}
	if IsUsed(headerStatus(hdr)) {
		return &AlreadyAllocatedError{Block: newBlock}
	}

	chain, err := img.ResolveChain(head)
	if err != nil {
		return err
	}
	tail := chain[len(chain)-1]

	if err := img.mutateHeader(newBlock, func(h *[headerEntrySize]byte) {
		h[0x00] = 0x53 // used | linked | list-start-or-end
		binary.LittleEndian.PutUint16(h[0x08:], endOfChain)
	}); err != nil {
		return err
	}

	if err := img.mutateHeader(tail, func(h *[headerEntrySize]byte) {
		binary.LittleEndian.PutUint16(h[0x08:], uint16(newBlock-1))
	}); err != nil {
		return err
	}

	return img.mutateHeader(head, func(h *[headerEntrySize]byte) {
		sz := binary.LittleEndian.Uint32(h[0x04:])
		binary.LittleEndian.PutUint32(h[0x04:], sz+BlockLength)
	})
}

// DeleteSave walks the chain from head and marks every block in it,
// including head, as free by replacing the high nibble of its status
// with 0xA while preserving the low bits. No payload is erased. Fails
// with [NotAllocatedError] if head is already free.
func (img *Image) DeleteSave(head int) error {
	hdr, err := img.readHeader(head)
	if err != nil {
		return err
	}
	if !IsUsed(headerStatus(hdr)) {
		return &NotAllocatedError{Block: head}
	}

	chain, err := img.ResolveChain(head)
	if err != nil {
		return err
	}

	for _, b := range chain {
		if err := img.mutateHeader(b, func(h *[headerEntrySize]byte) {
			h[0x00] = (h[0x00] & 0x0F) | 0xA0
		}); err != nil {
			return err
		}
	}
	return nil
}
