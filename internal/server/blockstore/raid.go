package blockstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

// RAID0 stripes whole blocks across children by hashing the block id.
// No redundancy: a lost child loses its blocks.
type RAID0 struct {
	children []BlockStore
}

func NewRAID0(children []BlockStore) (*RAID0, error) {
	if len(children) < 2 {
		return nil, fmt.Errorf("raid0 requires at least 2 children, got %d", len(children))
	}
	return &RAID0{children: children}, nil
}

func (r *RAID0) pick(blockID models.BlockID) BlockStore {
	sum := blake2b.Sum256([]byte(blockID))
	n := binary.BigEndian.Uint64(sum[:8])
	return r.children[n%uint64(len(r.children))]
}

func (r *RAID0) Read(ctx context.Context, org models.OrganizationID, blockID models.BlockID) ([]byte, error) {
	return r.pick(blockID).Read(ctx, org, blockID)
}

func (r *RAID0) Create(ctx context.Context, org models.OrganizationID, blockID models.BlockID, data []byte) error {
	return r.pick(blockID).Create(ctx, org, blockID, data)
}

// RAID1 mirrors every block to all children. Reads return the first
// success; writes require every child to succeed unless partialCreateOk.
type RAID1 struct {
	children        []BlockStore
	partialCreateOk bool
}

func NewRAID1(children []BlockStore, partialCreateOk bool) (*RAID1, error) {
	if len(children) < 2 {
		return nil, fmt.Errorf("raid1 requires at least 2 children, got %d", len(children))
	}
	return &RAID1{children: children, partialCreateOk: partialCreateOk}, nil
}

func (r *RAID1) Read(ctx context.Context, org models.OrganizationID, blockID models.BlockID) ([]byte, error) {
	var lastErr error
	for _, child := range r.children {
		data, err := child.Read(ctx, org, blockID)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (r *RAID1) Create(ctx context.Context, org models.OrganizationID, blockID models.BlockID, data []byte) error {
	succeeded := 0
	var lastErr error
	for _, child := range r.children {
		if err := child.Create(ctx, org, blockID, data); err != nil {
			lastErr = err
			if !r.partialCreateOk {
				return err
			}
			continue
		}
		succeeded++
	}
	if succeeded == 0 {
		return lastErr
	}
	return nil
}

// RAID5 splits each block into n-1 data chunks plus one XOR parity
// chunk on the last child. Any single child failure on read is repaired
// by reconstruction.
//
// Chunk layout: the payload is prefixed with its 8-byte big-endian
// length, zero-padded to a multiple of n-1 and split evenly, so every
// chunk (parity included) has the same size and XOR reconstruction
// yields the prefixed form back.
type RAID5 struct {
	children        []BlockStore
	partialCreateOk bool
}

func NewRAID5(children []BlockStore, partialCreateOk bool) (*RAID5, error) {
	if len(children) < 3 {
		return nil, fmt.Errorf("raid5 requires at least 3 children, got %d", len(children))
	}
	return &RAID5{children: children, partialCreateOk: partialCreateOk}, nil
}

func chunkID(blockID models.BlockID, index int) models.BlockID {
	return models.BlockID(fmt.Sprintf("%s.%d", blockID, index))
}

func (r *RAID5) split(data []byte) [][]byte {
	dataChunks := len(r.children) - 1

	prefixed := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(prefixed, uint64(len(data)))
	copy(prefixed[8:], data)

	chunkLen := (len(prefixed) + dataChunks - 1) / dataChunks
	padded := make([]byte, chunkLen*dataChunks)
	copy(padded, prefixed)

	chunks := make([][]byte, dataChunks+1)
	parity := make([]byte, chunkLen)
	for i := 0; i < dataChunks; i++ {
		chunk := padded[i*chunkLen : (i+1)*chunkLen]
		chunks[i] = chunk
		for j, b := range chunk {
			parity[j] ^= b
		}
	}
	chunks[dataChunks] = parity
	return chunks
}

func (r *RAID5) Create(ctx context.Context, org models.OrganizationID, blockID models.BlockID, data []byte) error {
	chunks := r.split(data)
	failures := 0
	var lastErr error
	for i, chunk := range chunks {
		if err := r.children[i].Create(ctx, org, chunkID(blockID, i), chunk); err != nil {
			failures++
			lastErr = err
			// One lost chunk stays reconstructible; more than one never is.
			if failures > 1 || !r.partialCreateOk {
				return lastErr
			}
		}
	}
	return nil
}

func (r *RAID5) Read(ctx context.Context, org models.OrganizationID, blockID models.BlockID) ([]byte, error) {
	n := len(r.children)
	chunks := make([][]byte, n)
	missing := -1
	allNotFound := true

	for i := 0; i < n; i++ {
		chunk, err := r.children[i].Read(ctx, org, chunkID(blockID, i))
		if err != nil {
			if !errors.Is(err, common.ErrBlockNotFound) {
				allNotFound = false
			}
			if missing >= 0 {
				if allNotFound {
					// Nothing was ever written under this id.
					return nil, common.ErrBlockNotFound
				}
				return nil, fmt.Errorf("%w: lost more than one raid5 chunk", common.ErrStoreUnavailable)
			}
			missing = i
			continue
		}
		chunks[i] = chunk
	}

	if missing >= 0 {
		chunks[missing] = reconstruct(chunks, missing)
	}

	dataChunks := chunks[:n-1]
	prefixed := make([]byte, 0, len(dataChunks)*len(dataChunks[0]))
	for _, chunk := range dataChunks {
		prefixed = append(prefixed, chunk...)
	}
	if len(prefixed) < 8 {
		return nil, fmt.Errorf("%w: corrupted raid5 block", common.ErrStoreUnavailable)
	}
	size := binary.BigEndian.Uint64(prefixed)
	if size > uint64(len(prefixed)-8) {
		return nil, fmt.Errorf("%w: corrupted raid5 block", common.ErrStoreUnavailable)
	}
	return prefixed[8 : 8+size], nil
}

func reconstruct(chunks [][]byte, missing int) []byte {
	var out []byte
	for i, chunk := range chunks {
		if i == missing {
			continue
		}
		if out == nil {
			out = make([]byte, len(chunk))
		}
		for j, b := range chunk {
			out[j] ^= b
		}
	}
	return out
}
