package mkfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"

	"github.com/vorteil/vmkfs/pkg/btrfs"
	"github.com/vorteil/vmkfs/pkg/ctree"
)

// recowRoot rewrites every leaf of r not yet written in trans, so that it
// is reallocated from the block groups the filesystem will finally use.
// It returns the number of leaves rewritten.
func recowRoot(trans *ctree.Transaction, r *ctree.Root) (int, error) {

	path, err := ctree.SearchSlot(nil, r, btrfs.Key{}, false)
	if err != nil {
		return 0, err
	}

	var n int
	for {
		leaf := path.Leaf()
		if leaf.Generation() != trans.Transid {
			key := leaf.FirstKey()
			path, err = ctree.SearchSlot(trans, r, key, true)
			if err != nil {
				return n, err
			}
			if leaf.NrItems() > 0 && (!path.Found() || path.Key() != key) {
				return n, fmt.Errorf("tree %d: leaf key %v lost during rewrite: %w", r.ObjectID(), key, ctree.ErrCorrupt)
			}
			n++
		}

		if !path.NextLeaf() {
			break
		}
	}

	return n, nil
}

// recowRoots rewrites the trees that exist before the final block groups
// are created.
func recowRoots(trans *ctree.Transaction) (int, error) {

	fs := trans.FS()

	roots := []*ctree.Root{
		fs.FSRoot(),
		fs.TreeRoot(),
		fs.ChunkRoot(),
		fs.DevRoot(),
	}
	if fs.HasCompatRO(btrfs.FeatureCompatROBlockGroupTree) {
		roots = append(roots, fs.Root(btrfs.BlockGroupTreeObjectID, 0))
	}
	if fs.HasIncompat(btrfs.FeatureIncompatRaidStripeTree) {
		roots = append(roots, fs.Root(btrfs.RaidStripeTreeObjectID, 0))
	}
	roots = append(roots, fs.GlobalRoots()...)

	var total int
	for _, r := range roots {
		if r == nil {
			continue
		}
		n, err := recowRoot(trans, r)
		total += n
		if err != nil {
			return total, err
		}
	}

	return total, nil
}
