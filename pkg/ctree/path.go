package ctree

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"

	"github.com/vorteil/vmkfs/pkg/btrfs"
)

// Path is a cursor over the items of one tree. A path must be re-acquired
// with SearchSlot after the tree is modified.
type Path struct {
	Slot int

	root  *Root
	leaf  *block
	found bool
}

// Leaf describes the leaf a path points into.
type Leaf struct {
	b *block
}

func (l Leaf) Bytenr() uint64 {
	return l.b.bytenr
}

func (l Leaf) Generation() uint64 {
	return l.b.generation
}

func (l Leaf) NrItems() int {
	return len(l.b.items)
}

// FirstKey returns the lowest key in the leaf, or the zero key if the leaf
// is empty.
func (l Leaf) FirstKey() btrfs.Key {
	if len(l.b.items) == 0 {
		return btrfs.Key{}
	}
	return l.b.items[0].key
}

// leafFor returns the leaf that holds, or would hold, key k.
func (r *Root) leafFor(k btrfs.Key) *block {
	var found *block
	r.leaves.DescendLessOrEqual(&block{first: k}, func(l *block) bool {
		found = l
		return false
	})
	if found == nil {
		found, _ = r.leaves.Min()
	}
	return found
}

func (r *Root) nextLeaf(l *block) *block {
	var next *block
	r.leaves.AscendGreaterOrEqual(l, func(b *block) bool {
		if b == l {
			return true
		}
		next = b
		return false
	})
	return next
}

// SearchSlot positions a path at key, or at the slot where key would be
// inserted. With cow set, every block on the path is made writable in
// trans first.
func SearchSlot(trans *Transaction, r *Root, key btrfs.Key, cow bool) (*Path, error) {

	leaf := r.leafFor(key)

	if cow {
		err := trans.check(r.fs)
		if err != nil {
			return nil, err
		}
		err = r.cowLeaf(trans, leaf)
		if err != nil {
			return nil, err
		}
	}

	slot, found := leaf.search(key)
	return &Path{
		Slot:  slot,
		root:  r,
		leaf:  leaf,
		found: found,
	}, nil
}

// Found reports whether the search matched its key exactly.
func (p *Path) Found() bool {
	return p.found
}

// Valid reports whether the path points at an item.
func (p *Path) Valid() bool {
	return p.Slot < len(p.leaf.items)
}

func (p *Path) Key() btrfs.Key {
	return p.leaf.items[p.Slot].key
}

// Data returns the item body. It must not be modified.
func (p *Path) Data() []byte {
	return p.leaf.items[p.Slot].data
}

func (p *Path) Leaf() Leaf {
	return Leaf{b: p.leaf}
}

// NextLeaf moves to the first slot of the following leaf. It returns false
// at the end of the tree.
func (p *Path) NextLeaf() bool {
	next := p.root.nextLeaf(p.leaf)
	if next == nil {
		p.Slot = len(p.leaf.items)
		return false
	}
	p.leaf = next
	p.Slot = 0
	return true
}

// NextItem advances to the next item, crossing leaves as needed. It
// returns false at the end of the tree.
func (p *Path) NextItem() bool {
	p.Slot++
	for p.Slot >= len(p.leaf.items) {
		if !p.NextLeaf() {
			return false
		}
	}
	return true
}

// cowBlock makes b writable in trans, moving it to a new location if it
// was written by an earlier transaction.
func (r *Root) cowBlock(trans *Transaction, b *block) error {
	if b.generation == trans.Transid {
		b.dirty = true
		return nil
	}
	bytenr, err := r.fs.allocTreeBlock(r.Key.ObjectID)
	if err != nil {
		return err
	}
	r.fs.freeTreeBlock(b.bytenr)
	b.bytenr = bytenr
	b.generation = trans.Transid
	b.dirty = true
	return nil
}

// cowLeaf makes l writable together with every node above the leaves.
// Nodes are rebuilt from their children when written, so any change to
// the leaf set rewrites all of them.
func (r *Root) cowLeaf(trans *Transaction, l *block) error {
	for _, level := range r.nodes {
		for _, n := range level {
			err := r.cowBlock(trans, n)
			if err != nil {
				return err
			}
		}
	}
	err := r.cowBlock(trans, l)
	if err != nil {
		return err
	}
	r.dirty = true
	return nil
}

// rekey restores the leaf index after the first item of l changed.
func (r *Root) rekey(l *block) {
	if len(l.items) == 0 || l.first == l.items[0].key {
		return
	}
	r.leaves.Delete(l)
	l.first = l.items[0].key
	r.leaves.ReplaceOrInsert(l)
}

func (r *Root) newBlock(trans *Transaction, level uint8) (*block, error) {
	bytenr, err := r.fs.allocTreeBlock(r.Key.ObjectID)
	if err != nil {
		return nil, err
	}
	return &block{
		bytenr:     bytenr,
		generation: trans.Transid,
		level:      level,
		dirty:      true,
	}, nil
}

// nodeLayout returns how many node blocks each level above n leaves needs.
func (fs *FSInfo) nodeLayout(n int) []int {
	var counts []int
	c := fs.nodeCapacity()
	for n > 1 {
		n = (n + c - 1) / c
		counts = append(counts, n)
	}
	return counts
}

// reshape adds or frees node blocks so that the levels above the leaves
// can hold them. Nodes kept must already be writable in trans.
func (r *Root) reshape(trans *Transaction) error {

	want := r.fs.nodeLayout(r.leaves.Len())
	if len(want) >= btrfs.MaxLevel {
		return fmt.Errorf("tree %d: %d levels: %w", r.Key.ObjectID, len(want)+1, ErrTreeFull)
	}

	for i := len(want); i < len(r.nodes); i++ {
		for _, n := range r.nodes[i] {
			r.fs.freeTreeBlock(n.bytenr)
		}
	}
	if len(r.nodes) > len(want) {
		r.nodes = r.nodes[:len(want)]
	}

	for i, count := range want {
		if i == len(r.nodes) {
			r.nodes = append(r.nodes, nil)
		}
		level := r.nodes[i]
		for len(level) > count {
			r.fs.freeTreeBlock(level[len(level)-1].bytenr)
			level = level[:len(level)-1]
		}
		for len(level) < count {
			n, err := r.newBlock(trans, uint8(i+1))
			if err != nil {
				r.nodes[i] = level
				return err
			}
			level = append(level, n)
		}
		r.nodes[i] = level
	}

	r.dirty = true
	return nil
}

// split moves the upper half of an overfull leaf into a new leaf.
func (r *Root) split(trans *Transaction, l *block) error {

	limit := r.fs.leafCapacity()
	if l.used() <= limit {
		return nil
	}

	half := l.used() / 2
	idx, acc := 0, 0
	for idx < len(l.items)-1 {
		sz := btrfs.ItemSize + len(l.items[idx].data)
		if acc+sz > half && idx > 0 {
			break
		}
		acc += sz
		idx++
	}

	right, err := r.newBlock(trans, 0)
	if err != nil {
		return err
	}
	right.items = append([]item(nil), l.items[idx:]...)
	right.first = right.items[0].key
	l.items = l.items[:idx:idx]
	r.leaves.ReplaceOrInsert(right)

	err = r.split(trans, l)
	if err != nil {
		return err
	}
	return r.split(trans, right)
}

func (r *Root) checkItemSize(n int) error {
	if btrfs.ItemSize+n > r.fs.leafCapacity() {
		return fmt.Errorf("item of %d bytes exceeds leaf capacity %d", n, r.fs.leafCapacity())
	}
	return nil
}

// InsertItem adds a new item to the tree.
func InsertItem(trans *Transaction, r *Root, key btrfs.Key, data []byte) error {

	err := r.checkItemSize(len(data))
	if err != nil {
		return err
	}

	p, err := SearchSlot(trans, r, key, true)
	if err != nil {
		return err
	}
	if p.found {
		return fmt.Errorf("tree %d key %v: %w", r.Key.ObjectID, key, ErrExists)
	}

	l := p.leaf
	l.items = append(l.items, item{})
	copy(l.items[p.Slot+1:], l.items[p.Slot:])
	l.items[p.Slot] = item{key: key, data: append([]byte(nil), data...)}
	r.rekey(l)

	err = r.split(trans, l)
	if err != nil {
		return err
	}
	return r.reshape(trans)
}

// UpdateItem replaces the body of an existing item.
func UpdateItem(trans *Transaction, r *Root, key btrfs.Key, data []byte) error {

	err := r.checkItemSize(len(data))
	if err != nil {
		return err
	}

	p, err := SearchSlot(trans, r, key, true)
	if err != nil {
		return err
	}
	if !p.found {
		return fmt.Errorf("tree %d key %v: %w", r.Key.ObjectID, key, ErrNotFound)
	}

	p.leaf.items[p.Slot].data = append([]byte(nil), data...)

	err = r.split(trans, p.leaf)
	if err != nil {
		return err
	}
	return r.reshape(trans)
}

// DeleteItem removes an item. Leaves left empty are dropped and the levels
// above shrink to fit.
func DeleteItem(trans *Transaction, r *Root, key btrfs.Key) error {

	p, err := SearchSlot(trans, r, key, true)
	if err != nil {
		return err
	}
	if !p.found {
		return fmt.Errorf("tree %d key %v: %w", r.Key.ObjectID, key, ErrNotFound)
	}

	l := p.leaf
	l.items = append(l.items[:p.Slot], l.items[p.Slot+1:]...)

	if len(l.items) > 0 {
		r.rekey(l)
		return nil
	}

	if r.leaves.Len() == 1 {
		return nil
	}

	r.leaves.Delete(l)
	r.fs.freeTreeBlock(l.bytenr)

	return r.reshape(trans)
}

// LookupItem returns a copy of the body of the item at key.
func LookupItem(r *Root, key btrfs.Key) ([]byte, error) {
	l := r.leafFor(key)
	slot, found := l.search(key)
	if !found {
		return nil, fmt.Errorf("tree %d key %v: %w", r.Key.ObjectID, key, ErrNotFound)
	}
	return append([]byte(nil), l.items[slot].data...), nil
}
