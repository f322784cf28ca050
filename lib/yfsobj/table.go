// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfsobj

import (
	"errors"
	"fmt"
	"hash/crc32"
	"math/rand"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/zhaogezhang/study-yaffs/lib/containers"
	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
)

// NBuckets is N_BUCKETS: a power of two, 256 as in the source this
// spec was distilled from.
const NBuckets = 256

// idProbeSamples is the width of the random probe used to pick the
// least-populated bucket for a new object id (spec §4.3).
const idProbeSamples = 10

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("yfsobj: not found")

// ErrIDSpaceExhausted is returned when AssignID cannot find an unused
// id in a bucket's enumeration; this should never happen on a
// non-pathological volume.
var ErrIDSpaceExhausted = errors.New("yfsobj: object id space exhausted")

// Table is C3, the object table.
type Table struct {
	buckets  [NBuckets]containers.LinkedList[*Object]
	byID     map[yfsaddr.ObjectID]*Object
	caseFold bool
	rng      *rand.Rand
}

// NewTable constructs an empty object table. caseInsensitive mirrors
// the mount-time configuration flag that makes name lookups fold case
// (spec §4.3).
func NewTable(caseInsensitive bool, rng *rand.Rand) *Table {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Table{
		byID:     make(map[yfsaddr.ObjectID]*Object),
		caseFold: caseInsensitive,
		rng:      rng,
	}
}

func bucketOf(id yfsaddr.ObjectID) int {
	return int(id) % NBuckets
}

// Get returns the record for id, if present.
func (t *Table) Get(id yfsaddr.ObjectID) (*Object, bool) {
	obj, ok := t.byID[id]
	return obj, ok
}

// MustGet returns the record for id, panicking if it is absent; used
// where the caller has already established the id must exist (e.g. a
// parent pointer on a live object).
func (t *Table) MustGet(id yfsaddr.ObjectID) *Object {
	obj, ok := t.byID[id]
	if !ok {
		panic(fmt.Errorf("yfsobj: object %d not in table", id))
	}
	return obj
}

// Insert adds obj to the table, keyed by obj.ID, and links it into
// its hash bucket. obj.ID must not already be present.
func (t *Table) Insert(obj *Object) {
	if _, exists := t.byID[obj.ID]; exists {
		panic(fmt.Errorf("yfsobj: object %d already in table", obj.ID))
	}
	t.byID[obj.ID] = obj
	entry := &containers.LinkedListEntry[*Object]{Value: obj}
	t.buckets[bucketOf(obj.ID)].Store(entry)
	obj.bucketEntry = entry
}

// Remove deletes obj from the table and its hash bucket. It does not
// touch parent/child or hard-link linkage; callers unlink those first.
func (t *Table) Remove(obj *Object) {
	if obj.bucketEntry != nil {
		t.buckets[bucketOf(obj.ID)].Delete(obj.bucketEntry)
		obj.bucketEntry = nil
	}
	delete(t.byID, obj.ID)
}

// AssignID picks an id for a new object: sample idProbeSamples
// buckets at random and take the least-populated one, then enumerate
// bucket, bucket+N, bucket+2N, … until an unused value is found. IDs
// below firstFreeID are reserved for pseudo-directories.
func (t *Table) AssignID() (yfsaddr.ObjectID, error) {
	best := -1
	bestLen := -1
	for i := 0; i < idProbeSamples; i++ {
		b := t.rng.Intn(NBuckets)
		if l := t.buckets[b].Len; bestLen == -1 || l < bestLen {
			bestLen = l
			best = b
		}
	}

	for k := 0; ; k++ {
		candidate := yfsaddr.ObjectID(best) + yfsaddr.ObjectID(k)*NBuckets
		if candidate < firstFreeID {
			continue
		}
		if candidate&0x80000000 != 0 {
			// top-bit ids are reserved for higher layers; don't hand
			// them out here.
			if k > 1<<20 {
				return 0, ErrIDSpaceExhausted
			}
			continue
		}
		if _, exists := t.byID[candidate]; !exists {
			return candidate, nil
		}
		if k > 1<<20 {
			return 0, ErrIDSpaceExhausted
		}
	}
}

var caseFolder = cases.Fold()

// Checksum16 computes the 16-bit name-lookup prefilter checksum used
// by LookupChild. When caseFold is set the name is folded first, so
// that two names differing only by case collide on purpose.
func (t *Table) Checksum16(name string) uint16 {
	if t.caseFold {
		name = caseFolder.String(name)
	}
	sum := crc32.ChecksumIEEE([]byte(name))
	return uint16(sum) ^ uint16(sum>>16)
}

func (t *Table) namesEqual(a, b string) bool {
	if t.caseFold {
		return caseFolder.String(a) == caseFolder.String(b)
	}
	return a == b
}

// LookupChild scans dir's child list for name, using the 16-bit
// checksum as a prefilter before doing an exact (optionally
// case-folded) compare. Objects whose name is lazily-loaded are
// resolved via loadName before the compare.
func (t *Table) LookupChild(dir *Object, name string, loadName func(*Object) (string, error)) (*Object, error) {
	if dir.Dir == nil {
		return nil, fmt.Errorf("yfsobj: object %d is not a directory", dir.ID)
	}
	want := t.Checksum16(name)
	for e := dir.Dir.Children.Oldest; e != nil; e = e.Newer {
		child := e.Value
		if child.nameChecksum != want {
			continue
		}
		candidate := child.nameInline
		if child.nameLazy {
			var err error
			candidate, err = loadName(child)
			if err != nil {
				return nil, err
			}
			child.ResolveLazyName(candidate)
		}
		if t.namesEqual(candidate, name) {
			return child, nil
		}
	}
	return nil, ErrNotFound
}

// LinkChild appends child to dir's child list (spec's "sibling-list
// linkage"), setting child.Parent.
func (t *Table) LinkChild(dir, child *Object) {
	if dir.Dir == nil {
		panic(fmt.Errorf("yfsobj: object %d is not a directory", dir.ID))
	}
	child.Parent = dir.ID
	entry := &containers.LinkedListEntry[*Object]{Value: child}
	dir.Dir.Children.Store(entry)
	child.childEntry = entry
}

// UnlinkChild removes child from its parent's child list.
func (t *Table) UnlinkChild(dir, child *Object) {
	if child.childEntry != nil {
		dir.Dir.Children.Delete(child.childEntry)
		child.childEntry = nil
	}
}

// Equivalent resolves a hard link to its target, walking at most one
// hop as spec §4.3 requires. Non-hardlink objects resolve to
// themselves.
func (t *Table) Equivalent(obj *Object) *Object {
	if obj.Type != TypeHardlink {
		return obj
	}
	target, ok := t.byID[obj.EquivalentID]
	if !ok {
		return obj
	}
	return target
}

// LinkHardlink registers link (Type == TypeHardlink) against its
// target's hard-link list.
func (t *Table) LinkHardlink(target, link *Object) {
	link.EquivalentID = target.ID
	entry := &containers.LinkedListEntry[*Object]{Value: link}
	target.HardLinks.Store(entry)
	link.hardLinkEntry = entry
}

// PromoteFirstHardLink implements the promotion rule of spec §4.3:
// deleting an object that has hard links promotes the first link —
// unlink the link, rename the original (target) to the link's name
// under the link's parent, delete the orphan link record. Returns the
// promoted link's former name and parent so the caller can perform
// the rename in the directory structure, and the (now-orphaned) link
// object to delete from the table.
func (t *Table) PromoteFirstHardLink(target *Object) (link *Object, newParent yfsaddr.ObjectID, newName string, ok bool) {
	entry := target.HardLinks.Oldest
	if entry == nil {
		return nil, 0, "", false
	}
	link = entry.Value
	target.HardLinks.Delete(entry)
	link.hardLinkEntry = nil

	name, lazy := link.Name()
	if lazy {
		// caller must have already resolved lazy names before calling,
		// since PromoteFirstHardLink has no driver access.
		name = link.nameInline
	}
	return link, link.Parent, name, true
}

// ForEachBucket iterates every object in bucket index i, in
// insertion order. It's used by yfsgc and yfsscan, which need to walk
// every live object without a global slice.
func (t *Table) ForEachBucket(i int, fn func(*Object)) {
	for e := t.buckets[i].Oldest; e != nil; e = e.Newer {
		fn(e.Value)
	}
}

// NormalizeName applies the table's configured case-folding policy to
// name, for callers that need to pre-fold a name before storing a
// checksum (e.g. rename's destination lookup).
func (t *Table) NormalizeName(name string) string {
	if !t.caseFold {
		return name
	}
	return caseFolder.String(name)
}
