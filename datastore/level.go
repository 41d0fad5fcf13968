// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package datastore

import (
	"code.hybscloud.com/tomate/internal/cpu"
	"code.hybscloud.com/tomate/xlock"
)

// level owns a growing, append-only set of pages for one record size
// (spec.md §4.5, "Each level keeps a set of pages"), following the same
// linear-scan-then-CAS-backed-lazy-growth shape as gpmm's blockSequence:
// pages are appended, never removed, so an emptied page stays around for
// reuse by a later Store.
type level struct {
	_ cpu.NoCopy

	index uint8

	listLock xlock.Spin
	pages    []*page
}

func newLevel(index uint8) *level {
	return &level{index: index}
}

// allocate finds (or grows) a page with a free slot and returns its flat,
// level-wide entry index.
func (lv *level) allocate() (flatIndex uint32, p *page) {
	lv.listLock.Lock()
	snapshot := lv.pages
	lv.listLock.Unlock()

	for pageIdx, pg := range snapshot {
		if slot, ok := pg.allocate(); ok {
			return uint32(pageIdx)*entriesPerPage + uint32(slot), pg
		}
	}

	pg = newPage(lv.index)
	lv.listLock.Lock()
	pageIdx := len(lv.pages)
	lv.pages = append(lv.pages, pg)
	lv.listLock.Unlock()

	slot, ok := pg.allocate()
	if !ok {
		panic("datastore: allocation into a fresh page cannot fail")
	}
	return uint32(pageIdx)*entriesPerPage + uint32(slot), pg
}

// pageFor decodes flatIndex into its owning page and local slot.
func (lv *level) pageFor(flatIndex uint32) (p *page, slot int, ok bool) {
	pageIdx := int(flatIndex / entriesPerPage)

	lv.listLock.Lock()
	defer lv.listLock.Unlock()

	if pageIdx < 0 || pageIdx >= len(lv.pages) {
		return nil, 0, false
	}
	return lv.pages[pageIdx], int(flatIndex % entriesPerPage), true
}
