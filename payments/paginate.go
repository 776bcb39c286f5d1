package payments

import "github.com/lightningnetwork/lnd/kvdb"

// paginator walks a sequence number index in pages.
type paginator struct {
	cursor kvdb.RCursor

	reversed bool

	// indexOffset is the exclusive index to start from.
	indexOffset uint64

	// totalItems is the maximum number of items returned.
	totalItems uint64
}

func newPaginator(c kvdb.RCursor, reversed bool,
	indexOffset, totalItems uint64) paginator {

	return paginator{
		cursor:      c,
		reversed:    reversed,
		indexOffset: indexOffset,
		totalItems:  totalItems,
	}
}

func (p paginator) keyValueForIndex(index uint64) ([]byte, []byte) {
	var keyIndex [8]byte
	byteOrder.PutUint64(keyIndex[:], index)

	return p.cursor.Seek(keyIndex[:])
}

func (p paginator) lastIndex() uint64 {
	keyIndex, _ := p.cursor.Last()
	if keyIndex == nil {
		return 0
	}

	return byteOrder.Uint64(keyIndex)
}

func (p paginator) nextKey() ([]byte, []byte) {
	if p.reversed {
		return p.cursor.Prev()
	}

	return p.cursor.Next()
}

// cursorStart returns the first entry after the offset, or before it when
// reversed.
func (p paginator) cursorStart() ([]byte, []byte) {
	if !p.reversed {
		return p.keyValueForIndex(p.indexOffset + 1)
	}

	switch {
	case p.indexOffset == 0:
		return p.cursor.Last()

	// Nothing precedes the first entry.
	case p.indexOffset == 1:
		return nil, nil

	case p.indexOffset > p.lastIndex():
		return p.cursor.Last()

	// Seek rather than subtract so gaps in the index are skipped.
	default:
		p.keyValueForIndex(p.indexOffset)
		return p.cursor.Prev()
	}
}

// query calls fetch for each entry of the page until totalItems entries were
// added or the index is exhausted.
func (p paginator) query(fetch func(k, v []byte) (bool, error)) error {
	var total uint64
	for k, v := p.cursorStart(); k != nil; k, v = p.nextKey() {
		if total >= p.totalItems {
			break
		}

		added, err := fetch(k, v)
		if err != nil {
			return err
		}
		if added {
			total++
		}
	}

	return nil
}
