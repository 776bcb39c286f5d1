package esplora

import (
	"bytes"
	"encoding/hex"
	"io"
	"strings"
)

// decodeHex returns a reader over the bytes of a hex string.
func decodeHex(s string) (io.Reader, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(b), nil
}
