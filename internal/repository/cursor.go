package repository

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Cursor is an opaque pagination token returned by listing operations. An
// empty cursor means "start from the beginning" on input and "no more pages"
// on output. Callers must treat the contents as opaque; the encoding may
// change between releases.
type Cursor string

// ErrInvalidCursor indicates a pagination token that this server did not
// issue or that has been corrupted.
var ErrInvalidCursor = errors.New("invalid cursor")

const cursorPrefix = "o1:"

func encodeCursor(offset int) Cursor {
	return Cursor(base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.Itoa(offset))))
}

func decodeCursor(cursor Cursor) (int, error) {
	if cursor == "" {
		return 0, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(string(cursor))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	payload, ok := strings.CutPrefix(string(decoded), cursorPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: unknown token format", ErrInvalidCursor)
	}

	offset, err := strconv.Atoi(payload)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("%w: bad offset", ErrInvalidCursor)
	}

	return offset, nil
}
