package common

import (
	"encoding/base64"
	"fmt"

	apperrors "github.com/acme/whatsapp-broadcast/pkg/errors"
)

// maxPageToken bounds decoded paging state; store cursors are far smaller.
const maxPageToken = 4096

// EncodePageToken turns an opaque store cursor into a URL-safe token. An
// empty cursor yields an empty token.
func EncodePageToken(state []byte) string {
	if len(state) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(state)
}

// DecodePageToken reverses EncodePageToken. An empty token is the first page.
func DecodePageToken(token string) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	if base64.RawURLEncoding.DecodedLen(len(token)) > maxPageToken {
		return nil, fmt.Errorf("%w: page token too long", apperrors.ErrValidation)
	}
	state, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed page token", apperrors.ErrValidation)
	}
	return state, nil
}
