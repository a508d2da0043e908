package remote

import (
	"fmt"
	"regexp"

	"github.com/vmihailenco/msgpack/v5"
)

// Records are stored as msgpack using the msgpack tags on the chat types.
func encodeRecord[T any](v *T) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return b, nil
}

func decodeRecord[T any](data []byte) (T, error) {
	var v T
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode record: %w", err)
	}
	return v, nil
}

// keyToken matches a single key-value key segment.
var keyToken = regexp.MustCompile(`^[A-Za-z0-9_=-]+$`)

func validToken(kind, v string) error {
	if !keyToken.MatchString(v) {
		return fmt.Errorf("invalid %s %q", kind, v)
	}
	return nil
}

func messageKey(conversationID, messageID string) string {
	return conversationID + "." + messageID
}
