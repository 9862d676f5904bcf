package forward

import (
	"fmt"

	hashids "github.com/speps/go-hashids/v2"
)

const tokenMinLength = 8

// Tokenizer turns device ids into opaque tokens used in subjects, topics
// and routing keys.
type Tokenizer struct {
	h *hashids.HashID
}

func NewTokenizer(salt string) (*Tokenizer, error) {
	hd := hashids.NewData()
	hd.Salt = salt
	hd.MinLength = tokenMinLength
	h, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, fmt.Errorf("hashids: %w", err)
	}
	return &Tokenizer{h: h}, nil
}

// Token returns the token of id, or an empty string for a nil tokenizer or
// a negative id.
func (t *Tokenizer) Token(id int64) string {
	if t == nil || id < 0 {
		return ""
	}
	s, err := t.h.EncodeInt64([]int64{id})
	if err != nil {
		return ""
	}
	return s
}

func (t *Tokenizer) DeviceID(token string) (int64, error) {
	ids, err := t.h.DecodeInt64WithError(token)
	if err != nil {
		return 0, err
	}
	if len(ids) != 1 {
		return 0, fmt.Errorf("token %q: %d ids", token, len(ids))
	}
	return ids[0], nil
}
