package upload

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDigestMismatch = errors.New("upload: digest mismatch")
	ErrNoFirst        = errors.New("upload: fragment received before first fragment")
)

// Assembler rebuilds a fragmented payload on the receiving side and verifies it
// against the digest announced with the first fragment.
type Assembler struct {
	buf    strings.Builder
	digest string
	active bool
}

// Add appends f. It returns the payload and done=true on the last fragment.
// A first fragment always starts over, discarding any partial upload.
func (a *Assembler) Add(f Fragment) (string, bool, error) {
	if f.First {
		a.Reset()
		a.active = true
		a.digest = f.Digest
	} else if !a.active {
		return "", false, ErrNoFirst
	}
	a.buf.WriteString(f.Data)
	if !f.Last {
		return "", false, nil
	}

	payload := a.buf.String()
	digest := a.digest
	a.Reset()
	if digest != "" {
		if got := Digest(payload); got != digest {
			return "", true, fmt.Errorf("%w: announced %s, assembled %s", ErrDigestMismatch, digest, got)
		}
	}
	return payload, true, nil
}

// Pending reports whether a partial upload is in progress.
func (a *Assembler) Pending() bool {
	return a.active
}

func (a *Assembler) Reset() {
	a.buf.Reset()
	a.digest = ""
	a.active = false
}
