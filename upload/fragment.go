package upload

import (
	"crypto/md5"
	"encoding/hex"
	"unicode/utf8"
)

// Policy is the two-phase fragment sizing: a short first fragment so a digest
// mismatch is caught cheaply, then large steady-state fragments.
type Policy struct {
	FirstFragmentSize int
	FragmentSize      int
}

func DefaultPolicy() Policy {
	return Policy{
		FirstFragmentSize: 1000,
		FragmentSize:      50000,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.FirstFragmentSize <= 0 {
		p.FirstFragmentSize = def.FirstFragmentSize
	}
	if p.FragmentSize <= 0 {
		p.FragmentSize = def.FragmentSize
	}
	return p
}

// Fragment is one slice of an upload. Digest is set only on a first fragment
// that is not also the last one.
type Fragment struct {
	Data   string
	First  bool
	Last   bool
	Digest string
}

// Params is the keyed record sent with each fragment, using the daemon's
// field names.
type Params struct {
	Handler  string `json:"handler"`
	Fragment string `json:"fragment"`
	First    bool   `json:"frag_first,omitempty"`
	Last     bool   `json:"frag_last,omitempty"`
	MD5      string `json:"md5,omitempty"`
}

// Params builds the wire record for f under token.
func (f Fragment) Params(token string) Params {
	return Params{
		Handler:  token,
		Fragment: f.Data,
		First:    f.First,
		Last:     f.Last,
		MD5:      f.Digest,
	}
}

// AsFragment recovers the fragment carried by a wire record.
func (p Params) AsFragment() Fragment {
	return Fragment{Data: p.Fragment, First: p.First, Last: p.Last, Digest: p.MD5}
}

// Digest is the integrity digest of a whole payload: hex md5, as the daemon
// verifies it.
func Digest(payload string) string {
	sum := md5.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// splitter walks a payload fragment by fragment. Cuts never split a UTF-8
// sequence, so every fragment survives JSON encoding unchanged.
type splitter struct {
	payload string
	policy  Policy
	cursor  int
	size    int
	digest  string
}

func newSplitter(payload string, policy Policy) *splitter {
	policy = policy.withDefaults()
	return &splitter{payload: payload, policy: policy, size: policy.FirstFragmentSize}
}

func (s *splitter) next() (Fragment, bool) {
	if s.cursor >= len(s.payload) {
		return Fragment{}, false
	}
	end := s.cursor + s.size
	if end >= len(s.payload) {
		end = len(s.payload)
	} else {
		end = runeBoundary(s.payload, s.cursor, end)
	}

	f := Fragment{
		Data:  s.payload[s.cursor:end],
		First: s.cursor == 0,
		Last:  end == len(s.payload),
	}
	if f.First && !f.Last {
		if s.digest == "" {
			s.digest = Digest(s.payload)
		}
		f.Digest = s.digest
	}
	return f, true
}

// advance moves past the fragment last returned by next and switches to the
// steady-state size.
func (s *splitter) advance(f Fragment) {
	s.cursor += len(f.Data)
	s.size = s.policy.FragmentSize
}

// runeBoundary moves end back to the start of a rune, or forward past one rune
// when the fragment would otherwise be empty.
func runeBoundary(payload string, start, end int) int {
	cut := end
	for cut > start && !utf8.RuneStart(payload[cut]) {
		cut--
	}
	if cut > start {
		return cut
	}
	_, width := utf8.DecodeRuneInString(payload[start:])
	return start + width
}

// Split returns every fragment of payload under policy, in send order.
func Split(payload string, policy Policy) []Fragment {
	var out []Fragment
	s := newSplitter(payload, policy)
	for {
		f, ok := s.next()
		if !ok {
			return out
		}
		out = append(out, f)
		s.advance(f)
	}
}
