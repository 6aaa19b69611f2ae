package protocol

import "strconv"

// Seq is an optional transfer sequence id. Transfers started with PHOTO:START
// or a plain capture request carry no id.
type Seq struct {
	value uint32
	set   bool
}

// NoSeq is the absent sequence id
var NoSeq = Seq{}

// SomeSeq wraps a concrete sequence id
func SomeSeq(v uint32) Seq {
	return Seq{value: v, set: true}
}

// Get returns the id and whether one is present
func (s Seq) Get() (uint32, bool) {
	return s.value, s.set
}

// IsSet reports whether a sequence id is present
func (s Seq) IsSet() bool {
	return s.set
}

func (s Seq) String() string {
	if !s.set {
		return "none"
	}
	return strconv.FormatUint(uint64(s.value), 10)
}
