package protocol

// Direction is a single-byte motion code
type Direction byte

const (
	Forward  Direction = 'F'
	Backward Direction = 'B'
	Left     Direction = 'L'
	Right    Direction = 'R'
	Stop     Direction = 'S'
	Up       Direction = 'U'
	Down     Direction = 'D'
)

// ParseDirection accepts exactly one direction letter
func ParseDirection(s string) (Direction, bool) {
	if len(s) != 1 {
		return 0, false
	}
	switch d := Direction(s[0]); d {
	case Forward, Backward, Left, Right, Stop, Up, Down:
		return d, true
	}
	return 0, false
}

// Effective maps the alternate forward/backward codes onto F and B.
// This is what "last direction command" tracks.
func (d Direction) Effective() Direction {
	switch d {
	case Up:
		return Forward
	case Down:
		return Backward
	}
	return d
}

// IsMotion reports whether the code keeps the rover moving
func (d Direction) IsMotion() bool {
	return d != Stop && d != 0
}

func (d Direction) String() string {
	if d == 0 {
		return ""
	}
	return string(rune(d))
}
