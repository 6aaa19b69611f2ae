package protocol

import (
	"fmt"
	"strings"
)

// Commands the controller sends
const (
	CmdCapture      = "PHOTO"
	CmdHumidity     = "HUM?"
	CmdMissionAuto  = "MISSION:AUTO"
	CmdMissionPause = "MISSION:PAUSE"
	CmdStop         = "S"
)

// EncodeCommand applies the terminator rule: a single character goes out as
// one raw byte, anything longer gets a trailing '\n' unless it already has one.
func EncodeCommand(cmd string) ([]byte, error) {
	switch {
	case cmd == "":
		return nil, fmt.Errorf("empty command")
	case len(cmd) == 1:
		return []byte{cmd[0]}, nil
	case strings.HasSuffix(cmd, "\n"):
		return []byte(cmd), nil
	default:
		return []byte(cmd + "\n"), nil
	}
}

// DecodeCommand is the rover-side inverse of EncodeCommand
func DecodeCommand(data []byte) string {
	return strings.TrimRight(string(data), "\r\n")
}

// ServoChannel selects the camera axis
type ServoChannel int

const (
	ServoPan  ServoChannel = 1
	ServoTilt ServoChannel = 2
)

const (
	ServoMinAngle = 0
	ServoMaxAngle = 180
)

// ClampAngle limits angle to the servo range
func ClampAngle(angle int) int {
	if angle < ServoMinAngle {
		return ServoMinAngle
	}
	if angle > ServoMaxAngle {
		return ServoMaxAngle
	}
	return angle
}

// ServoCommand builds SV1:<angle> or SV2:<angle> with the angle clamped
func ServoCommand(ch ServoChannel, angle int) string {
	return fmt.Sprintf("SV%d:%d", ch, ClampAngle(angle))
}

// ParseServoCommand is the rover-side parser for SVn:<angle>
func ParseServoCommand(cmd string) (ServoChannel, int, bool) {
	var ch, angle int
	if _, err := fmt.Sscanf(cmd, "SV%d:%d", &ch, &angle); err != nil {
		return 0, 0, false
	}
	if ch != int(ServoPan) && ch != int(ServoTilt) {
		return 0, 0, false
	}
	return ServoChannel(ch), ClampAngle(angle), true
}

// MissionStartCommand starts an autonomous mission, tagged with id when given
func MissionStartCommand(id string) string {
	if id == "" {
		return CmdMissionAuto
	}
	return "MISSION:START:AUTONOMOUS:" + id
}
