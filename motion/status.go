package motion

// Status is the motion phase of a device.
type Status string

const (
	StatusIdle         Status = "IDLE"
	StatusInitializing Status = "INITIALIZING"
	StatusParking      Status = "PARKING"
	StatusParked       Status = "PARKED"
	StatusSlewing      Status = "SLEWING"
	StatusTracking     Status = "TRACKING"
	StatusPositioned   Status = "POSITIONED"
	StatusError        Status = "ERROR"
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []Status{
	StatusIdle,
	StatusInitializing,
	StatusParking,
	StatusParked,
	StatusSlewing,
	StatusTracking,
	StatusPositioned,
	StatusError,
}

func (s Status) String() string {
	return string(s)
}

// Transient reports whether s is held only while an operation is running.
func (s Status) Transient() bool {
	switch s {
	case StatusInitializing, StatusParking, StatusSlewing:
		return true
	}
	return false
}

// Index returns the position of s in AllStatuses, or -1.
func (s Status) Index() int {
	for i, v := range AllStatuses {
		if v == s {
			return i
		}
	}
	return -1
}

// transitions lists the allowed edges. Any status may move to ERROR.
var transitions = map[Status][]Status{
	StatusIdle:         {StatusInitializing, StatusParking, StatusSlewing},
	StatusParked:       {StatusInitializing},
	StatusInitializing: {StatusIdle},
	StatusParking:      {StatusParked, StatusIdle},
	StatusSlewing:      {StatusTracking, StatusPositioned, StatusIdle},
	StatusTracking:     {StatusParking, StatusSlewing, StatusIdle},
	StatusPositioned:   {StatusParking, StatusSlewing, StatusIdle},
	StatusError:        {StatusIdle},
}

// CanTransition reports whether the edge from -> to is allowed.
func CanTransition(from, to Status) bool {
	if to == StatusError {
		return from != StatusError
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
