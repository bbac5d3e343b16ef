package connection

import "obdlink/internal/models"

// transitions lists, per phase, the phases it may move to. Failed and
// Disconnected are handled separately: every phase may fall to either, and
// Failed may only leave to Disconnected.
var transitions = map[models.Phase][]models.Phase{
	models.Disconnected: {models.Scanning, models.Connecting},
	models.Scanning:     {models.Connecting},
	models.Connecting:   {models.Connected},
	models.Connected:    {models.Initializing},
	models.Initializing: {models.Ready},
	models.Ready:        {models.Initializing},
}

func canTransition(from, to models.Phase) bool {
	switch {
	case to == models.Disconnected:
		return true
	case from == models.Failed:
		return false
	case to == models.Failed:
		return true
	}
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}
