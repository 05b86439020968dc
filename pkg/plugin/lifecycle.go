package plugin

import "Enclosure-Core/internal/runlevel"

var forward = []runlevel.Runlevel{runlevel.Unknown, runlevel.Starting, runlevel.Ready, runlevel.Running}

// Advance walks the forward chain from the current runlevel of the plugin
// up to target and returns where it stopped. A refused step, such as one
// held back by an inhibitor, ends the walk without error.
func Advance(h Host, target runlevel.Runlevel) (runlevel.Runlevel, error) {
	current := h.Runlevel()
	from, to := indexOf(current), indexOf(target)
	if from < 0 || to < 0 || from >= to {
		return current, nil
	}
	for _, next := range forward[from+1 : to+1] {
		ok, err := h.SetRunlevel(next)
		if err != nil {
			return current, err
		}
		if !ok {
			return current, nil
		}
		current = next
	}
	return current, nil
}

func indexOf(rl runlevel.Runlevel) int {
	for i, candidate := range forward {
		if candidate == rl {
			return i
		}
	}
	return -1
}
