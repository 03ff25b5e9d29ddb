package survey

import (
	"errors"
	"strings"
)

// Usage is returned for an empty or unknown command.
const Usage = "Usage: rfsurvey <status|send|receive|stop|set>"

// ErrUsage is returned with Usage when a command is not understood.
var ErrUsage = errors.New(Usage)

// Dispatch runs one operator command line and returns the text to show.
func (c *Controller) Dispatch(line string) (string, error) {
	args := strings.Fields(line)
	if len(args) > 0 && args[0] == "rfsurvey" {
		args = args[1:]
	}
	if len(args) == 0 {
		return Usage, ErrUsage
	}

	switch args[0] {
	case "status":
		return c.Status().Status, nil
	case "send":
		c.StartSend()
		return c.Status().Status, nil
	case "receive":
		c.StartReceive()
		return c.Status().Status, nil
	case "stop":
		c.Stop()
		return c.Status().Status, nil
	case "set":
		return c.dispatchSet(args[1:])
	}
	return Usage, ErrUsage
}

// dispatchSet accepts "key=value", "key value" or nothing to list.
func (c *Controller) dispatchSet(args []string) (string, error) {
	var key, value string
	switch len(args) {
	case 0:
		return c.Settings().String(), nil
	case 1:
		var ok bool
		key, value, ok = strings.Cut(args[0], "=")
		if !ok {
			return "", errors.New("usage: set <key>=<value>")
		}
	case 2:
		key, value = args[0], args[1]
	default:
		return "", errors.New("usage: set <key>=<value>")
	}
	if err := c.Set(key, value); err != nil {
		return "", err
	}
	return c.Settings().String(), nil
}
