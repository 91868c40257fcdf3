package agi

import (
	"context"
	"fmt"
)

// SystemStatusVariable is set by the System application after it runs a
// shell command.
const SystemStatusVariable = "SYSTEMSTATUS"

// SystemSuccess is the SYSTEMSTATUS value reported for a zero exit status.
const SystemSuccess = "SUCCESS"

// System runs shellCommand on the Asterisk host through the System
// application and reports whether it succeeded. A failing shell command is
// a normal false result; only transport failures are returned as errors.
// With debug set, the raw status read is logged.
func (c *Channel) System(ctx context.Context, shellCommand string, debug bool) (bool, error) {
	if _, err := c.Exec(ctx, "System", shellCommand); err != nil {
		return false, fmt.Errorf("exec system: %w", err)
	}

	rs, err := c.GetVariable(ctx, SystemStatusVariable)
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", SystemStatusVariable, err)
	}

	if debug {
		c.logger.Info("system status read",
			"command", shellCommand,
			"code", rs.StatusCode,
			"result", rs.Result,
			"data", rs.Data,
		)
	}

	return rs.Data == SystemSuccess, nil
}
