package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
)

type Shell struct{}

type Cmd struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Dir     string            `json:"dir"`
	Env     map[string]string `json:"env"`
}

const maxOutput = 2048

func (h Shell) Handle(ctx context.Context, payload json.RawMessage) error {
	var c Cmd
	if err := json.Unmarshal(payload, &c); err != nil {
		return fmt.Errorf("invalid shell payload: %w", err)
	}
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		if len(out) > maxOutput {
			out = out[len(out)-maxOutput:]
		}
		return fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return nil
}
