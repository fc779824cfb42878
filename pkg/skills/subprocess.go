package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/osutil"
)

const (
	defaultSubprocessTimeout = 30 * time.Second
	describeTimeout          = 5 * time.Second
	defaultMaxOutputSize     = 100 * 1024
	waitDelay                = time.Second
)

// SubprocessOpener loads skills whose commands are executables answering
// "describe" with their command configs and "run <command>" with the
// command output, reading the arguments as JSON on stdin
type SubprocessOpener struct {
	Timeout       time.Duration
	MaxOutputSize int
}

// Validate checks that every executable describes itself successfully
func (o SubprocessOpener) Validate(ctx context.Context, bundle Bundle) error {
	sources, err := executableSources(bundle.Dir)
	if err != nil {
		return newError(KindModuleLoadError, bundle.Name, "failed to enumerate command sources", err)
	}
	for _, path := range sources {
		if _, err := describeExecutable(ctx, path); err != nil {
			return newError(KindSyntaxInvalid, bundle.Name, "", err)
		}
	}
	return nil
}

// Open describes every executable and builds commands that spawn it
func (o SubprocessOpener) Open(ctx context.Context, bundle Bundle) (Module, error) {
	sources, err := executableSources(bundle.Dir)
	if err != nil {
		return nil, newError(KindModuleLoadError, bundle.Name, "failed to enumerate command sources", err)
	}

	m := &subprocessModule{}
	seen := make(map[string]bool)
	for _, path := range sources {
		configs, err := describeExecutable(ctx, path)
		if err != nil {
			return nil, newError(KindModuleLoadError, bundle.Name, "", err)
		}
		for _, cfg := range configs {
			if seen[cfg.Name] {
				return nil, newError(KindModuleLoadError, bundle.Name, fmt.Sprintf("command %q declared twice", cfg.Name), nil)
			}
			seen[cfg.Name] = true

			cmd, err := NewCommand(bundle.Name, cfg, o.invoker(m, path, cfg.Name))
			if err != nil {
				return nil, newError(KindModuleLoadError, bundle.Name, filepath.Base(path), err)
			}
			m.commands = append(m.commands, cmd)
		}
	}
	return m, nil
}

func describeExecutable(ctx context.Context, path string) ([]CommandConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, describeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, "describe")
	osutil.KillTreeOnCancel(cmd)
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "failed to run %s describe: %s", filepath.Base(path), stderr.String())
	}

	out := bytes.TrimSpace(stdout.Bytes())
	var configs []CommandConfig
	if bytes.HasPrefix(out, []byte("[")) {
		if err := json.Unmarshal(out, &configs); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s description", filepath.Base(path))
		}
	} else {
		var cfg CommandConfig
		if err := json.Unmarshal(out, &cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s description", filepath.Base(path))
		}
		configs = []CommandConfig{cfg}
	}

	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, errors.Errorf("%s describes a command without a name", filepath.Base(path))
		}
	}
	return configs, nil
}

func (o SubprocessOpener) invoker(m *subprocessModule, execPath, name string) InvokeFunc {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = defaultSubprocessTimeout
	}
	maxOutput := o.MaxOutputSize
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputSize
	}

	return func(ctx context.Context, args map[string]any) (string, error) {
		if m.closed.Load() {
			return "", errors.Errorf("command %s belongs to an unloaded skill", name)
		}

		if args == nil {
			args = map[string]any{}
		}
		payload, err := json.Marshal(args)
		if err != nil {
			return "", errors.Wrap(err, "failed to marshal arguments")
		}

		execCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(execCtx, execPath, "run", name)
		osutil.KillTreeOnCancel(cmd)
		cmd.WaitDelay = waitDelay
		cmd.Stdin = bytes.NewReader(payload)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return "", errors.Wrap(ctx.Err(), "command interrupted")
			}
			if execCtx.Err() == context.DeadlineExceeded {
				return "", &ScriptError{Kind: "TimeoutError", Message: fmt.Sprintf("command timed out after %v", timeout)}
			}
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = strings.TrimSpace(stdout.String())
			}
			if msg == "" {
				msg = err.Error()
			}
			return "", &ScriptError{Kind: "ExitError", Message: msg}
		}

		output := stdout.String()
		var jsonError struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal([]byte(output), &jsonError) == nil && jsonError.Error != "" {
			return "", &ScriptError{Kind: jsonError.Kind, Message: jsonError.Error}
		}

		return truncateOutput(output, maxOutput), nil
	}
}

// truncateOutput caps s at limit bytes without splitting a UTF-8 sequence
func truncateOutput(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n\n[TRUNCATED - output exceeded %d bytes]", limit)
}

type subprocessModule struct {
	commands []*Command
	closed   atomic.Bool
}

func (m *subprocessModule) Commands() []*Command { return m.commands }

func (m *subprocessModule) Close() error {
	m.closed.Store(true)
	return nil
}
