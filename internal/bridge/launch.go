package bridge

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/jkaninda/wasmbridge/internal/config"
	"github.com/jkaninda/wasmbridge/internal/domain"
	"github.com/jkaninda/wasmbridge/internal/security"
)

// passthroughEnv lists the only host variables a server process inherits.
var passthroughEnv = []string{"PATH", "HOME", "LANG", "TMPDIR", "USER"}

// launchCommand builds the process for a stdio server.
//
// Security guarantees:
//   - The command is validated again at the spawn site
//   - No shell: argv goes straight to execve
//   - No environment inheritance beyond passthroughEnv plus the configured env
//   - The server runs in its own process group, killed as a whole on close
func launchCommand(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
	cmdName, err := security.ValidateCommand(command)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, cmdName, args...)
	cmd.Env = buildEnv(env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	return cmd, nil
}

func buildEnv(extra []string) []string {
	env := make([]string, 0, len(passthroughEnv)+len(extra))
	for _, k := range passthroughEnv {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return append(env, extra...)
}

// normalizeSpec validates a LaunchSpec before anything is dialed and fills
// in defaults. A stdio command with spaces is split into program and
// leading arguments without shell interpretation.
func normalizeSpec(spec LaunchSpec) (LaunchSpec, error) {
	if spec.Transport == "" {
		spec.Transport = TransportStdio
	}
	switch spec.Transport {
	case TransportStdio:
		cmd, err := security.ValidateCommand(spec.Command)
		if err != nil {
			return spec, err
		}
		fields := strings.Fields(cmd)
		spec.Command = fields[0]
		spec.Args = append(fields[1:], spec.Args...)
		for _, a := range spec.Args {
			if err := security.ValidateArgument(a); err != nil {
				return spec, err
			}
		}
		for k, v := range spec.Env {
			if k == "" || strings.ContainsAny(k, "= ") {
				return spec, &domain.ValidationError{Field: "env", Reason: fmt.Sprintf("invalid variable name %q", k)}
			}
			if err := security.ValidateArgument(v); err != nil {
				return spec, err
			}
		}
	case TransportSSE, TransportStreamableHTTP:
		u, err := url.Parse(spec.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return spec, &domain.ValidationError{Field: "url", Reason: fmt.Sprintf("%q is not an http(s) URL", spec.URL)}
		}
	default:
		return spec, &domain.ValidationError{Field: "transport", Reason: fmt.Sprintf("unsupported transport %q", spec.Transport)}
	}
	return spec, nil
}

const maxServerIDLength = 128

// validateServerID accepts ids made of letters, digits, '.', '_' and '-'.
func validateServerID(id string) error {
	if id == "" {
		return &domain.ValidationError{Field: "server_id", Reason: "must not be empty"}
	}
	if len(id) > maxServerIDLength {
		return &domain.ValidationError{Field: "server_id", Reason: fmt.Sprintf("longer than %d characters", maxServerIDLength)}
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return &domain.ValidationError{Field: "server_id", Reason: fmt.Sprintf("invalid character %q", r)}
		}
	}
	return nil
}

// SpecFromConfig converts a configured server into a LaunchSpec.
// Env and header values support ${VAR} expansion.
func SpecFromConfig(cfg config.ServerConfig) LaunchSpec {
	return LaunchSpec{
		Transport: cfg.Transport,
		Command:   cfg.Command,
		Args:      cfg.Args,
		Env:       expandEnvToMap(cfg.Env),
		URL:       os.ExpandEnv(cfg.URL),
		Headers:   expandEnvToMap(cfg.Headers),
	}
}

func expandEnvToMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}

// envList converts a map to KEY=value pairs.
func envList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+v)
	}
	return env
}
