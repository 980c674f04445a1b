// Package command implements the built-in module type that runs an external
// process as one step of an operation. The process's captured stdout, stderr
// and exit code become the module's result data; a rollback_params block
// declares the command that undoes the work during an abort.
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"

	intcmd "github.com/opflow-labs/opflow/internal/command"
	"github.com/opflow-labs/opflow/internal/paramutil"
	"github.com/opflow-labs/opflow/internal/registry"
	"github.com/opflow-labs/opflow/internal/retry"
	"github.com/opflow-labs/opflow/internal/secrets"
	"github.com/opflow-labs/opflow/internal/template"
	opflowerrors "github.com/opflow-labs/opflow/pkg/opflow/v1/errors"
	opflowlog "github.com/opflow-labs/opflow/pkg/opflow/v1/log"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/module"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/state"
)

var allowedParams = []string{"command", "args", "working_dir", "environment", "retries"}

var allowedRollbackParams = []string{"command", "args", "working_dir", "environment"}

var allowedRetryKeys = []string{"attempts", "delay", "max_delay", "backoff_factor", "jitter"}

// Module runs one external command with captured output. All parameters are
// validated and frozen at build time; Execute only runs what was declared.
//
// Result data lands in the operation context under the keys "stdout",
// "stderr" and "exit_code". A later command module overwrites them; use a
// set_fact module to keep a value under a stable name.
type Module struct {
	module.Base

	meta     module.Metadata
	log      opflowlog.Logger
	runner   intcmd.Runner
	tracker  *secrets.SecretTracker
	keywords map[string]struct{}

	cmd        string
	args       []string
	workingDir string
	env        map[string]string
	retryCfg   *retry.Config

	rollbackCmd        string
	rollbackArgs       []string
	rollbackWorkingDir string
	rollbackEnv        map[string]string
}

var _ module.Module = (*Module)(nil)

// NewFactory returns the registry factory for the command module type. A nil
// runner selects the os/exec backed default; tests inject fakes.
func NewFactory(runner intcmd.Runner) registry.Factory {
	return func(bc registry.BuildContext) (module.Module, error) {
		r := runner
		if r == nil {
			r = intcmd.NewRunner()
		}
		m := &Module{
			meta:     bc.Meta,
			log:      bc.Log,
			runner:   r,
			tracker:  bc.Tracker,
			keywords: bc.RedactedKeywords,
		}
		if err := m.parseParams(bc.Params); err != nil {
			return nil, err
		}
		if err := m.parseRollbackParams(bc.RollbackParams); err != nil {
			return nil, fmt.Errorf("rollback_params: %w", err)
		}
		return m, nil
	}
}

func (m *Module) Meta() module.Metadata { return m.meta }

// ValidatePrerequisites checks that the declared command resolves to an
// executable. The check runs at the module's scheduled slot, after its
// dependencies, so a binary installed by an earlier module passes.
func (m *Module) ValidatePrerequisites(_ context.Context, _ state.StateReader) (bool, []string) {
	if err := m.runner.LookPath(m.cmd); err != nil {
		return false, []string{fmt.Sprintf("command %q not found: %v", m.cmd, err)}
	}
	return true, nil
}

func (m *Module) Execute(ctx context.Context, _ state.Store) (*module.Result, error) {
	if ctx.Value(module.DryRunKey{}) == true {
		m.log.Infof("Dry-run: would execute %s", m.sanitize(m.commandLine()))
		return module.NewSuccessResult(fmt.Sprintf("dry-run: would execute %s", m.sanitize(m.commandLine())), map[string]interface{}{
			"dry_run":   true,
			"stdout":    "",
			"stderr":    "",
			"exit_code": 0,
		}), nil
	}

	m.log.Infof("Executing %s", m.sanitize(m.commandLine()))
	res, runErr := m.runCommand(ctx, m.cmd, m.args, m.workingDir, m.env, m.retryCfg)
	data := m.resultData(res)

	if runErr != nil {
		result := &module.Result{
			Success: false,
			Status:  module.StatusFailed,
			Message: fmt.Sprintf("command '%s' failed", m.cmd),
			Data:    data,
			Errors:  []string{m.sanitize(runErr.Error())},
		}
		return result, runErr
	}

	return module.NewSuccessResult(fmt.Sprintf("command '%s' completed", m.cmd), data), nil
}

// Rollback runs the command declared in rollback_params, if any. It
// deliberately skips the retry config: an abort should finish promptly.
func (m *Module) Rollback(ctx context.Context, _ state.Store) error {
	if m.rollbackCmd == "" {
		m.log.Debugf("No rollback command declared, nothing to undo")
		return nil
	}
	if ctx.Value(module.DryRunKey{}) == true {
		m.log.Infof("Dry-run: would roll back with command '%s'", m.rollbackCmd)
		return nil
	}

	m.log.Infof("Rolling back with command '%s'", m.rollbackCmd)
	res, err := m.runCommand(ctx, m.rollbackCmd, m.rollbackArgs, m.rollbackWorkingDir, m.rollbackEnv, nil)
	if err != nil {
		if res != nil && strings.TrimSpace(res.Stderr) != "" {
			return fmt.Errorf("rollback command '%s' failed: %w (stderr: %s)", m.rollbackCmd, err, m.sanitize(strings.TrimSpace(res.Stderr)))
		}
		return fmt.Errorf("rollback command '%s' failed: %w", m.rollbackCmd, err)
	}
	return nil
}

// runCommand invokes the runner once, or under the retry helper when a retry
// config is present. A completed process with a non-zero exit code is folded
// into the returned error; res carries the last attempt's captured output.
func (m *Module) runCommand(ctx context.Context, cmdName string, args []string, workingDir string, env map[string]string, retryCfg *retry.Config) (*intcmd.Result, error) {
	if len(env) > 0 {
		m.log.Debugf("Environment overrides: %v", template.RedactStringMap(env, m.keywords))
	}
	envList := environmentList(env)

	var res *intcmd.Result
	attempt := func(ctx context.Context) error {
		r, err := m.runner.Run(ctx, cmdName, args, workingDir, envList)
		res = r
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("command runner returned no result")
		}
		if r.ExitCode != 0 {
			return fmt.Errorf("command exited with non-zero status %d", r.ExitCode)
		}
		return nil
	}

	var err error
	if retryCfg == nil {
		err = attempt(ctx)
	} else {
		helper := retry.NewHelper(m.log)
		helper.SetRedactedKeywords(m.keywords)
		err = helper.Do(ctx, *retryCfg, attempt)
	}
	return res, err
}

// resultData shapes the runner result into the module's output map with all
// tracked secrets scrubbed from the captured streams.
func (m *Module) resultData(res *intcmd.Result) map[string]interface{} {
	data := map[string]interface{}{
		"stdout":    "",
		"stderr":    "",
		"exit_code": -1,
	}
	if res != nil {
		data["stdout"] = res.Stdout
		data["stderr"] = res.Stderr
		data["exit_code"] = res.ExitCode
	}
	redacted, _ := template.RedactTrackedSecrets(data, m.tracker)
	return redacted.(map[string]interface{})
}

func (m *Module) parseParams(params map[string]interface{}) error {
	if err := paramutil.CheckAllowed(params, allowedParams); err != nil {
		return err
	}

	cmd, err := paramutil.GetRequiredString(params, "command")
	if err != nil {
		return err
	}
	m.cmd = cmd

	if m.args, _, err = paramutil.GetOptionalStringSlice(params, "args"); err != nil {
		return err
	}
	if m.workingDir, _, err = paramutil.GetOptionalString(params, "working_dir"); err != nil {
		return err
	}
	if m.env, err = parseEnvironment(params); err != nil {
		return err
	}
	return m.parseRetries(params)
}

func (m *Module) parseRollbackParams(params map[string]interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := paramutil.CheckAllowed(params, allowedRollbackParams); err != nil {
		return err
	}

	cmd, err := paramutil.GetRequiredString(params, "command")
	if err != nil {
		return err
	}
	m.rollbackCmd = cmd

	if m.rollbackArgs, _, err = paramutil.GetOptionalStringSlice(params, "args"); err != nil {
		return err
	}
	if m.rollbackWorkingDir, _, err = paramutil.GetOptionalString(params, "working_dir"); err != nil {
		return err
	}
	m.rollbackEnv, err = parseEnvironment(params)
	return err
}

func (m *Module) parseRetries(params map[string]interface{}) error {
	cfg, found, err := paramutil.GetOptionalMap(params, "retries")
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if err := paramutil.CheckAllowed(cfg, allowedRetryKeys); err != nil {
		return fmt.Errorf("retries: %w", err)
	}

	attempts, _, err := paramutil.GetOptionalInt(cfg, "attempts")
	if err != nil {
		return err
	}
	if attempts < 1 {
		attempts = 1
	}
	delay, _, err := paramutil.GetOptionalDuration(cfg, "delay")
	if err != nil {
		return err
	}
	maxDelay, _, err := paramutil.GetOptionalDuration(cfg, "max_delay")
	if err != nil {
		return err
	}
	backoff, _, err := paramutil.GetOptionalFloat(cfg, "backoff_factor")
	if err != nil {
		return err
	}
	jitter, _, err := paramutil.GetOptionalFloat(cfg, "jitter")
	if err != nil {
		return err
	}

	m.retryCfg = &retry.Config{
		Attempts:      attempts,
		Delay:         delay,
		MaxDelay:      maxDelay,
		BackoffFactor: backoff,
		Jitter:        jitter,
		OnError:       true,
		ModuleID:      m.meta.ID,
	}
	return nil
}

// parseEnvironment reads the environment map param, accepting scalar values
// and formatting them as strings.
func parseEnvironment(params map[string]interface{}) (map[string]string, error) {
	raw, found, err := paramutil.GetOptionalMap(params, "environment")
	if err != nil || !found {
		return nil, err
	}

	env := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case string:
			env[key] = v
		case bool, int, int32, int64, float32, float64:
			env[key] = fmt.Sprintf("%v", v)
		default:
			return nil, opflowerrors.NewValidationError(fmt.Sprintf("environment entry '%s' must be a scalar value, got %T", key, value), nil)
		}
	}
	return env, nil
}

// environmentList converts the environment map into sorted KEY=VALUE form
// for the process runner.
func environmentList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

func (m *Module) commandLine() string {
	if len(m.args) == 0 {
		return fmt.Sprintf("'%s'", m.cmd)
	}
	return fmt.Sprintf("'%s %s'", m.cmd, strings.Join(m.args, " "))
}

// sanitize scrubs both redaction keywords and tracked secret values from a
// string headed for a log line or report.
func (m *Module) sanitize(s string) string {
	s = template.RedactSecretsInString(s, m.keywords)
	out, _ := template.RedactTrackedSecrets(s, m.tracker)
	return out.(string)
}
