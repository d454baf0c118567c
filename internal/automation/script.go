package automation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/sirupsen/logrus"

	"giftcard-autopilot-go/internal/config"
	"giftcard-autopilot-go/internal/secrets"
	"giftcard-autopilot-go/internal/session"
	"giftcard-autopilot-go/internal/totp"
)

// Values are substituted into step urls and values
type Values struct {
	Login    string
	Password string
	Code     string
	Amount   string
}

// CredentialSource resolves per-service credentials
type CredentialSource interface {
	Credentials(ctx context.Context, service string) (*secrets.ServiceCredentials, error)
}

// Runner executes step scripts on a page
type Runner struct {
	Attended      bool
	StepTimeout   time.Duration
	ManualTimeout time.Duration
	Now           func() time.Time
}

// NewRunner builds a runner from the automation config section
func NewRunner(cfg config.AutomationConfig) *Runner {
	r := &Runner{
		Attended:      cfg.Attended,
		StepTimeout:   cfg.StepTimeout,
		ManualTimeout: cfg.ManualTimeout,
		Now:           time.Now,
	}
	if r.StepTimeout <= 0 {
		r.StepTimeout = 30 * time.Second
	}
	if r.ManualTimeout <= 0 {
		r.ManualTimeout = 5 * time.Minute
	}
	return r
}

// Run executes script on page. Values captured by extract steps are returned
// keyed by their field name.
func (r *Runner) Run(ctx context.Context, page session.Page, script config.ScriptConfig, vals Values, creds *secrets.ServiceCredentials) (map[string]string, Result) {
	if len(script.Steps) == 0 {
		return nil, Failed(KindCredentials, "no %s steps configured", script.Service)
	}

	fields := make(map[string]string)
	timeout := playwright.Float(float64(r.StepTimeout.Milliseconds()))

	for i, step := range script.Steps {
		if err := ctx.Err(); err != nil {
			return fields, Failed(KindTransient, "%s flow interrupted: %v", script.Service, err)
		}

		err := r.runStep(page, step, vals, creds, fields, timeout)
		if err != nil {
			var blocked *blockedError
			if errors.As(err, &blocked) {
				if res, ok := r.awaitManual(page, blocked.selector, blocked.what); !ok {
					return fields, res
				}
				continue
			}
			if step.Optional {
				logrus.WithField("service", script.Service).Debugf("Optional step %d (%s) skipped: %v", i+1, step.Action, err)
				continue
			}
			if res, ok := r.checkInterruptions(page, script, creds); !ok {
				return fields, res
			}
			return fields, Failed(KindTransient, "step %d (%s) failed: %v", i+1, step.Action, err)
		}

		if step.Action == "goto" || step.Action == "click" {
			if res, ok := r.checkInterruptions(page, script, creds); !ok {
				return fields, res
			}
		}
	}

	if script.RejectSelector != "" && visible(page, script.RejectSelector) {
		msg, _ := page.TextContent(script.RejectSelector)
		return fields, Failed(KindRejected, "%s rejected: %s", script.Service, strings.TrimSpace(msg))
	}
	if script.ErrorSelector != "" && visible(page, script.ErrorSelector) {
		msg, _ := page.TextContent(script.ErrorSelector)
		return fields, Failed(KindTransient, "%s reported an error: %s", script.Service, strings.TrimSpace(msg))
	}
	if script.SuccessSelector != "" {
		if _, err := page.WaitForSelector(script.SuccessSelector, playwright.PageWaitForSelectorOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: timeout,
		}); err != nil {
			return fields, Failed(KindTransient, "%s success marker not found: %v", script.Service, err)
		}
	}

	return fields, Result{Success: true}
}

type blockedError struct {
	selector string
	what     string
}

func (e *blockedError) Error() string { return e.what + " required" }

func (r *Runner) runStep(page session.Page, step config.StepConfig, vals Values, creds *secrets.ServiceCredentials, fields map[string]string, timeout *float64) error {
	switch step.Action {
	case "goto":
		url, err := render(step.URL, vals)
		if err != nil {
			return err
		}
		_, err = page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
			Timeout:   timeout,
		})
		return err

	case "fill":
		value, err := render(step.Value, vals)
		if err != nil {
			return err
		}
		return page.Fill(step.Selector, value, playwright.PageFillOptions{Timeout: timeout})

	case "click":
		return page.Click(step.Selector, playwright.PageClickOptions{Timeout: timeout})

	case "wait":
		_, err := page.WaitForSelector(step.Selector, playwright.PageWaitForSelectorOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: timeout,
		})
		return err

	case "totp":
		if creds == nil || creds.TOTPSecret == "" {
			return &blockedError{selector: step.Selector, what: "manual 2FA"}
		}
		code, err := totp.Generate(creds.TOTPSecret, r.Now())
		if err != nil {
			return err
		}
		return page.Fill(step.Selector, code, playwright.PageFillOptions{Timeout: timeout})

	case "extract":
		text, err := page.TextContent(step.Selector, playwright.PageTextContentOptions{Timeout: timeout})
		if err != nil {
			return err
		}
		fields[step.Field] = strings.TrimSpace(text)
		return nil
	}
	return fmt.Errorf("unknown step action %q", step.Action)
}

// checkInterruptions looks for a CAPTCHA or 2FA prompt. ok is false when the
// flow must stop with res.
func (r *Runner) checkInterruptions(page session.Page, script config.ScriptConfig, creds *secrets.ServiceCredentials) (Result, bool) {
	if script.CaptchaSelector != "" && visible(page, script.CaptchaSelector) {
		return r.awaitManual(page, script.CaptchaSelector, "CAPTCHA")
	}
	if script.TwoFASelector != "" && (creds == nil || creds.TOTPSecret == "") && visible(page, script.TwoFASelector) {
		return r.awaitManual(page, script.TwoFASelector, "manual 2FA")
	}
	return Result{}, true
}

// awaitManual waits for a human to clear the prompt at selector in attended
// mode and fails immediately otherwise
func (r *Runner) awaitManual(page session.Page, selector, what string) (Result, bool) {
	if !r.Attended {
		return Failed(KindCaptcha, "%s requires manual intervention (unattended mode)", what), false
	}
	if selector == "" {
		return Failed(KindCaptcha, "%s requires manual intervention but no selector is configured", what), false
	}

	logrus.Warnf("%s detected, waiting up to %s for manual resolution", what, r.ManualTimeout)
	_, err := page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   playwright.WaitForSelectorStateHidden,
		Timeout: playwright.Float(float64(r.ManualTimeout.Milliseconds())),
	})
	if err != nil {
		return Failed(KindCaptcha, "%s not resolved within %s", what, r.ManualTimeout), false
	}
	logrus.Infof("%s resolved manually", what)
	return Result{}, true
}

func visible(page session.Page, selector string) bool {
	ok, err := page.IsVisible(selector)
	return err == nil && ok
}

func render(text string, vals Values) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New("step").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("invalid step template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vals); err != nil {
		return "", fmt.Errorf("failed to render step template: %w", err)
	}
	return buf.String(), nil
}
