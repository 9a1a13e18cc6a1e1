package auth

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// Outcome is the result of one biometric attempt.
type Outcome struct {
	Success bool
	Reason  string
}

// Authenticator is the biometric collaborator.
type Authenticator interface {
	HasHardware(ctx context.Context) bool
	IsEnrolled(ctx context.Context) bool
	Authenticate(ctx context.Context, prompt string) (Outcome, error)
}

// Confirmer is the lighter fallback confirmation step.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// RetryPrompt asks the user whether to start another authentication round
// after a terminal failure. Returning false cancels.
type RetryPrompt func(ctx context.Context, err error) bool

// NoBiometrics reports no biometric hardware, forcing the fallback path.
type NoBiometrics struct{}

func (NoBiometrics) HasHardware(context.Context) bool { return false }
func (NoBiometrics) IsEnrolled(context.Context) bool  { return false }
func (NoBiometrics) Authenticate(context.Context, string) (Outcome, error) {
	return Outcome{Reason: "no biometric hardware"}, nil
}

type confirmKey struct{}
type biometricKey struct{}

// WithConfirmation attaches the user's confirmation decision to ctx.
func WithConfirmation(ctx context.Context, confirmed bool) context.Context {
	return context.WithValue(ctx, confirmKey{}, confirmed)
}

// WithBiometricResult attaches a biometric outcome produced by a device
// bridge to ctx.
func WithBiometricResult(ctx context.Context, out Outcome) context.Context {
	return context.WithValue(ctx, biometricKey{}, out)
}

// ContextConfirmer reads the decision placed by WithConfirmation.
// A missing decision counts as declined.
type ContextConfirmer struct{}

func (ContextConfirmer) Confirm(ctx context.Context, _ string) (bool, error) {
	ok, _ := ctx.Value(confirmKey{}).(bool)
	return ok, nil
}

// ContextBiometrics reads the outcome placed by WithBiometricResult. It
// reports hardware and enrollment so enhanced requests take the biometric
// path.
type ContextBiometrics struct{}

func (ContextBiometrics) HasHardware(context.Context) bool { return true }
func (ContextBiometrics) IsEnrolled(context.Context) bool  { return true }
func (ContextBiometrics) Authenticate(ctx context.Context, _ string) (Outcome, error) {
	out, ok := ctx.Value(biometricKey{}).(Outcome)
	if !ok {
		return Outcome{Reason: "no biometric result supplied"}, nil
	}
	return out, nil
}

// TerminalConfirmer prompts on Out and reads a y/N answer from In.
type TerminalConfirmer struct {
	In  io.Reader
	Out io.Writer
}

func (c TerminalConfirmer) Confirm(ctx context.Context, prompt string) (bool, error) {
	if c.In == nil || c.Out == nil {
		return false, fmt.Errorf("auth: terminal confirmer requires input and output")
	}
	fmt.Fprintf(c.Out, "%s [y/N]: ", prompt)

	answer := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(c.In).ReadString('\n')
		if err != nil && line == "" {
			errc <- err
			return
		}
		answer <- line
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case err := <-errc:
		if err == io.EOF {
			return false, nil
		}
		return false, fmt.Errorf("auth: read confirmation: %w", err)
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}
