package otp

import (
	"errors"
	"fmt"
	"time"
)

// Policy describes what OTP email to wait for and how long to wait.
type Policy struct {
	Subject     string        // subject query passed to the provider
	KeyPhrase   string        // text immediately preceding the code
	CodeLength  int           // number of characters in the code
	MaxAttempts int           // lookups before giving up
	Interval    time.Duration // pause between lookups
}

// Template is the message-specific half of a Policy.
type Template struct {
	Subject    string
	KeyPhrase  string
	CodeLength int
}

// BankNotification is the online banking identification code email.
var BankNotification = Template{
	Subject:    "Your Requested Online Banking Identification Code",
	KeyPhrase:  "Code is: ",
	CodeLength: 8,
}

const (
	standardAttempts = 6
	standardInterval = 5 * time.Second
	bankAttempts     = 30
	bankInterval     = 4 * time.Second
)

// StandardPolicy waits roughly thirty seconds: 6 lookups 5s apart.
func StandardPolicy(subject, keyPhrase string, codeLength int) Policy {
	return Policy{
		Subject:     subject,
		KeyPhrase:   keyPhrase,
		CodeLength:  codeLength,
		MaxAttempts: standardAttempts,
		Interval:    standardInterval,
	}
}

// BankPolicy waits up to two minutes: 30 lookups 4s apart.
func BankPolicy(subject, keyPhrase string, codeLength int) Policy {
	return Policy{
		Subject:     subject,
		KeyPhrase:   keyPhrase,
		CodeLength:  codeLength,
		MaxAttempts: bankAttempts,
		Interval:    bankInterval,
	}
}

// Policy returns the template with the given attempt budget applied.
func (t Template) Policy(maxAttempts int, interval time.Duration) Policy {
	return Policy{
		Subject:     t.Subject,
		KeyPhrase:   t.KeyPhrase,
		CodeLength:  t.CodeLength,
		MaxAttempts: maxAttempts,
		Interval:    interval,
	}
}

// Validate reports the first invalid field.
func (p Policy) Validate() error {
	if p.Subject == "" {
		return errors.New("subject is required")
	}
	if p.KeyPhrase == "" {
		return errors.New("key phrase is required")
	}
	if p.CodeLength <= 0 {
		return fmt.Errorf("code length must be positive, got %d", p.CodeLength)
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", p.Interval)
	}
	return nil
}
