package core

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9@._+\-]{0,254}$`)

// ValidateStartRequest validates a campaign start request.
func ValidateStartRequest(req *StartRequest) *Error {
	if req == nil {
		return NewInvalidRequestError("Request body is required.", nil)
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		return NewInvalidRequestError("The 'email' field is required.", map[string]any{
			"field":      "email",
			"validation": "required",
		})
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return NewInvalidRequestError(
			fmt.Sprintf("The 'email' field must be a bare e-mail address. Got: %q", req.Email),
			map[string]any{
				"field":    "email",
				"expected": "name@domain",
				"received": req.Email,
			},
		)
	}
	if req.Key != "" && !keyPattern.MatchString(strings.TrimSpace(req.Key)) {
		return NewInvalidRequestError(
			fmt.Sprintf("The 'key' field must match pattern '%s'. Got: %q", keyPattern.String(), req.Key),
			map[string]any{
				"field":    "key",
				"expected": keyPattern.String(),
				"received": req.Key,
			},
		)
	}
	return nil
}

// ValidateNotificationRecord validates a record submitted for delivery.
func ValidateNotificationRecord(rec *NotificationRecord) *Error {
	if rec == nil {
		return NewInvalidRequestError("Request body is required.", nil)
	}
	if strings.TrimSpace(rec.To) == "" {
		return NewInvalidRequestError("The 'to' field is required.", map[string]any{
			"field":      "to",
			"validation": "required",
		})
	}
	if strings.TrimSpace(rec.Subject) == "" {
		return NewInvalidRequestError("The 'subject' field is required.", map[string]any{
			"field":      "subject",
			"validation": "required",
		})
	}
	return nil
}

// ValidateStatusFilter validates a campaign status filter. Empty means any.
func ValidateStatusFilter(status string) *Error {
	switch status {
	case "", StatusRunning, StatusCompleted, StatusFailed:
		return nil
	}
	return NewInvalidRequestError(
		fmt.Sprintf("Unknown status %q.", status),
		map[string]any{
			"field":    "status",
			"expected": []string{StatusRunning, StatusCompleted, StatusFailed},
			"received": status,
		},
	)
}
