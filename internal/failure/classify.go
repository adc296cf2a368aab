// Package failure maps raw errors to a closed taxonomy that drives
// retry decisions, displayed severity, and recommended user actions.
package failure

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/skymigrate/pds-migrator/internal/pds"
)

// Kind is the closed set of failure categories.
type Kind string

const (
	KindTokenExpired      Kind = "token_expired"
	KindPLCTokenExpired   Kind = "plc_token_expired"
	KindPLCPreSubmission  Kind = "plc_failed"
	KindPLCPostSubmission Kind = "plc_inconsistent"
	KindRateLimited       Kind = "rate_limited"
	KindNetwork           Kind = "network"
	KindAuthentication    Kind = "authentication"
	KindAccountExists     Kind = "account_exists"
	KindInvalidInvite     Kind = "invalid_invite"
	KindBlobNotFound      Kind = "blob_not_found"
	KindDataCorruption    Kind = "data_corruption"
	KindDiskFull          Kind = "disk_full"
	KindUserCancelled     Kind = "user_cancelled"
	KindUnknown           Kind = "unknown"
)

// Severity is the fixed display severity of a kind.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Action is a recommended user action.
type Action string

const (
	ActionReauthenticate  Action = "reauthenticate"
	ActionRequestNewToken Action = "request_new_token"
	ActionContactSupport  Action = "contact_support"
)

// Classification is the advisory attached to a failure.
type Classification struct {
	Kind      Kind
	Severity  Severity
	Title     string
	Actions   []Action
	Retryable bool
}

// advisories is the fixed per-kind table. Critical kinds must never
// carry ActionRequestNewToken: the directory may already be
// inconsistent and a new token would make things worse.
var advisories = map[Kind]Classification{
	// Retryable: a refresh race losing to an already-consumed refresh
	// token surfaces with this kind, and a stage retry rehydrates the
	// session from the persisted rotated pair. A genuinely dead session
	// fails once the attempt budget runs out.
	KindTokenExpired: {
		Severity: SeverityError, Title: "Session expired",
		Actions: []Action{ActionReauthenticate}, Retryable: true,
	},
	KindPLCTokenExpired: {
		Severity: SeverityError, Title: "Identity confirmation token expired or missing",
		Actions: []Action{ActionRequestNewToken}, Retryable: false,
	},
	KindPLCPreSubmission: {
		Severity: SeverityError, Title: "Identity directory update failed before submission",
		Actions: []Action{ActionRequestNewToken, ActionContactSupport}, Retryable: true,
	},
	KindPLCPostSubmission: {
		Severity: SeverityCritical, Title: "Identity directory may be inconsistent",
		Actions: []Action{ActionContactSupport}, Retryable: false,
	},
	KindRateLimited: {
		Severity: SeverityWarning, Title: "Server rate limit reached",
		Actions: nil, Retryable: true,
	},
	KindNetwork: {
		Severity: SeverityWarning, Title: "Network problem",
		Actions: nil, Retryable: true,
	},
	KindAuthentication: {
		Severity: SeverityError, Title: "Authentication failed",
		Actions: []Action{ActionReauthenticate}, Retryable: false,
	},
	KindAccountExists: {
		Severity: SeverityError, Title: "Destination account already exists",
		Actions: []Action{ActionContactSupport}, Retryable: false,
	},
	KindInvalidInvite: {
		Severity: SeverityError, Title: "Invite code rejected",
		Actions: []Action{ActionContactSupport}, Retryable: false,
	},
	KindBlobNotFound: {
		Severity: SeverityWarning, Title: "Media file missing on source server",
		Actions: nil, Retryable: true,
	},
	KindDataCorruption: {
		Severity: SeverityCritical, Title: "Transferred data failed verification",
		Actions: []Action{ActionContactSupport}, Retryable: false,
	},
	KindDiskFull: {
		Severity: SeverityError, Title: "Server storage exhausted",
		Actions: []Action{ActionContactSupport}, Retryable: true,
	},
	KindUserCancelled: {
		Severity: SeverityWarning, Title: "Migration cancelled",
		Actions: nil, Retryable: false,
	},
	KindUnknown: {
		Severity: SeverityError, Title: "Unexpected error",
		Actions: []Action{ActionContactSupport}, Retryable: true,
	},
}

// Advisory returns the fixed classification for a kind.
func Advisory(kind Kind) Classification {
	c, ok := advisories[kind]
	if !ok {
		c = advisories[KindUnknown]
		kind = KindUnknown
	}
	c.Kind = kind
	return c
}

// Context tells the classifier where in the workflow the failure
// happened.
type Context struct {
	// PLCStage is true while the identity-directory stage runs.
	PLCStage bool

	// PostSubmission is true once the directory operation has been
	// submitted. Any failure after that point is critical: the
	// directory record and the two servers may disagree.
	PostSubmission bool
}

// Classify maps an error to its advisory. An explicit machine-readable
// code on the error wins; free-text matching is a fallback and only
// ever anchors at the start of the message, never inside a wrapped one.
func Classify(err error, fctx Context) Classification {
	if err == nil {
		return Advisory(KindUnknown)
	}
	if fctx.PostSubmission {
		return Advisory(KindPLCPostSubmission)
	}
	return Advisory(classifyKind(err, fctx))
}

func classifyKind(err error, fctx Context) Kind {
	if pe, ok := pds.AsError(err); ok {
		return kindFromCode(pe.Code, fctx)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}

	return kindFromMessage(err.Error(), fctx)
}

func kindFromCode(code string, fctx Context) Kind {
	switch code {
	case pds.CodeRateLimitExceeded:
		return KindRateLimited
	case pds.CodeExpiredToken, pds.CodeInvalidToken:
		if fctx.PLCStage {
			return KindPLCTokenExpired
		}
		return KindTokenExpired
	case pds.CodeAuthRequired, pds.CodeAuthFactorRequired:
		return KindAuthentication
	case pds.CodeInvalidInviteCode:
		return KindInvalidInvite
	case pds.CodeAccountAlreadyExists, pds.CodeIdentityMismatch:
		return KindAccountExists
	case pds.CodeBlobNotFound:
		return KindBlobNotFound
	}
	if fctx.PLCStage {
		return KindPLCPreSubmission
	}
	return KindUnknown
}

// messagePatterns are tried in order against the start of the error
// message only. Anchoring prevents a narrow category from matching a
// phrase buried inside an unrelated wrapped error.
var messagePatterns = []struct {
	prefix string
	kind   Kind
}{
	{"rate limit", KindRateLimited},
	{"token expired", KindTokenExpired},
	{"expired token", KindTokenExpired},
	{"authentication failed", KindAuthentication},
	{"invalid identifier or password", KindAuthentication},
	{"invalid invite", KindInvalidInvite},
	{"account already exists", KindAccountExists},
	{"blob not found", KindBlobNotFound},
	{"checksum mismatch", KindDataCorruption},
	{"corrupt", KindDataCorruption},
	{"no space left on device", KindDiskFull},
	{"disk full", KindDiskFull},
	{"cancelled by user", KindUserCancelled},
	{"network", KindNetwork},
	{"connection refused", KindNetwork},
	{"connection reset", KindNetwork},
	{"timeout", KindNetwork},
	{"no such host", KindNetwork},
}

func kindFromMessage(msg string, fctx Context) Kind {
	lower := strings.ToLower(msg)
	for _, p := range messagePatterns {
		if strings.HasPrefix(lower, p.prefix) {
			if p.kind == KindTokenExpired && fctx.PLCStage {
				return KindPLCTokenExpired
			}
			return p.kind
		}
	}
	if fctx.PLCStage {
		return KindPLCPreSubmission
	}
	return KindUnknown
}
