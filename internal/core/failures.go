package core

import (
	"errors"
	"fmt"
)

// FailureKind classifies every way an orchestration run can fail.
type FailureKind string

const (
	MissingConfig        FailureKind = "MissingConfig"
	MissingCertificate   FailureKind = "MissingCertificate"
	ChallengeFailed      FailureKind = "ChallengeFailed"
	DomainUnreachable    FailureKind = "DomainUnreachable"
	RateLimited          FailureKind = "RateLimited"
	DeploymentInProgress FailureKind = "DeploymentInProgress"
	TimedOut             FailureKind = "TimedOut"
)

// Failure is a structured, user-facing error: a kind plus the affected
// domain or service and a human-readable detail line.
type Failure struct {
	Kind    FailureKind
	Domain  string
	Service string
	Detail  string
}

func (f *Failure) Error() string {
	switch {
	case f.Domain != "":
		return fmt.Sprintf("%s: domain %s: %s", f.Kind, f.Domain, f.Detail)
	case f.Service != "":
		return fmt.Sprintf("%s: service %s: %s", f.Kind, f.Service, f.Detail)
	default:
		return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
	}
}

// NewFailure builds a Failure with no domain or service attribution.
func NewFailure(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// DomainFailure builds a Failure attributed to a domain.
func DomainFailure(kind FailureKind, domain, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Domain: domain, Detail: fmt.Sprintf(format, args...)}
}

// ServiceFailure builds a Failure attributed to a service.
func ServiceFailure(kind FailureKind, service, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Service: service, Detail: fmt.Sprintf(format, args...)}
}

// AsFailure unwraps err to a *Failure when one is in the chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
