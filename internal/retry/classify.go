package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	clierr "github.com/ggonzalez94/defi-advisor/internal/errors"
)

// Class is the retry-relevant category of a failure.
type Class int

const (
	ClassUnknown Class = iota
	ClassConfiguration
	ClassAuthentication
	ClassRateLimit
	ClassTransport
)

func (c Class) String() string {
	switch c {
	case ClassConfiguration:
		return "configuration"
	case ClassAuthentication:
		return "authentication"
	case ClassRateLimit:
		return "rate_limit"
	case ClassTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt may succeed.
func (c Class) Retryable() bool {
	return c != ClassAuthentication && c != ClassConfiguration
}

var textRules = []struct {
	class    Class
	keywords []string
}{
	{ClassAuthentication, []string{"401", "unauthorized", "invalid api key", "authentication"}},
	{ClassRateLimit, []string{"429", "rate limit", "too many requests"}},
	{ClassTransport, []string{"timeout", "network", "econnrefused", "enotfound", "etimedout", "connection error", "socket hang up", "connection refused"}},
}

// Classify maps an error to a Class. Typed codes win; message matching only
// applies to errors that carry no code and no recognizable network type.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	if cErr, ok := clierr.As(err); ok {
		return classFromCode(cErr.Code)
	}
	if isTransportError(err) {
		return ClassTransport
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range textRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.class
			}
		}
	}
	return ClassUnknown
}

func classFromCode(code clierr.Code) Class {
	switch code {
	case clierr.CodeConfig:
		return ClassConfiguration
	case clierr.CodeAuth:
		return ClassAuthentication
	case clierr.CodeRateLimited:
		return ClassRateLimit
	case clierr.CodeUnavailable:
		return ClassTransport
	default:
		return ClassUnknown
	}
}

func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
