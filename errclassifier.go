// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"errors"

	"github.com/bassosimone/errclass"
)

// ErrClassifier classifies errors into categorical strings for analysis.
//
// Implementations map errors to short, descriptive labels (e.g., "ETIMEDOUT",
// "ECONNRESET") that facilitate systematic analysis of logs.
type ErrClassifier interface {
	Classify(err error) string
}

// ErrClassifierFunc adapts a function to the [ErrClassifier] interface.
type ErrClassifierFunc func(error) string

var _ ErrClassifier = ErrClassifierFunc(nil)

// Classify implements [ErrClassifier].
func (f ErrClassifierFunc) Classify(err error) string {
	return f(err)
}

// DefaultErrClassifier classifies the errors of this package and
// delegates everything else to [errclass.New].
var DefaultErrClassifier = ErrClassifierFunc(classifyError)

// domainErrClasses maps the sentinel errors of this package to classes.
var domainErrClasses = []struct {
	err   error
	class string
}{
	{ErrPending, "EINPROGRESS"},
	{ErrNotConnected, "ENOTCONN"},
	{ErrSendBufferFull, "ENOBUFS"},
	{ErrAlreadyBound, "EADDRINUSE"},
	{ErrIdleTimeout, "ETIMEDOUT"},
	{ErrRemoteClosed, "EOF"},
	{ErrLoopStopped, "ECANCELED"},
	{ErrNoAddress, "EAI_NONAME"},
	{ErrBodyTooLarge, "EMSGSIZE"},
}

func classifyError(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range domainErrClasses {
		if errors.Is(err, entry.err) {
			return entry.class
		}
	}
	var perr *HTTPParserError
	if errors.As(err, &perr) {
		return "EHTTP_" + perr.Errno.Name()
	}
	return errclass.New(err)
}
